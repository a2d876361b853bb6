// Package document extracts text from downloaded PDFs.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/ppiankov/releasetrail/internal/model"
)

// ErrEmptyText is returned when a document yields no text
var ErrEmptyText = errors.New("document has no text")

// Mode selects how text is obtained from a PDF
type Mode int

const (
	// ModeEmbedded reads the text layer stored in the file
	ModeEmbedded Mode = iota
	// ModeOCR rasterizes and recognizes every page with the external command
	ModeOCR
)

func (m Mode) String() string {
	if m == ModeOCR {
		return "ocr"
	}
	return "embedded"
}

// CommandRunner runs an external command; swapped in tests
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Extractor turns PDF files into text
type Extractor struct {
	ocrCommand []string
	marker     string
	run        CommandRunner
}

// NewExtractor creates an extractor from the document configuration
func NewExtractor(cfg model.DocumentConfig) *Extractor {
	return &Extractor{
		ocrCommand: cfg.OCRCommand,
		marker:     cfg.CorruptionMarker,
		run:        execRunner,
	}
}

// WithRunner replaces the command runner used for OCR
func (e *Extractor) WithRunner(run CommandRunner) *Extractor {
	e.run = run
	return e
}

// IsCorrupted reports whether text carries the marker left by fonts
// without a usable character map
func (e *Extractor) IsCorrupted(text string) bool {
	return e.marker != "" && strings.Contains(text, e.marker)
}

// ExtractText returns the text of the PDF at path
func (e *Extractor) ExtractText(ctx context.Context, path string, mode Mode) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	var (
		text string
		err  error
	)
	switch mode {
	case ModeOCR:
		text, err = e.ocr(ctx, path)
	default:
		text, err = embeddedText(path)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%s (%s): %w", filepath.Base(path), mode, ErrEmptyText)
	}
	return text, nil
}

// embeddedText reads the text layer. The parser panics on some malformed
// files; those surface as errors.
func embeddedText(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse %s: %v", filepath.Base(path), r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer func() { _ = f.Close() }()

	fonts := make(map[string]*pdf.Font)
	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				font := p.Font(name)
				fonts[name] = &font
			}
		}
		pageText, err := p.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, pageText)
	}
	return strings.Join(pages, "\n"), nil
}

// ocr runs the configured command and reads the sidecar text file
func (e *Extractor) ocr(ctx context.Context, path string) (string, error) {
	if len(e.ocrCommand) == 0 {
		return "", errors.New("no OCR command configured")
	}

	work, err := os.MkdirTemp("", "releasetrail-ocr-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	sidecar := filepath.Join(work, "text.txt")
	output := filepath.Join(work, "ocr.pdf")
	args := expandCommand(e.ocrCommand, map[string]string{
		"{input}":   path,
		"{output}":  output,
		"{sidecar}": sidecar,
	})

	out, err := e.run(ctx, args[0], args[1:]...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ocr %s: %w: %s", filepath.Base(path), err, lastLine(out))
	}

	data, err := os.ReadFile(sidecar)
	if err != nil {
		return "", fmt.Errorf("read sidecar: %w", err)
	}
	// ocrmypdf separates pages with form feeds
	return strings.ReplaceAll(string(data), "\f", "\n"), nil
}

func expandCommand(tmpl []string, vars map[string]string) []string {
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, k, v)
		}
		out[i] = arg
	}
	return out
}

func lastLine(out []byte) string {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	return string(lines[len(lines)-1])
}
