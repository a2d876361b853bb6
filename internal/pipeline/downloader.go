package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/archive"
	"github.com/ppiankov/releasetrail/internal/ledger"
	"github.com/ppiankov/releasetrail/internal/model"
)

type assetFetcher interface {
	Download(ctx context.Context, rawURL, dest string) (int64, error)
}

// Downloader saves PDF assets under {root}/{organization}/{provenance}/
type Downloader struct {
	fetcher  assetFetcher
	ledger   *ledger.Ledger
	root     string
	failures *recorder
	log      *zap.Logger
}

// DownloadAll downloads every PDF link not yet in the ledger. Files already
// on disk are adopted into the ledger without a request unless another link
// already owns them.
func (d *Downloader) DownloadAll(ctx context.Context, links []model.LinkRecord, prov model.Provenance) (Stats, error) {
	var stats Stats
	done, err := d.ledger.DownloadedKeys(ctx, prov)
	if err != nil {
		return stats, err
	}

	for _, link := range links {
		if link.Type != model.AssetPDF {
			continue
		}
		stats.Total++
		if done[link.Key()] {
			stats.Skipped++
			continue
		}

		dest, err := assetLocation(ctx, d.ledger, d.root, link, prov)
		if err != nil {
			stats.Failed++
			d.failures.fail(ctx, model.StageDownload, link.Organization, prov, link.Link, err.Error())
			continue
		}

		if _, err := os.Stat(dest); err == nil {
			if err := d.ledger.MarkDownloaded(ctx, link.Organization, prov, link.Link, dest); err != nil {
				return stats, err
			}
			done[link.Key()] = true
			stats.Skipped++
			d.log.Debug("adopted existing file", zap.String("path", dest))
			continue
		}

		source := link.Link
		if prov == model.ProvenanceArchived {
			source = archive.RawURL(link.Link)
		}
		n, err := d.fetcher.Download(ctx, source, dest)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			d.failures.fail(ctx, model.StageDownload, link.Organization, prov, link.Link, err.Error())
			continue
		}
		if err := d.ledger.MarkDownloaded(ctx, link.Organization, prov, link.Link, dest); err != nil {
			return stats, err
		}
		done[link.Key()] = true
		stats.Done++
		d.failures.resolve(ctx, model.StageDownload, link.Organization, prov, link.Link)
		d.log.Info("downloaded",
			zap.String("org", link.Organization),
			zap.String("provenance", string(prov)),
			zap.String("url", link.Link),
			zap.Int64("bytes", n))
	}
	return stats, nil
}

// AssetPath returns where the PDF behind link is stored. The file name is
// the last path segment of the URL; the query is dropped.
func AssetPath(root, org string, prov model.Provenance, link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", fmt.Errorf("no file name in %s", link)
	}
	return filepath.Join(root, safeSegment(org), string(prov), safeSegment(name)), nil
}

// assetLocation returns the file for link: the path recorded in the ledger
// if there is one, else AssetPath. When AssetPath is recorded for another
// link the name gets a hash of this link before its extension.
func assetLocation(ctx context.Context, led *ledger.Ledger, root string, link model.LinkRecord, prov model.Provenance) (string, error) {
	if led != nil {
		if p, ok, err := led.DownloadedPath(ctx, link.Organization, prov, link.Link); err != nil || ok {
			return p, err
		}
	}
	dest, err := AssetPath(root, link.Organization, prov, link.Link)
	if err != nil || led == nil {
		return dest, err
	}
	owner, ok, err := led.PathOwner(ctx, dest)
	if err != nil {
		return "", err
	}
	if ok && owner != link.Key() {
		return uniqueAssetPath(dest, link.Link), nil
	}
	return dest, nil
}

func uniqueAssetPath(p, link string) string {
	sum := sha256.Sum256([]byte(link))
	ext := filepath.Ext(p)
	return strings.TrimSuffix(p, ext) + "-" + hex.EncodeToString(sum[:4]) + ext
}

func safeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
}
