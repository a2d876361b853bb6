// Manual check of every site strategy against the live news listings.
// It reports how many links each listing yields and whether the first HTML
// article still parses, so markup changes show up before a full run.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/logging"
	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/pipeline"
	"github.com/ppiankov/releasetrail/internal/ratelimit"
	"github.com/ppiankov/releasetrail/internal/sites"
	"github.com/ppiankov/releasetrail/internal/util"
)

func main() {
	cfg := model.DefaultConfig()
	log, err := logging.New("warn", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	fetcher := pipeline.NewFetcher(
		util.NewHTTPClient(cfg.HTTP, cfg.HTTP.Timeout),
		cfg.HTTP,
		log,
		pipeline.WithHostLimiter(ratelimit.FromConfig(cfg.RateLimiting)),
	)
	registry := sites.NewRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fmt.Println("=== Site Strategy Check ===")
	fmt.Println()

	broken := 0
	for _, org := range cfg.Organizations {
		fmt.Printf("%s\n", org.Name)
		fmt.Println(strings.Repeat("-", 60))
		if !checkSite(ctx, registry, fetcher, org, log) {
			broken++
		}
		fmt.Println()
	}

	if broken > 0 {
		fmt.Printf("✗ %d of %d sites need attention\n", broken, len(cfg.Organizations))
		os.Exit(1)
	}
	fmt.Printf("✓ all %d sites OK\n", len(cfg.Organizations))
}

func checkSite(ctx context.Context, registry *sites.Registry, fetcher *pipeline.Fetcher, org model.Organization, log *zap.Logger) bool {
	site, err := registry.Lookup(org.Name)
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return false
	}

	env := sites.Env{Browser: fetcher, Log: log}
	links, err := site.CollectLinks(ctx, env, sites.Listing{URL: org.CurrentURL, Provenance: model.ProvenanceCurrent})
	if err != nil {
		fmt.Printf("  ✗ collect: %v\n", err)
		return false
	}
	if len(links) == 0 {
		fmt.Printf("  ✗ no links on %s\n", org.CurrentURL)
		return false
	}

	var pdfs, pages int
	var firstPage string
	for _, l := range links {
		if l.Type == model.AssetPDF {
			pdfs++
			continue
		}
		pages++
		if firstPage == "" {
			firstPage = l.URL
		}
	}
	fmt.Printf("  ✓ %d links (%d pdf, %d html)\n", len(links), pdfs, pages)

	if firstPage == "" {
		return true
	}
	doc, err := fetcher.Load(ctx, firstPage)
	if err != nil {
		fmt.Printf("  ✗ load %s: %v\n", firstPage, err)
		return false
	}
	blocks, err := site.ParseArticle(doc, model.ProvenanceCurrent)
	if err != nil {
		fmt.Printf("  ✗ parse %s: %v\n", firstPage, err)
		return false
	}
	fmt.Printf("  ✓ %s: %d text blocks\n", firstPage, len(blocks))
	return true
}
