// Package pagegen implements the Job Runner's (C7) Executor: turning a
// PageGenerationJob into rendered HTML on disk at the path the gateway's
// X-Accel-Redirect expects (spec §4.5, §4.7). The headless-browser
// scraper and the AI-driven safe-page generator are both external
// collaborators (spec §1 Non-goals); Executor depends on narrow
// interfaces for each rather than on any particular implementation.
package pagegen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloakgate/gateway/internal/model"
)

// Scraper renders a money-page URL to static HTML. The real
// implementation is a separate headless-browser service; HTTPScraper is a
// direct-fetch stand-in that exercises the pipeline without one.
type Scraper interface {
	Scrape(ctx context.Context, sourceURL string) ([]byte, error)
}

// SafePageGenerator produces safe-page HTML for a style and competitor
// list. The real implementation is an external AI service; templateSafePageGenerator
// is a static stand-in.
type SafePageGenerator interface {
	Generate(ctx context.Context, style string, competitors []string) ([]byte, error)
}

// Executor implements jobqueue.Executor: dispatch content generation to
// the configured Scraper or SafePageGenerator, then write it under
// PageRoot/<subdomain>/<variant>/index.html. Page-row status transitions
// are the Worker's responsibility, not Executor's.
type Executor struct {
	PageRoot string
	Scraper  Scraper
	SafePage SafePageGenerator
}

func (e *Executor) Execute(ctx context.Context, job model.PageGenerationJob) error {
	var content []byte
	var err error

	switch job.Action {
	case model.ActionScrape:
		content, err = e.Scraper.Scrape(ctx, job.SourceURL)
	case model.ActionAIGenerate:
		content, err = e.SafePage.Generate(ctx, job.SafeStyle, job.Competitors)
	default:
		return fmt.Errorf("pagegen: unknown action %q", job.Action)
	}
	if err != nil {
		return fmt.Errorf("pagegen: %s: %w", job.Action, err)
	}

	return e.writePage(job.Subdomain, job.Variant, content)
}

func (e *Executor) writePage(subdomain string, variant model.PageVariant, content []byte) error {
	dir := filepath.Join(e.PageRoot, subdomain, string(variant))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pagegen: mkdir %s: %w", dir, err)
	}

	final := filepath.Join(dir, "index.html")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("pagegen: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("pagegen: rename %s: %w", tmp, err)
	}
	return nil
}
