package pagegen

import (
	"context"

	"github.com/cloakgate/gateway/internal/netutil"
)

// HTTPScraper fetches sourceURL directly via a netutil.Downloader. It
// stands in for the real headless-browser scraper (spec §1 Non-goals),
// well enough to exercise the job pipeline end to end; swapping in a real
// rendering service only requires a different Scraper implementation.
type HTTPScraper struct {
	Downloader netutil.Downloader
}

func (s HTTPScraper) Scrape(ctx context.Context, sourceURL string) ([]byte, error) {
	return s.Downloader.Download(ctx, sourceURL)
}
