package pagegen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloakgate/gateway/internal/netutil"
)

func TestHTTPScraper_ReturnsDownloaderResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>page</html>"))
	}))
	defer srv.Close()

	downloader := netutil.NewDirectDownloader(nil, nil)
	scraper := HTTPScraper{Downloader: downloader}

	got, err := scraper.Scrape(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if string(got) != "<html>page</html>" {
		t.Errorf("content = %q, want %q", got, "<html>page</html>")
	}
}
