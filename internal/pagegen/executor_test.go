package pagegen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloakgate/gateway/internal/model"
)

type fakeScraper struct {
	content []byte
	err     error
}

func (f fakeScraper) Scrape(ctx context.Context, sourceURL string) ([]byte, error) {
	return f.content, f.err
}

type fakeSafePage struct {
	content []byte
	err     error
}

func (f fakeSafePage) Generate(ctx context.Context, style string, competitors []string) ([]byte, error) {
	return f.content, f.err
}

func TestExecute_ScrapeWritesPageUnderSubdomainAndVariant(t *testing.T) {
	root := t.TempDir()
	e := &Executor{
		PageRoot: root,
		Scraper:  fakeScraper{content: []byte("<html>money</html>")},
		SafePage: fakeSafePage{},
	}

	job := model.PageGenerationJob{
		Action:    model.ActionScrape,
		SourceURL: "https://example.com/offer",
		Subdomain: "ab12cd",
		Variant:   model.VariantA,
	}
	if err := e.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "ab12cd", "a", "index.html"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "<html>money</html>" {
		t.Errorf("content = %q, want %q", got, "<html>money</html>")
	}
}

func TestExecute_AIGenerateUsesSafePageGenerator(t *testing.T) {
	root := t.TempDir()
	e := &Executor{
		PageRoot: root,
		Scraper:  fakeScraper{},
		SafePage: fakeSafePage{content: []byte("<html>safe</html>")},
	}

	job := model.PageGenerationJob{
		Action:    model.ActionAIGenerate,
		Subdomain: "xy99zz",
		Variant:   model.VariantB,
		SafeStyle: "ecommerce",
	}
	if err := e.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "xy99zz", "b", "index.html"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "<html>safe</html>" {
		t.Errorf("content = %q, want %q", got, "<html>safe</html>")
	}
}

func TestExecute_ScrapeFailurePropagatesAndWritesNothing(t *testing.T) {
	root := t.TempDir()
	e := &Executor{
		PageRoot: root,
		Scraper:  fakeScraper{err: errors.New("boom")},
		SafePage: fakeSafePage{},
	}

	job := model.PageGenerationJob{
		Action:    model.ActionScrape,
		Subdomain: "zz00aa",
		Variant:   model.VariantA,
	}
	if err := e.Execute(context.Background(), job); err == nil {
		t.Fatal("expected an error from Execute")
	}

	if _, err := os.Stat(filepath.Join(root, "zz00aa")); !os.IsNotExist(err) {
		t.Fatalf("expected no page directory to be created, stat err = %v", err)
	}
}

func TestExecute_UnknownActionFails(t *testing.T) {
	e := &Executor{PageRoot: t.TempDir(), Scraper: fakeScraper{}, SafePage: fakeSafePage{}}
	job := model.PageGenerationJob{Action: model.PageAction("bogus")}
	if err := e.Execute(context.Background(), job); err == nil {
		t.Fatal("expected an error for an unknown action")
	}
}

func TestTemplateSafePageGenerator_RendersStyleAndCompetitors(t *testing.T) {
	gen := NewTemplateSafePageGenerator()
	out, err := gen.Generate(context.Background(), "finance", []string{"acme", "globex"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	s := string(out)
	for _, want := range []string{"finance", "acme", "globex"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q: %s", want, s)
		}
	}
}
