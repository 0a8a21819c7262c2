package pagegen

import (
	"context"
	"html/template"
	"strings"
)

var templateSafePageTmpl = template.Must(template.New("safepage").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Style}}</title></head>
<body>
<h1>{{.Style}}</h1>
{{if .Competitors}}<ul>{{range .Competitors}}<li>{{.}}</li>{{end}}</ul>{{end}}
</body>
</html>
`))

// templateSafePageGenerator renders a static placeholder safe page from a
// style name and competitor list. It stands in for the real AI-driven
// generator (spec §1 Non-goals); swapping in the real service only
// requires a different SafePageGenerator implementation.
type templateSafePageGenerator struct{}

// NewTemplateSafePageGenerator returns the static stand-in SafePageGenerator.
func NewTemplateSafePageGenerator() SafePageGenerator {
	return templateSafePageGenerator{}
}

func (templateSafePageGenerator) Generate(ctx context.Context, style string, competitors []string) ([]byte, error) {
	if style == "" {
		style = "default"
	}
	var buf strings.Builder
	if err := templateSafePageTmpl.Execute(&buf, struct {
		Style       string
		Competitors []string
	}{Style: style, Competitors: competitors}); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}
