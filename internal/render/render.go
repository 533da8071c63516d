// Package render produces document bytes for a pack entry.
package render

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"caseline/internal/domain"
)

const (
	VariantPreview = "PREVIEW"
	VariantFinal   = "FINAL"
)

type Request struct {
	Variant  string
	Process  domain.Process
	Pack     domain.Pack
	Document domain.CDR
}

type Document struct {
	Name        string
	ContentType string
	Content     []byte
}

// Renderer is the rendering collaborator. Equal requests render equal bytes.
type Renderer interface {
	Render(ctx context.Context, req Request) (Document, error)
}

var textTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"deref": func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	},
}).Parse(`{{if eq .Variant "PREVIEW"}}*** PREVIEW - NOT VALID ***
{{end}}{{.Document.DocumentType}}
Process type:   {{.Process.ProcessType}}
Case reference: {{deref .Pack.CaseReference}}
Reference:      {{deref .Document.Reference}}
{{- with deref .Document.Country}}
Destination:    {{.}}{{end}}
Check code:     {{.Document.CheckCode}}
`))

// Text renders a plain text document.
type Text struct{}

func (Text) Render(_ context.Context, req Request) (Document, error) {
	if req.Variant == "" {
		req.Variant = VariantFinal
	}
	if req.Variant == VariantFinal && req.Document.Reference == nil {
		return Document{}, fmt.Errorf("document %s has no reference", req.Document.ID)
	}
	var buf bytes.Buffer
	if err := textTemplate.Execute(&buf, req); err != nil {
		return Document{}, fmt.Errorf("render %s: %w", req.Document.DocumentType, err)
	}
	return Document{
		Name:        FileName(req.Document),
		ContentType: "text/plain; charset=utf-8",
		Content:     buf.Bytes(),
	}, nil
}

// FileName derives the stored file name of a document.
func FileName(c domain.CDR) string {
	name := strings.ToLower(c.DocumentType)
	if c.Reference != nil {
		name += "-" + *c.Reference
	} else if c.Country != nil {
		name += "-" + *c.Country
	}
	return name + ".txt"
}
