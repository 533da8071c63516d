package render

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/domain"
)

func strp(s string) *string { return &s }

func TestTextIsDeterministic(t *testing.T) {
	req := Request{
		Process:  domain.Process{ProcessType: domain.TypeCFS},
		Pack:     domain.Pack{CaseReference: strp("CA/2026/00001")},
		Document: domain.CDR{ID: "c1", DocumentType: domain.DocCertificate, Reference: strp("CFS/2026/00001"), Country: strp("FR"), CheckCode: "12345678"},
	}
	a, err := Text{}.Render(context.Background(), req)
	require.NoError(t, err)
	b, err := Text{}.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a.Content, b.Content)
	assert.Equal(t, "certificate-CFS/2026/00001.txt", a.Name)
	assert.Contains(t, string(a.Content), "Destination:    FR")
	assert.Contains(t, string(a.Content), "Check code:     12345678")
	assert.False(t, strings.Contains(string(a.Content), "PREVIEW"))
}

func TestPreviewWithoutReference(t *testing.T) {
	req := Request{
		Variant:  VariantPreview,
		Process:  domain.Process{ProcessType: domain.TypeSPS},
		Document: domain.CDR{ID: "c1", DocumentType: domain.DocLicence},
	}
	doc, err := Text{}.Render(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(doc.Content), "*** PREVIEW"))

	req.Variant = VariantFinal
	_, err = Text{}.Render(context.Background(), req)
	assert.Error(t, err)
}
