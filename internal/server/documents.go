package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/gateway"
	"caseline/internal/repo"
)

func registerDocuments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pack-documents",
		Method:      http.MethodGet,
		Path:        "/packs/{pack_id}/documents",
		Summary:     "Documents of a pack",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PackID string `path:"pack_id"`
	}) (*struct {
		Body []domain.CDR `json:"body"`
	}, error) {
		docs, err := e.Documents(ctx, input.PackID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CDR `json:"body"`
		}{Body: orEmpty(docs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-document",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/preview",
		Summary:     "Render a watermarked draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*fileOutput, error) {
		doc, err := e.Preview(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &fileOutput{
			ContentType:        doc.ContentType,
			ContentDisposition: fmt.Sprintf("inline; filename=%q", doc.Name),
			Body:               doc.Content,
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-document",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/file",
		Summary:     "Download the signed document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*fileOutput, error) {
		c, content, err := e.Download(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		name := c.ID
		if c.FileName != nil {
			name = *c.FileName
		}
		return &fileOutput{
			ContentType:        "application/octet-stream",
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", name),
			Body:               content,
		}, nil
	})
}

func registerAuthority(api huma.API, e *engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "process-requests",
		Method:      http.MethodGet,
		Path:        "/processes/{id}/requests",
		Summary:     "Confirmation requests sent to the authority",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *processPath) (*struct {
		Body []domain.ConfirmationRequest `json:"body"`
	}, error) {
		items, err := e.Requests(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ConfirmationRequest `json:"body"`
		}{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "authority-callback",
		Method:        http.MethodPost,
		Path:          "/authority/callback",
		Summary:       "Authority confirmation batch",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body gateway.Batch `json:"body"`
	}) (*struct{}, error) {
		if err := requireAuthority(ctx); err != nil {
			return nil, err
		}
		res, err := e.Gateway.OnCallback(ctx, input.Body)
		authCfg.logger().Printf("server: authority callback accepted=%d rejected=%d duplicates=%d unknown=%d",
			res.Accepted, res.Rejected, len(res.Duplicates), len(res.Unknown))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events after a cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProcessID string `query:"process_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := e.EventLog(ctx, repo.EventFilter{ProcessID: input.ProcessID, Type: input.Type, Cursor: cursor, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
