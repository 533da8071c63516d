package server

import (
	"caseline/internal/domain"
	"caseline/internal/engine"
)

// Request payloads

type CreateProcessRequest struct {
	ProcessType      string   `json:"process_type" enum:"FA_DFL,FA_OIL,FA_SIL,SANCTIONS,SPS,TEXTILES,WOOD_QUOTA,CFS,COM,GMP"`
	Countries        []string `json:"countries,omitempty"`
	PaperLicenceOnly bool     `json:"paper_licence_only,omitempty"`
}

type UpdateCountriesRequest struct {
	Countries []string `json:"countries"`
}

type DecisionRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

type RevokeRequest struct {
	Reason string `json:"reason"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type TasksResponse struct {
	Active  []string      `json:"active"`
	History []domain.Task `json:"history"`
}

type PacksResponse struct {
	Packs  []domain.Pack `json:"packs"`
	Issued []domain.Pack `json:"issued"`
}

type GenerationResponse struct {
	Barrier domain.Barrier `json:"barrier"`
	Jobs    []domain.Job   `json:"jobs"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type processPath struct {
	ID string `path:"id"`
}

type processOutput struct {
	Body domain.Process `json:"body"`
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

type workbasketOutput struct {
	Body engine.Workbasket `json:"body"`
}

type fileOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
