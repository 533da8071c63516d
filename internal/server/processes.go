package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/repo"
)

func registerProcesses(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-process",
		Method:        http.MethodPost,
		Path:          "/processes",
		Summary:       "Open a case",
		DefaultStatus: http.StatusCreated,
		Errors:        guardErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProcessRequest `json:"body"`
	}) (*processOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProcess(ctx, engine.CreateOptions{
			ProcessType:      input.Body.ProcessType,
			Countries:        normalizeCountries(input.Body.Countries),
			PaperLicenceOnly: input.Body.PaperLicenceOnly,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &processOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/processes",
		Summary:     "List cases",
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status"`
		ProcessType string `query:"process_type"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Process `json:"body"`
	}, error) {
		items, err := e.ListProcesses(ctx, repo.ProcessFilter{Status: input.Status, ProcessType: input.ProcessType, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Process `json:"body"`
		}{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-process",
		Method:      http.MethodGet,
		Path:        "/processes/{id}",
		Summary:     "Get a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *processPath) (*processOutput, error) {
		p, err := e.GetProcess(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &processOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-countries",
		Method:      http.MethodPut,
		Path:        "/processes/{id}/countries",
		Summary:     "Replace destination countries",
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateCountriesRequest `json:"body"`
	}) (*processOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateCountries(ctx, input.ID, normalizeCountries(input.Body.Countries), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &processOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-tasks",
		Method:      http.MethodGet,
		Path:        "/processes/{id}/tasks",
		Summary:     "Active task types and task history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *processPath) (*struct {
		Body TasksResponse `json:"body"`
	}, error) {
		if _, err := e.GetProcess(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		active, err := e.ActiveTaskTypes(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		history, err := e.TaskHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TasksResponse `json:"body"`
		}{Body: TasksResponse{Active: orEmpty(active), History: orEmpty(history)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-workbasket",
		Method:      http.MethodGet,
		Path:        "/processes/{id}/workbasket",
		Summary:     "Workbasket entry with badges",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *processPath) (*workbasketOutput, error) {
		w, err := e.Workbasket(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workbasketOutput{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-packs",
		Method:      http.MethodGet,
		Path:        "/processes/{id}/packs",
		Summary:     "Document packs and issued history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *processPath) (*struct {
		Body PacksResponse `json:"body"`
	}, error) {
		all, err := e.PackList(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		issued, err := e.IssuedHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PacksResponse `json:"body"`
		}{Body: PacksResponse{Packs: orEmpty(all), Issued: orEmpty(issued)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-generation",
		Method:      http.MethodGet,
		Path:        "/processes/{id}/generation",
		Summary:     "Latest document generation and its jobs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *processPath) (*struct {
		Body GenerationResponse `json:"body"`
	}, error) {
		b, jobs, err := e.GenerationStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GenerationResponse `json:"body"`
		}{Body: GenerationResponse{Barrier: b, Jobs: orEmpty(jobs)}}, nil
	})
}

func registerAction[T any](api huma.API, op huma.Operation, fn func(ctx context.Context, id, actor string) (T, error)) {
	op.Method = http.MethodPost
	op.Errors = guardErrors
	huma.Register(api, op, func(ctx context.Context, input *processPath) (*struct {
		Body T `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := fn(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body T `json:"body"`
		}{Body: out}, nil
	})
}

func registerActions(api huma.API, e *engine.Engine) {
	registerAction(api, huma.Operation{OperationID: "submit-process", Path: "/processes/{id}/submit", Summary: "Submit a prepared case"}, e.Submit)
	registerAction(api, huma.Operation{OperationID: "start-authorisation", Path: "/processes/{id}/authorisation/start", Summary: "Start authorisation"}, e.StartAuthorisation)
	registerAction(api, huma.Operation{OperationID: "cancel-authorisation", Path: "/processes/{id}/authorisation/cancel", Summary: "Return the case to processing"}, e.CancelAuthorisation)
	registerAction(api, huma.Operation{OperationID: "acknowledge-refusal", Path: "/processes/{id}/refusal/acknowledge", Summary: "Close a refused case"}, e.AcknowledgeRefusal)
	registerAction(api, huma.Operation{OperationID: "retry-documents", Path: "/processes/{id}/documents/retry", Summary: "Retry failed document generation"}, e.RetryDocuments)
	registerAction(api, huma.Operation{OperationID: "recreate-documents", Path: "/processes/{id}/documents/recreate", Summary: "Regenerate documents of a stalled generation"}, e.RecreateDocuments)
	registerAction(api, huma.Operation{OperationID: "resend-authority", Path: "/processes/{id}/authority/resend", Summary: "Resubmit to the authority"}, e.ResendToAuthority)
	registerAction(api, huma.Operation{OperationID: "fix-up-authority", Path: "/processes/{id}/authority/fix-up", Summary: "Return a rejected case to processing"}, e.FixUpAuthorityError)
	registerAction(api, huma.Operation{OperationID: "withdraw-process", Path: "/processes/{id}/withdraw", Summary: "Withdraw a case"}, e.Withdraw)
	registerAction(api, huma.Operation{OperationID: "stop-process", Path: "/processes/{id}/stop", Summary: "Stop a case"}, e.Stop)
	registerAction(api, huma.Operation{OperationID: "request-variation", Path: "/processes/{id}/variations", Summary: "Open a variation of a completed case"}, e.RequestVariation)
	registerAction(api, huma.Operation{OperationID: "close-variation", Path: "/processes/{id}/variations/close", Summary: "Close the variation request change"}, e.CloseVariationRequest)

	huma.Register(api, huma.Operation{
		OperationID: "decide",
		Method:      http.MethodPost,
		Path:        "/processes/{id}/decision",
		Summary:     "Approve or refuse a case",
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !input.Body.Approve && strings.TrimSpace(input.Body.Reason) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required to refuse", map[string]any{"field": "reason"})
		}
		t, err := e.Decide(ctx, input.ID, engine.Decision{Approve: input.Body.Approve, Reason: input.Body.Reason}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke",
		Method:      http.MethodPost,
		Path:        "/processes/{id}/revoke",
		Summary:     "Revoke the issued pack",
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RevokeRequest `json:"body"`
	}) (*struct {
		Body domain.Pack `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Reason) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", map[string]any{"field": "reason"})
		}
		p, err := e.Revoke(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pack `json:"body"`
		}{Body: p}, nil
	})
}

func normalizeCountries(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}
