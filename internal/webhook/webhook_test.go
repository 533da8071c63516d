package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/repo"
)

type memSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memSource) add(typ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.Event{ID: int64(len(m.events) + 1), Type: typ, ProcessID: "proc-1", EntityKind: "process", ActorID: "system", PayloadJSON: `{"n":1}`})
}

func (m *memSource) EventsAfter(_ context.Context, f repo.EventFilter) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > f.Cursor && len(out) < f.Limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LatestEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

type receiver struct {
	mu     sync.Mutex
	got    []payload
	secret []string
	fail   bool
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	var p payload
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.got = append(r.got, p)
	r.secret = append(r.secret, req.Header.Get("X-Caseline-Secret"))
}

func (r *receiver) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.got {
		out = append(out, p.Type)
	}
	return out
}

func TestDispatchSkipsHistoryAndFilters(t *testing.T) {
	src := &memSource{}
	src.add("process.created")
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d := New(src, []config.WebhookConfig{{URL: srv.URL, Secret: "s3", Events: []string{"confirmation.answered"}}}, nil)
	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx))
	require.Empty(t, rcv.types())

	src.add("task.transition")
	src.add("confirmation.answered")
	require.NoError(t, d.Dispatch(ctx))
	require.Equal(t, []string{"confirmation.answered"}, rcv.types())
	require.Equal(t, "s3", rcv.secret[0])
	require.JSONEq(t, `{"n":1}`, string(rcv.got[0].Payload))

	require.NoError(t, d.Dispatch(ctx))
	require.Len(t, rcv.types(), 1)
}

func TestDispatchRetriesFailedDelivery(t *testing.T) {
	src := &memSource{}
	rcv := &receiver{fail: true}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d := New(src, []config.WebhookConfig{{URL: srv.URL}}, nil)
	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx))
	src.add("task.opened")
	require.NoError(t, d.Dispatch(ctx))
	require.Empty(t, rcv.types())

	rcv.mu.Lock()
	rcv.fail = false
	rcv.mu.Unlock()
	require.NoError(t, d.Dispatch(ctx))
	require.Equal(t, []string{"task.opened"}, rcv.types())
}

func TestDisabledHookIsSkipped(t *testing.T) {
	src := &memSource{}
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()
	off := false
	d := New(src, []config.WebhookConfig{{URL: srv.URL, Enabled: &off}}, nil)
	require.NoError(t, d.Dispatch(context.Background()))
	src.add("task.opened")
	require.NoError(t, d.Dispatch(context.Background()))
	require.Empty(t, rcv.types())
}
