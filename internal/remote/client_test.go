package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		t.Errorf("read body: %v", err)
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Errorf("decode body %q: %v", raw, err)
	}
	return out
}

func TestClientUpdateSendsPatchWithIfMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		if r.URL.Path != "/v1/users/u 1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("If-Match"); got != "3" {
			t.Errorf("expected If-Match 3, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "mutate_") {
			t.Errorf("expected correlation id, got %q", r.Header.Get("X-Correlation-Id"))
		}
		body := decodeBody(t, r)
		if body["name"] != "Ada" {
			t.Errorf("expected name in body, got %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u 1","name":"Ada","version":4}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{
		BaseURL:      server.URL + "/",
		Token:        " secret ",
		PathTemplate: "/v1/users/{id}",
		HTTPClient:   server.Client(),
	})
	out, err := client.Update(context.Background(), optimistic.Record{"id": "u 1", "version": 3, "name": "Ada"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if out["version"] != float64(4) || out["name"] != "Ada" {
		t.Fatalf("unexpected result %v", out)
	}
}

func TestClientCreatePostsToCollectionPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/items" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("If-Match") != "" {
			t.Errorf("create must not send If-Match")
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"generated","title":"t"}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	out, err := client.Create(context.Background(), optimistic.Record{"title": "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out["id"] != "generated" {
		t.Fatalf("expected generated id, got %v", out)
	}
}

func TestClientDeleteWithoutBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/items/42" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	out, err := client.Delete(context.Background(), optimistic.Record{"id": 42})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if out["id"] != "42" || out["deleted"] != true {
		t.Fatalf("unexpected delete result %v", out)
	}
}

func TestClientRequiresID(t *testing.T) {
	client := NewClient(ClientOptions{})
	for name, op := range map[string]optimistic.RemoteOperation{
		"update": client.Update,
		"upsert": client.Upsert,
		"delete": client.Delete,
	} {
		if _, err := op(context.Background(), optimistic.Record{"name": "x"}); !errors.Is(err, optimistic.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestClientMapsConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"revision_conflict","message":"stale","current":{"id":"a","version":7}}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := client.Upsert(context.Background(), optimistic.Record{"id": "a", "version": 6})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.Path != "/items/a" || conflict.Code != "revision_conflict" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
	if conflict.Current["version"] != float64(7) {
		t.Fatalf("expected server copy in conflict, got %v", conflict.Current)
	}
}

func TestClientDoesNotRetryServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := client.Upsert(context.Background(), optimistic.Record{"id": "a"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable || httpErr.Message != "upstream down" {
		t.Fatalf("unexpected http error %+v", httpErr)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one call, got %d", got)
	}
}

func TestClientFor(t *testing.T) {
	client := NewClient(ClientOptions{})
	for _, op := range []optimistic.Operation{
		optimistic.OperationCreate,
		optimistic.OperationUpdate,
		optimistic.OperationDelete,
		optimistic.OperationCustom,
		"",
	} {
		fn, err := client.For(op)
		if err != nil || fn == nil {
			t.Fatalf("For(%q): fn=%v err=%v", op, fn != nil, err)
		}
	}
	if _, err := client.For("merge"); !errors.Is(err, optimistic.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown operation, got %v", err)
	}
}

func TestExecutorRetriesThroughClient(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":"bad_gateway","message":"try later"}`))
			return
		}
		body := decodeBody(t, r)
		body["version"] = 2
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	reg, err := optimistic.NewRegistry(optimistic.RegistryOptions{DisableSweep: true})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()
	client := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	exec, err := optimistic.NewExecutor(reg, optimistic.Options{
		Type:         "items",
		Operation:    optimistic.OperationUpdate,
		Remote:       client.Update,
		Speculate:    func(vars, _ optimistic.Record) (optimistic.Record, error) { return vars.Clone(), nil },
		IgnoreKeys:   []string{"id", "version"},
		Retry:        optimistic.RetryPolicy{BaseDelay: time.Millisecond},
		FeedbackSink: optimistic.FeedbackFunc(func(optimistic.Feedback) {}),
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer exec.Close()

	res, err := exec.Submit(context.Background(), optimistic.Record{"id": "a", "version": 1, "title": "x"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 from first attempt, got %v", err)
	}

	value, err := exec.Retry(context.Background(), res.EntryID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if value["title"] != "x" {
		t.Fatalf("unexpected retry value %v", value)
	}
	entry, ok := reg.Get(res.EntryID)
	if !ok || entry.Status != optimistic.StatusConfirmed {
		t.Fatalf("expected confirmed entry, got %+v", entry)
	}
}
