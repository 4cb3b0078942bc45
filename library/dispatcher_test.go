package library

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// deadURL returns the address of a server that has already been shut down, so
// any request to it fails at the transport level.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func newTestDispatcher(tokens TokenSource) *Dispatcher {
	return NewDispatcher(nil, tokens, nil)
}

// recorder collects values seen by handlers running on server goroutines.
type recorder struct {
	mu     sync.Mutex
	values []string
}

func (r *recorder) add(v string) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func TestCandidates(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		prefix string
		path   string
		want   []string
	}{
		{"plain", "http://h:8080", "/api", "/books", []string{"http://h:8080/books", "http://h:8080/api/books"}},
		{"trailing slashes", "http://h/", "api/", "books", []string{"http://h/books", "http://h/api/books"}},
		{"no prefix", "http://h", "", "/books", []string{"http://h/books"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Candidates(tt.base, tt.prefix, tt.path)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("Candidates = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAttemptTransitions(t *testing.T) {
	a := newAttempt([]string{"a", "b"})
	if a.state != stateIdle {
		t.Fatalf("initial state = %v", a.state)
	}
	a.start()
	if a.state != stateTrying || a.current() != "a" {
		t.Fatalf("after start: %v at %q", a.state, a.current())
	}
	a.fail(&APIError{Message: "first", Status: 404})
	if a.state != stateTrying || a.current() != "b" {
		t.Fatalf("after first failure: %v at %q", a.state, a.current())
	}
	if a.err() != nil {
		t.Fatalf("err() should be nil while trying")
	}
	a.fail(&APIError{Message: "second", Status: 500})
	if a.state != stateExhausted {
		t.Fatalf("after second failure: %v", a.state)
	}
	if got := a.err(); got == nil || got.Message != "second" || got.Status != 500 {
		t.Fatalf("exhausted error = %+v", got)
	}

	// Terminal states ignore further events.
	a.succeed(&Result{Status: 200})
	if a.state != stateExhausted || a.result != nil {
		t.Fatalf("succeed after exhaustion changed state to %v", a.state)
	}
}

func TestAttemptSuccessStopsWalk(t *testing.T) {
	a := newAttempt([]string{"a", "b", "c"})
	a.start()
	a.fail(&APIError{Message: "x"})
	a.succeed(&Result{URL: "b", Status: 200})
	if a.state != stateSuccess || a.result.URL != "b" {
		t.Fatalf("state %v result %+v", a.state, a.result)
	}
	a.fail(&APIError{Message: "late"})
	if a.state != stateSuccess {
		t.Fatalf("fail after success changed state to %v", a.state)
	}
}

func TestAttemptNoCandidates(t *testing.T) {
	a := newAttempt(nil)
	a.start()
	if a.state != stateExhausted || a.err() == nil {
		t.Fatalf("empty candidate list should exhaust immediately, got %v", a.state)
	}
}

func TestDispatchFallsBackToSecondCandidate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/books", jsonHandler(http.StatusNotFound, `{"error":"no such route"}`))
	mux.HandleFunc("/api/books", jsonHandler(http.StatusOK, `[{"id":1,"title":"Dune","author":"Herbert","available":true}]`))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := newTestDispatcher(nil).Dispatch(context.Background(), Candidates(srv.URL, "/api", "/books"), &Request{Path: "/books"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.URL != srv.URL+"/api/books" {
		t.Fatalf("served by %s", res.URL)
	}
	if !strings.Contains(string(res.Body), "Dune") {
		t.Fatalf("body = %s", res.Body)
	}
}

func TestDispatchDoesNotRememberWinner(t *testing.T) {
	hits := &recorder{}
	mux := http.NewServeMux()
	record := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			hits.add(r.URL.Path)
			h(w, r)
		}
	}
	mux.HandleFunc("/books", record(jsonHandler(http.StatusNotFound, `{}`)))
	mux.HandleFunc("/api/books", record(jsonHandler(http.StatusOK, `[]`)))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDispatcher(nil)
	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(context.Background(), Candidates(srv.URL, "/api", "/books"), &Request{Path: "/books"}); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	want := "/books,/api/books,/books,/api/books"
	if got := strings.Join(hits.all(), ","); got != want {
		t.Fatalf("hits = %s, want %s", got, want)
	}
}

func TestDispatchAllFailReportsLastStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/issues", jsonHandler(http.StatusInternalServerError, `{"error":"boom"}`))
	mux.HandleFunc("/api/issues", jsonHandler(http.StatusForbidden, `{"error":"Only librarians and admins can access reports"}`))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := newTestDispatcher(nil).Dispatch(context.Background(), Candidates(srv.URL, "/api", "/issues"), &Request{Path: "/issues"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", apiErr.Status)
	}
	if apiErr.Message != "Only librarians and admins can access reports" {
		t.Fatalf("message = %q", apiErr.Message)
	}
}

func TestDispatchLastAttemptThrewHasNoStatus(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusInternalServerError, `{"error":"boom"}`))
	defer srv.Close()

	candidates := []string{srv.URL + "/books", deadURL(t) + "/books"}
	_, err := newTestDispatcher(nil).Dispatch(context.Background(), candidates, &Request{Path: "/books"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.HasStatus() {
		t.Fatalf("status = %d, want none", apiErr.Status)
	}
	if apiErr.Message != networkErrorMessage {
		t.Fatalf("message = %q", apiErr.Message)
	}
}

func TestDispatchOffline(t *testing.T) {
	candidates := Candidates(deadURL(t), "/api", "/books")
	_, err := newTestDispatcher(nil).Dispatch(context.Background(), candidates, &Request{Path: "/books"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.Status != 0 {
		t.Fatalf("status = %d, want 0", apiErr.Status)
	}
	if apiErr.Message != "Network or CORS error" || apiErr.Details == "" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestDispatchUnparseableErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "<html>bad gateway</html>")
	}))
	defer srv.Close()

	_, err := newTestDispatcher(nil).Dispatch(context.Background(), []string{srv.URL}, &Request{Path: "/"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.Message != "Request failed (502)" || apiErr.Status != 502 {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	noField := httptest.NewServer(jsonHandler(http.StatusInternalServerError, `{"message":"boom"}`))
	defer noField.Close()
	_, err = newTestDispatcher(nil).Dispatch(context.Background(), []string{srv.URL, noField.URL}, &Request{Path: "/"})
	if !errors.As(err, &apiErr) || apiErr.Message != "Request failed (500)" || apiErr.Status != 500 {
		t.Fatalf("body without error field: %v", err)
	}
}

func TestDispatchDeleteWithEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := newTestDispatcher(nil).Dispatch(context.Background(), []string{srv.URL + "/books/7"}, &Request{Method: http.MethodDelete, Path: "/books/7"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res == nil || res.Status != http.StatusNoContent || len(res.Body) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDispatchAuthorizationHeader(t *testing.T) {
	seen := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.add(r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "" {
			jsonHandler(http.StatusUnauthorized, `{"error":"Unauthorized"}`)(w, r)
			return
		}
		jsonHandler(http.StatusOK, `[]`)(w, r)
	}))
	defer srv.Close()

	holder := &SessionHolder{}
	d := newTestDispatcher(holder)
	req := &Request{Path: "/books", Authenticated: true}

	_, err := d.Dispatch(context.Background(), []string{srv.URL}, req)
	if StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("want server rejection, got %v", err)
	}

	holder.Set(&Session{BearerToken: "abc"})
	if _, err := d.Dispatch(context.Background(), []string{srv.URL}, req); err != nil {
		t.Fatalf("with token: %v", err)
	}

	got := seen.all()
	if len(got) != 2 || got[0] != "" || got[1] != "Bearer abc" {
		t.Fatalf("authorization headers = %q", got)
	}
}

func TestDispatchSharesRequestIDAcrossCandidates(t *testing.T) {
	seen := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen.add(r.Header.Get("X-Request-ID"))
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/api/x", func(w http.ResponseWriter, r *http.Request) {
		seen.add(r.Header.Get("X-Request-ID"))
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if _, err := newTestDispatcher(nil).Dispatch(context.Background(), Candidates(srv.URL, "/api", "/x"), &Request{Path: "/x"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ids := seen.all()
	if len(ids) != 2 || ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("request ids = %q", ids)
	}
}

func TestDispatchBodyReplayedToEachCandidate(t *testing.T) {
	seen := &recorder{}
	mux := http.NewServeMux()
	handler := func(status int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			seen.add(string(b))
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
			w.WriteHeader(status)
		}
	}
	mux.HandleFunc("/books", handler(http.StatusMethodNotAllowed))
	mux.HandleFunc("/api/books", handler(http.StatusOK))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	req := &Request{Method: http.MethodPost, Path: "/books", Body: Book{Title: "Emma", Author: "Austen"}}
	if _, err := newTestDispatcher(nil).Dispatch(context.Background(), Candidates(srv.URL, "/api", "/books"), req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	bodies := seen.all()
	if len(bodies) != 2 || bodies[0] != bodies[1] || !strings.Contains(bodies[0], `"title":"Emma"`) {
		t.Fatalf("bodies = %q", bodies)
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusOK, `[]`))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestDispatcher(nil).Dispatch(ctx, []string{srv.URL}, &Request{Path: "/"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestDispatchCancelledDuringLastAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := newTestDispatcher(nil).Dispatch(ctx, []string{srv.URL}, &Request{Path: "/"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestDispatchKeepsLastStatusAfterTransportFailure(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusUnauthorized, `{"error":"Invalid credentials"}`))
	defer srv.Close()

	_, err := newTestDispatcher(nil).Dispatch(context.Background(), []string{srv.URL, deadURL(t)}, &Request{Path: "/"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.Status != 0 || apiErr.Message != networkErrorMessage {
		t.Fatalf("final attempt threw, want no status: %+v", apiErr)
	}
	if apiErr.LastStatus != http.StatusUnauthorized {
		t.Fatalf("LastStatus = %d, want 401", apiErr.LastStatus)
	}
}
