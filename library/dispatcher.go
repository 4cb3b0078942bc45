package library

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 8 << 20

// Request describes one logical API operation. The same Request is replayed
// against every candidate URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header

	// Authenticated attaches the bearer token when one is available.
	Authenticated bool

	// DefaultError replaces "Request failed (<status>)" when a failed
	// response carries no "error" field. Only login sets it.
	DefaultError string
}

// Result is the first successful attempt of a dispatch.
type Result struct {
	URL    string
	Status int
	Body   []byte
}

// Candidates returns the URLs tried for path: the bare base address first,
// then the base address with prefix. An empty prefix yields a single candidate.
func Candidates(base, prefix, path string) []string {
	base = strings.TrimRight(base, "/")
	prefix = strings.Trim(prefix, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if prefix == "" {
		return []string{base + path}
	}
	return []string{base + path, base + "/" + prefix + path}
}

type attemptState int

const (
	stateIdle attemptState = iota
	stateTrying
	stateSuccess
	stateExhausted
)

func (s attemptState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateTrying:
		return "trying"
	case stateSuccess:
		return "success"
	case stateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("attemptState(%d)", int(s))
}

// attempt walks an ordered candidate list:
// Idle -> Trying(0) -> Success | Trying(i+1) -> ... -> Exhausted.
type attempt struct {
	candidates []string
	state      attemptState
	index      int
	result     *Result
	lastErr    *APIError
	// lastStatus is the most recent HTTP status seen, kept across later
	// transport failures.
	lastStatus int
}

func newAttempt(candidates []string) *attempt {
	return &attempt{candidates: candidates}
}

func (a *attempt) start() {
	if a.state != stateIdle {
		return
	}
	if len(a.candidates) == 0 {
		a.state = stateExhausted
		a.lastErr = &APIError{Message: noCandidatesMessage}
		return
	}
	a.state = stateTrying
	a.index = 0
}

func (a *attempt) current() string { return a.candidates[a.index] }

func (a *attempt) succeed(r *Result) {
	if a.state != stateTrying {
		return
	}
	a.state = stateSuccess
	a.result = r
}

func (a *attempt) fail(err *APIError) {
	if a.state != stateTrying {
		return
	}
	a.lastErr = err
	if err.Status != 0 {
		a.lastStatus = err.Status
	}
	if a.index+1 < len(a.candidates) {
		a.index++
		return
	}
	a.state = stateExhausted
}

func (a *attempt) err() *APIError {
	if a.state != stateExhausted {
		return nil
	}
	a.lastErr.LastStatus = a.lastStatus
	return a.lastErr
}

// Dispatcher sends a Request to each candidate URL in turn until one answers
// with a 2xx status.
type Dispatcher struct {
	client *http.Client
	tokens TokenSource
	log    *Logger
}

// NewDispatcher builds a dispatcher. tokens may be nil for unauthenticated use.
func NewDispatcher(httpClient *http.Client, tokens TokenSource, logger *Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Dispatcher{client: httpClient, tokens: tokens, log: logger}
}

// Dispatch tries candidates strictly in order. It returns the first successful
// result, or an *APIError carrying the last observed message and status once
// every candidate has failed. A cancelled context stops the walk and returns
// the context's error.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []string, req *Request) (*Result, error) {
	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = b
	}
	requestID := uuid.NewString()

	a := newAttempt(candidates)
	a.start()
	for a.state == stateTrying {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := a.current()
		d.log.Infof("[%s] %s %s (candidate %d/%d)", requestID, req.method(), target, a.index+1, len(candidates))

		res, apiErr := d.try(ctx, target, req, payload, requestID)
		if apiErr != nil {
			d.log.Warnf("[%s] %s failed: %s", requestID, target, apiErr.Error())
			a.fail(apiErr)
			continue
		}
		d.log.Infof("[%s] %s answered %d", requestID, target, res.Status)
		a.succeed(res)
	}

	if a.state == stateSuccess {
		return a.result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.log.Errorf("[%s] all %d candidates failed for %s", requestID, len(candidates), req.Path)
	return nil, a.err()
}

func (d *Dispatcher) try(ctx context.Context, target string, req *Request, payload []byte, requestID string) (*Result, *APIError) {
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), target, body)
	if err != nil {
		return nil, &APIError{Message: networkErrorMessage, Details: err.Error(), URL: target}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Authenticated && d.tokens != nil {
		if token := d.tokens.Token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, &APIError{Message: networkErrorMessage, Details: err.Error(), URL: target}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			Message: failureMessage(data, resp.StatusCode, req.DefaultError),
			Status:  resp.StatusCode,
			URL:     target,
		}
	}
	if readErr != nil {
		return nil, &APIError{Message: networkErrorMessage, Details: readErr.Error(), URL: target}
	}
	return &Result{URL: target, Status: resp.StatusCode, Body: data}, nil
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// failureMessage prefers the service's own "error" field.
func failureMessage(body []byte, status int, fallback string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if fallback != "" {
		return fallback
	}
	return fmt.Sprintf("Request failed (%d)", status)
}
