// Package graphtest runs an in-process fake of the Graph endpoints used in tests.
package graphtest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/teams-sync/internal/graph"
)

// BasePath is the API version prefix the fake server expects.
const BasePath = "/v1.0"

// Request is a recorded call.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// DecodeBody unmarshals the recorded body into v.
func (r Request) DecodeBody(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Server is a programmable fake Graph API.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	exact    map[string]http.HandlerFunc
	prefixes map[string]http.HandlerFunc
	requests []Request
}

// StaticTokens is a token source that always returns the same token.
type StaticTokens string

func (s StaticTokens) GetValidToken(context.Context) (string, error) { return string(s), nil }
func (s StaticTokens) ForceRefresh(context.Context) (string, error)  { return string(s), nil }

// New starts a fake server and returns it with a client pointed at it.
func New(t testing.TB) (*Server, *graph.Client) {
	t.Helper()
	s := &Server{
		exact:    map[string]http.HandlerFunc{},
		prefixes: map[string]http.HandlerFunc{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)

	client, err := graph.NewClient(StaticTokens("test-token"), graph.Options{
		BaseURL:           s.URL + BasePath,
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             1000,
	})
	if err != nil {
		t.Fatalf("graph client: %v", err)
	}
	return s, client
}

// Handle registers fn for an exact method and path (without the version prefix).
func (s *Server) Handle(method, path string, fn http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact[method+" "+path] = fn
}

// HandlePrefix registers fn for every path starting with prefix.
func (s *Server) HandlePrefix(method, prefix string, fn http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes[method+" "+prefix] = fn
}

// Requests returns the calls received so far, optionally filtered by method
// and path prefix.
func (s *Server) Requests(method, pathPrefix string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if (method == "" || r.Method == method) && strings.HasPrefix(r.Path, pathPrefix) {
			out = append(out, r)
		}
	}
	return out
}

// JSON replies with status and the JSON encoding of body.
func JSON(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}
}

// Error replies with a Graph error envelope.
func Error(status int, code, message string) http.HandlerFunc {
	return JSON(status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := strings.TrimPrefix(r.URL.Path, BasePath)

	if r.Method == http.MethodPost && path == "/$batch" {
		s.serveBatch(w, body)
		return
	}
	s.dispatch(w, r, path, body)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, path string, body []byte) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: path, Query: r.URL.RawQuery, Body: body})
	fn := s.route(r.Method, path)
	s.mu.Unlock()

	if fn == nil {
		Error(http.StatusNotFound, "NotFound", "no fake route for "+r.Method+" "+path)(w, r)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	fn(w, r)
}

func (s *Server) route(method, path string) http.HandlerFunc {
	if fn, ok := s.exact[method+" "+path]; ok {
		return fn
	}
	keys := make([]string, 0, len(s.prefixes))
	for k := range s.prefixes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.HasPrefix(method+" "+path, k) {
			return s.prefixes[k]
		}
	}
	return nil
}

func (s *Server) serveBatch(w http.ResponseWriter, body []byte) {
	var in struct {
		Requests []graph.BatchRequest `json:"requests"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		Error(http.StatusBadRequest, "BadRequest", err.Error())(w, nil)
		return
	}

	var out struct {
		Responses []graph.BatchResponse `json:"responses"`
	}
	for _, sub := range in.Requests {
		var subBody []byte
		if sub.Body != nil {
			subBody, _ = json.Marshal(sub.Body)
		}
		req := httptest.NewRequest(sub.Method, BasePath+sub.URL, bytes.NewReader(subBody))
		rec := httptest.NewRecorder()
		path := strings.TrimPrefix(req.URL.Path, BasePath)
		s.dispatch(rec, req, path, subBody)

		headers := map[string]string{}
		for k := range rec.Header() {
			headers[k] = rec.Header().Get(k)
		}
		respBody := bytes.TrimSpace(rec.Body.Bytes())
		if len(respBody) == 0 {
			respBody = []byte("{}")
		}
		out.Responses = append(out.Responses, graph.BatchResponse{
			ID:      sub.ID,
			Status:  rec.Code,
			Headers: headers,
			Body:    json.RawMessage(respBody),
		})
	}
	JSON(http.StatusOK, out)(w, nil)
}
