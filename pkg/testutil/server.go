package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Step is one scripted response.
type Step struct {
	Status int
	Body   string
	Header map[string]string
	// Drop closes the connection without writing a response, which the
	// client sees as an unexpected EOF.
	Drop bool
	// Handle, when set, writes the response itself.
	Handle func(w http.ResponseWriter, r *http.Request)
}

// RecordedRequest captures one request received by a ScriptedServer.
type RecordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   []byte
}

type route struct {
	method string
	suffix string
	steps  []Step
	next   int
}

// ScriptedServer is an httptest server that replays a per-route sequence of
// responses and records every request. Routes match on method and path
// suffix, first registered wins. When a route's script runs out, its last
// step repeats. Unmatched requests get a 404.
type ScriptedServer struct {
	*httptest.Server

	mu       sync.Mutex
	routes   []*route
	requests []RecordedRequest
}

// NewScriptedServer starts a server that is closed when the test ends.
func NewScriptedServer(t testing.TB) *ScriptedServer {
	t.Helper()
	s := &ScriptedServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// On registers a scripted route.
func (s *ScriptedServer) On(method, pathSuffix string, steps ...Step) *ScriptedServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, &route{method: method, suffix: pathSuffix, steps: steps})
	return s
}

// Requests returns a copy of every request received so far.
func (s *ScriptedServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Count returns how many requests matched method and path suffix.
func (s *ScriptedServer) Count(method, pathSuffix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasSuffix(r.Path, pathSuffix) {
			n++
		}
	}
	return n
}

func (s *ScriptedServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  query,
		Header: r.Header.Clone(),
		Body:   body,
	})
	var step *Step
	for _, rt := range s.routes {
		if rt.method != r.Method || !strings.HasSuffix(r.URL.Path, rt.suffix) || len(rt.steps) == 0 {
			continue
		}
		idx := rt.next
		if idx >= len(rt.steps) {
			idx = len(rt.steps) - 1
		} else {
			rt.next++
		}
		st := rt.steps[idx]
		step = &st
		break
	}
	s.mu.Unlock()

	if step == nil {
		http.NotFound(w, r)
		return
	}

	switch {
	case step.Drop:
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	case step.Handle != nil:
		step.Handle(w, r)
	default:
		for k, v := range step.Header {
			w.Header().Set(k, v)
		}
		status := step.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, step.Body)
	}
}

// JSON is a convenience Step for a 200 response with a JSON body.
func JSON(body string) Step {
	return Step{Status: http.StatusOK, Body: body, Header: map[string]string{"Content-Type": "application/json"}}
}

// Status is a convenience Step for an empty response with the given status.
func Status(code int) Step {
	return Step{Status: code}
}
