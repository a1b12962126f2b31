// Package requestctx carries state that lives exactly as long as one inbound
// request: the request id, a guard for logging the environment once, and a
// small memo for values looked up while serving the request.
package requestctx

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// State is per-request context shared by handlers and services. All methods
// are safe on a nil *State, which is what code running outside a request
// (jobs, the CLI) gets.
type State struct {
	RequestID string

	envOnce sync.Once

	mu   sync.Mutex
	memo map[string]string
}

type stateKey struct{}

// New returns empty state for the request identified by requestID.
func New(requestID string) *State {
	return &State{RequestID: requestID}
}

// From returns the state stored in ctx, or nil.
func From(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey{}).(*State)
	return state
}

// With attaches state to ctx.
func With(ctx context.Context, state *State) context.Context {
	return context.WithValue(ctx, stateKey{}, state)
}

// LogEnvironmentOnce logs the environment context at most once per request.
// It reports whether this call did the logging.
func (s *State) LogEnvironmentOnce(logger *zap.Logger, fields ...zap.Field) bool {
	if s == nil {
		return false
	}
	logged := false
	s.envOnce.Do(func() {
		logger.Debug("request environment", append(fields, zap.String("request_id", s.RequestID))...)
		logged = true
	})
	return logged
}

// Recall returns a value remembered earlier in this request.
func (s *State) Recall(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.memo[key]
	return v, ok
}

// Remember stores value under key until the request ends.
func (s *State) Remember(key, value string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memo == nil {
		s.memo = make(map[string]string)
	}
	s.memo[key] = value
}

// Forget drops key from the memo.
func (s *State) Forget(key string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memo, key)
}

// ForgetPrefix drops every memo entry whose key starts with prefix.
func (s *State) ForgetPrefix(prefix string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.memo {
		if strings.HasPrefix(k, prefix) {
			delete(s.memo, k)
		}
	}
}
