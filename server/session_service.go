package server

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/quill/vm"
)

// Procedure paths of the session service.
const (
	CreateSessionProcedure = "/quill.v1.SessionService/CreateSession"
	CloseSessionProcedure  = "/quill.v1.SessionService/CloseSession"
	CompleteProcedure      = "/quill.v1.SessionService/Complete"
)

// SessionService manages sessions explicitly and completes names.
type SessionService struct {
	worker   *VMWorker
	sessions *SessionStore
}

// NewSessionService creates a SessionService.
func NewSessionService(worker *VMWorker, sessions *SessionStore) *SessionService {
	return &SessionService{worker: worker, sessions: sessions}
}

// CreateSession creates a session and returns its id.
func (s *SessionService) CreateSession(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[wrapperspb.StringValue], error) {
	out, err := s.worker.Do(ctx, func(*vm.Thread) any {
		return s.sessions.Create()
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(wrapperspb.String(out.(*Session).ID.String())), nil
}

// CloseSession drops a session. The reply reports whether it existed.
func (s *SessionService) CloseSession(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[wrapperspb.BoolValue], error) {
	id, err := uuid.Parse(req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("bad session id %q", req.Msg.GetValue()))
	}
	out, err := s.worker.Do(ctx, func(*vm.Thread) any {
		return s.sessions.Destroy(id)
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(wrapperspb.Bool(out.(bool))), nil
}

// Complete returns the variable names starting with the given prefix that
// are visible from the caller's session (or from the global environment
// when the request names no session), one per line.
func (s *SessionService) Complete(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[wrapperspb.StringValue], error) {
	var id uuid.UUID
	if h := req.Header().Get(SessionHeader); h != "" {
		var err error
		if id, err = uuid.Parse(h); err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("bad session id %q", h))
		}
	}
	prefix := req.Msg.GetValue()

	out, err := s.worker.Do(ctx, func(t *vm.Thread) any {
		rt := t.Runtime()
		env := rt.Global
		if id != uuid.Nil {
			session, ok := s.sessions.Get(id)
			if !ok {
				return nil
			}
			env = session.Env
		}
		return complete(rt.Heap, env, prefix)
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if out == nil {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %s not found", id))
	}
	return connect.NewResponse(wrapperspb.String(strings.Join(out.([]string), "\n"))), nil
}

// complete gathers the names bound along the lexical chain of env.
// Must be called on the worker goroutine.
func complete(h *vm.Heap, env vm.EnvRef, prefix string) []string {
	seen := map[string]bool{}
	for e := env; !e.IsNil(); e = h.Parent(e) {
		for _, name := range h.Names(e) {
			if strings.HasPrefix(name, prefix) {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
