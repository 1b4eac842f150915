package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/quill/vm"
	"github.com/chazu/quill/vm/wire"
)

// Procedure paths of the evaluation service.
const (
	EvalProcedure        = "/quill.v1.EvalService/Eval"
	DisassembleProcedure = "/quill.v1.EvalService/Disassemble"
)

// SessionHeader carries the session id. Eval creates a session when the
// request has none and returns its id in the response header.
const SessionHeader = "Quill-Session"

var errStopped = errors.New("server: worker stopped")

// EvalService evaluates compiled programs sent as CBOR.
type EvalService struct {
	worker   *VMWorker
	sessions *SessionStore
}

// NewEvalService creates an EvalService.
func NewEvalService(worker *VMWorker, sessions *SessionStore) *EvalService {
	return &EvalService{worker: worker, sessions: sessions}
}

// evalResult is what the worker hands back for one evaluation.
type evalResult struct {
	session uuid.UUID
	text    string
	err     error
}

// Eval decodes a program and runs it in the caller's session. The reply is
// the console transcript: printed output, the visible result and any
// warnings.
func (s *EvalService) Eval(
	ctx context.Context,
	req *connect.Request[wrapperspb.BytesValue],
) (*connect.Response[wrapperspb.StringValue], error) {
	if len(req.Msg.GetValue()) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("program is required"))
	}
	proto, err := wire.Decode(req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	var id uuid.UUID
	if h := req.Header().Get(SessionHeader); h != "" {
		if id, err = uuid.Parse(h); err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("bad session id %q", h))
		}
	}

	out, err := s.worker.Do(ctx, func(t *vm.Thread) any {
		return s.evaluate(t, id, proto)
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	res := out.(*evalResult)
	if res.err != nil {
		return nil, res.err
	}

	resp := connect.NewResponse(wrapperspb.String(res.text))
	resp.Header().Set(SessionHeader, res.session.String())
	return resp, nil
}

// evaluate runs proto in a session. Must be called on the worker goroutine.
func (s *EvalService) evaluate(t *vm.Thread, id uuid.UUID, proto *vm.Prototype) *evalResult {
	var session *Session
	if id == uuid.Nil {
		session = s.sessions.Create()
	} else {
		var ok bool
		if session, ok = s.sessions.Get(id); !ok {
			return &evalResult{err: connect.NewError(connect.CodeNotFound, fmt.Errorf("session %s not found", id))}
		}
	}
	session.Evals++

	rt := t.Runtime()
	var buf bytes.Buffer
	saved := rt.Output
	rt.Output = &buf
	defer func() { rt.Output = saved }()
	t.ClearWarnings()

	v, err := t.Eval(proto, session.Env, -1)
	if err != nil {
		serverLog.Debugf("session %s: %s", session.ID, err)
		cerr := connect.NewError(connect.CodeAborted, err)
		cerr.Meta().Set(SessionHeader, session.ID.String())
		return &evalResult{session: session.ID, err: cerr}
	}

	var text strings.Builder
	text.Write(buf.Bytes())
	if t.Visible() {
		text.WriteString(vm.Format(v))
		text.WriteByte('\n')
	}
	for _, w := range t.Warnings() {
		text.WriteString(w.String())
		text.WriteByte('\n')
	}
	t.ClearWarnings()
	return &evalResult{session: session.ID, text: text.String()}
}

// Disassemble returns the listing of a program without running it.
func (s *EvalService) Disassemble(
	ctx context.Context,
	req *connect.Request[wrapperspb.BytesValue],
) (*connect.Response[wrapperspb.StringValue], error) {
	proto, err := wire.Decode(req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewResponse(wrapperspb.String(vm.Disassemble(proto))), nil
}
