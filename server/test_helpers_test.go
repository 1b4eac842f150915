package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/quill/vm"
	"github.com/chazu/quill/vm/wire"
)

// testEnv bundles a server on a fresh runtime, an HTTP test server in
// front of it and clients for each procedure.
type testEnv struct {
	Runtime *vm.Runtime
	Server  *QuillServer
	HTTP    *httptest.Server

	Eval         *connect.Client[wrapperspb.BytesValue, wrapperspb.StringValue]
	Disassemble  *connect.Client[wrapperspb.BytesValue, wrapperspb.StringValue]
	CloseSession *connect.Client[wrapperspb.StringValue, wrapperspb.BoolValue]
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	rt := vm.NewRuntime(vm.DefaultConfig())
	s, err := New(rt, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return &testEnv{
		Runtime:      rt,
		Server:       s,
		HTTP:         ts,
		Eval:         connect.NewClient[wrapperspb.BytesValue, wrapperspb.StringValue](ts.Client(), ts.URL+EvalProcedure),
		Disassemble:  connect.NewClient[wrapperspb.BytesValue, wrapperspb.StringValue](ts.Client(), ts.URL+DisassembleProcedure),
		CloseSession: connect.NewClient[wrapperspb.StringValue, wrapperspb.BoolValue](ts.Client(), ts.URL+CloseSessionProcedure),
	}
}

// eval sends p in session (new session when empty) and returns the reply
// and the session id the server answered with.
func (e *testEnv) eval(t *testing.T, session string, p *vm.Prototype) (string, string, error) {
	t.Helper()
	data, err := wire.Encode(p)
	require.NoError(t, err)
	req := connect.NewRequest(wrapperspb.Bytes(data))
	if session != "" {
		req.Header().Set(SessionHeader, session)
	}
	resp, err := e.Eval.CallUnary(bg(), req)
	if err != nil {
		return "", "", err
	}
	return resp.Msg.GetValue(), resp.Header().Get(SessionHeader), nil
}

// assignX builds x <- v; invisible(x).
func assignX(v vm.Value) *vm.Prototype {
	b := vm.NewProtoBuilder("<top>")
	r := b.Reg()
	b.Emit(vm.OpMov, b.Const(v), 0, r)
	b.Emit(vm.OpStore, b.Name("x"), 0, r)
	b.Emit(vm.OpInternal, b.Name("invisible"), 1, r)
	b.Emit(vm.OpRetS, r, 0, 0)
	return b.Build()
}

// xPlusOne builds x + 1.
func xPlusOne() *vm.Prototype {
	b := vm.NewProtoBuilder("<top>")
	x, sum := b.Reg(), b.Reg()
	b.Emit(vm.OpLoad, b.Name("x"), 0, x)
	b.Emit(vm.OpAdd, x, b.Const(vm.ScalarDouble(1)), sum)
	b.Emit(vm.OpRetS, sum, 0, 0)
	return b.Build()
}

// internalCall builds name(args...) for a builtin.
func internalCall(name string, args ...vm.Value) *vm.Prototype {
	b := vm.NewProtoBuilder("<top>")
	first := b.Regs(max(len(args), 1))
	for i, a := range args {
		b.Emit(vm.OpMov, b.Const(a), 0, first+int64(i))
	}
	b.Emit(vm.OpInternal, b.Name(name), int64(len(args)), first)
	b.Emit(vm.OpRetS, first, 0, 0)
	return b.Build()
}

func bg() context.Context {
	return context.Background()
}
