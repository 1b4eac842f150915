package server

import (
	"testing"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/quill/vm"
	"github.com/chazu/quill/vm/wire"
)

func TestEvalSessions(t *testing.T) {
	env := newTestEnv(t)

	out, session, err := env.eval(t, "", assignX(vm.ScalarDouble(41)))
	require.NoError(t, err)
	assert.Empty(t, out, "assignment is invisible")
	_, err = uuid.Parse(session)
	require.NoError(t, err)

	out, again, err := env.eval(t, session, xPlusOne())
	require.NoError(t, err)
	assert.Equal(t, "[1] 42\n", out)
	assert.Equal(t, session, again)

	_, _, err = env.eval(t, "", xPlusOne())
	require.Error(t, err)
	assert.Equal(t, connect.CodeAborted, connect.CodeOf(err))
	assert.Contains(t, err.Error(), "object 'x' not found")
	var cerr *connect.Error
	require.ErrorAs(t, err, &cerr)
	other := cerr.Meta().Get(SessionHeader)
	assert.NotEmpty(t, other)
	assert.NotEqual(t, session, other)

	defined, err := env.Server.Worker().Do(bg(), func(th *vm.Thread) any {
		_, ok := th.Runtime().Lookup("x")
		return ok
	})
	require.NoError(t, err)
	assert.False(t, defined.(bool), "sessions do not write to the global environment")
}

func TestEvalTranscript(t *testing.T) {
	env := newTestEnv(t)

	b := vm.NewProtoBuilder("<top>")
	r := b.Regs(3)
	b.Emit(vm.OpMov, b.Const(vm.ScalarString("hi")), 0, r)
	b.Emit(vm.OpInternal, b.Name("print"), 1, r)
	b.Emit(vm.OpMov, b.Const(vm.ScalarString("careful")), 0, r+1)
	b.Emit(vm.OpInternal, b.Name("warning"), 1, r+1)
	b.Emit(vm.OpMov, b.Const(vm.ScalarDouble(3)), 0, r+2)
	b.Emit(vm.OpInternal, b.Name("c"), 1, r+2)
	b.Emit(vm.OpRetS, r+2, 0, 0)

	out, _, err := env.eval(t, "", b.Build())
	require.NoError(t, err)
	assert.Equal(t, "[1] \"hi\"\n[1] 3\nWarning in <top> : careful\n", out)

	out, _, err = env.eval(t, "", internalCall("invisible", vm.ScalarDouble(1)))
	require.NoError(t, err)
	assert.Empty(t, out, "warnings do not carry over")
}

func TestEvalRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	program, err := wire.Encode(xPlusOne())
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    []byte
		session string
		code    connect.Code
	}{
		{"empty", nil, "", connect.CodeInvalidArgument},
		{"garbage", []byte{0xff, 0x00}, "", connect.CodeInvalidArgument},
		{"bad session", program, "not-a-uuid", connect.CodeInvalidArgument},
		{"unknown session", program, uuid.NewString(), connect.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := connect.NewRequest(wrapperspb.Bytes(tt.data))
			if tt.session != "" {
				req.Header().Set(SessionHeader, tt.session)
			}
			_, err := env.Eval.CallUnary(bg(), req)
			require.Error(t, err)
			assert.Equal(t, tt.code, connect.CodeOf(err))
		})
	}
}

func TestDisassemble(t *testing.T) {
	env := newTestEnv(t)
	data, err := wire.Encode(xPlusOne())
	require.NoError(t, err)

	resp, err := env.Disassemble.CallUnary(bg(), connect.NewRequest(wrapperspb.Bytes(data)))
	require.NoError(t, err)
	assert.Equal(t, vm.Disassemble(xPlusOne()), resp.Msg.GetValue())
	assert.Zero(t, env.Server.Sessions().Len(), "disassembly does not create a session")
}

func TestCloseSession(t *testing.T) {
	env := newTestEnv(t)
	_, session, err := env.eval(t, "", assignX(vm.ScalarDouble(1)))
	require.NoError(t, err)

	closed, err := env.CloseSession.CallUnary(bg(), connect.NewRequest(wrapperspb.String(session)))
	require.NoError(t, err)
	assert.True(t, closed.Msg.GetValue())

	closed, err = env.CloseSession.CallUnary(bg(), connect.NewRequest(wrapperspb.String(session)))
	require.NoError(t, err)
	assert.False(t, closed.Msg.GetValue())

	_, _, err = env.eval(t, session, xPlusOne())
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	_, err = env.CloseSession.CallUnary(bg(), connect.NewRequest(wrapperspb.String("nope")))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestSessionLimitDropsLeastRecent(t *testing.T) {
	env := newTestEnv(t, WithMaxSessions(2))

	var ids []string
	for i := 0; i < 3; i++ {
		_, id, err := env.eval(t, "", assignX(vm.ScalarDouble(float64(i))))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, 2, env.Server.Sessions().Len())

	_, _, err := env.eval(t, ids[0], xPlusOne())
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	out, _, err := env.eval(t, ids[2], xPlusOne())
	require.NoError(t, err)
	assert.Equal(t, "[1] 3\n", out)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	client := connect.NewClient[healthpb.HealthCheckRequest, healthpb.HealthCheckResponse](
		env.HTTP.Client(), env.HTTP.URL+HealthCheckProcedure)

	resp, err := client.CallUnary(bg(), connect.NewRequest(&healthpb.HealthCheckRequest{Service: ServiceName}))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Msg.GetStatus())

	_, err = client.CallUnary(bg(), connect.NewRequest(&healthpb.HealthCheckRequest{Service: "unknown"}))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	require.NoError(t, env.Server.Shutdown(bg()))
	resp, err = client.CallUnary(bg(), connect.NewRequest(&healthpb.HealthCheckRequest{Service: ServiceName}))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Msg.GetStatus())
}

func TestEvalSurvivesBadPrograms(t *testing.T) {
	env := newTestEnv(t)
	_, session, err := env.eval(t, "", assignX(vm.ScalarDouble(1)))
	require.NoError(t, err)

	fallsOff := func() *vm.Prototype {
		b := vm.NewProtoBuilder("<top>")
		b.Emit(vm.OpMov, b.Const(vm.ScalarDouble(1)), 0, b.Reg())
		return b.Build()
	}
	strayForEnd := func() *vm.Prototype {
		b := vm.NewProtoBuilder("<top>")
		r := b.Regs(3)
		b.Emit(vm.OpForEnd, b.Name("v"), r, r+1)
		b.Emit(vm.OpJmp, -1, 0, 0)
		return b.Build()
	}
	clobberCounter := func() *vm.Prototype {
		b := vm.NewProtoBuilder("<top>")
		seq := b.Reg()
		b.Emit(vm.OpMov, b.Const(vm.DoubleOf(1, 2)), 0, seq)
		b.ForLoop("v", seq, func() {
			b.Emit(vm.OpMov, b.Const(vm.ScalarString("oops")), 0, seq+1)
		})
		b.Emit(vm.OpRetS, b.Const(vm.Nil), 0, 0)
		return b.Build()
	}

	tests := []struct {
		name  string
		build func() *vm.Prototype
		code  connect.Code
		want  string
	}{
		{"falls off the end", fallsOff, connect.CodeInvalidArgument, "code ends in mov"},
		{"stray forend", strayForEnd, connect.CodeInvalidArgument, "forend without a matching forbegin"},
		{"loop counter overwritten", clobberCounter, connect.CodeAborted, "for() loop counter overwritten"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.eval(t, session, tt.build())
			require.Error(t, err)
			assert.Equal(t, tt.code, connect.CodeOf(err))
			assert.Contains(t, err.Error(), tt.want)

			depth, err := env.Server.Worker().Do(bg(), func(th *vm.Thread) any { return th.Depth() })
			require.NoError(t, err)
			assert.Equal(t, 0, depth)

			out, _, err := env.eval(t, session, xPlusOne())
			require.NoError(t, err)
			assert.Equal(t, "[1] 2\n", out)
		})
	}
}
