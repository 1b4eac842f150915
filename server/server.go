// Package server exposes a runtime over Connect. Programs arrive as CBOR
// encoded prototypes and run in per-session environments on a single
// worker goroutine.
package server

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/chazu/quill/vm"
)

var serverLog = commonlog.GetLogger("quill.server")

// ServiceName is the name reported to health checks.
const ServiceName = "quill.v1.EvalService"

// HealthCheckProcedure is the gRPC health checking procedure.
const HealthCheckProcedure = "/grpc.health.v1.Health/Check"

// QuillServer wraps a running runtime.
type QuillServer struct {
	worker   *VMWorker
	sessions *SessionStore
	health   *health.Server
	mux      *http.ServeMux
	http     *http.Server
}

// ServerOption configures a QuillServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	maxSessions  int
	interceptors []connect.Interceptor
}

// WithMaxSessions bounds the number of live sessions.
func WithMaxSessions(n int) ServerOption {
	return func(c *serverConfig) { c.maxSessions = n }
}

// WithInterceptors adds Connect interceptors to every procedure.
func WithInterceptors(i ...connect.Interceptor) ServerOption {
	return func(c *serverConfig) { c.interceptors = append(c.interceptors, i...) }
}

// New creates a QuillServer wrapping rt. From now on rt must only be
// driven through the server's worker.
func New(rt *vm.Runtime, opts ...ServerOption) (*QuillServer, error) {
	cfg := &serverConfig{maxSessions: 64}
	for _, opt := range opts {
		opt(cfg)
	}

	sessions, err := NewSessionStore(rt, cfg.maxSessions)
	if err != nil {
		return nil, err
	}
	worker := NewVMWorker(rt)
	s := &QuillServer{
		worker:   worker,
		sessions: sessions,
		health:   health.NewServer(),
		mux:      http.NewServeMux(),
	}

	evalSvc := NewEvalService(worker, s.sessions)
	handlerOpts := []connect.HandlerOption{connect.WithInterceptors(cfg.interceptors...)}
	s.mux.Handle(EvalProcedure, connect.NewUnaryHandler(EvalProcedure, evalSvc.Eval, handlerOpts...))
	s.mux.Handle(DisassembleProcedure, connect.NewUnaryHandler(DisassembleProcedure, evalSvc.Disassemble, handlerOpts...))

	sessionSvc := NewSessionService(worker, s.sessions)
	s.mux.Handle(CreateSessionProcedure, connect.NewUnaryHandler(CreateSessionProcedure, sessionSvc.CreateSession, handlerOpts...))
	s.mux.Handle(CloseSessionProcedure, connect.NewUnaryHandler(CloseSessionProcedure, sessionSvc.CloseSession, handlerOpts...))
	s.mux.Handle(CompleteProcedure, connect.NewUnaryHandler(CompleteProcedure, sessionSvc.Complete, handlerOpts...))

	s.mux.Handle(HealthCheckProcedure, connect.NewUnaryHandler(HealthCheckProcedure, s.check, handlerOpts...))

	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s, nil
}

// check answers health checks from the gRPC health server's status table.
func (s *QuillServer) check(
	ctx context.Context,
	req *connect.Request[healthpb.HealthCheckRequest],
) (*connect.Response[healthpb.HealthCheckResponse], error) {
	resp, err := s.health.Check(ctx, req.Msg)
	if err != nil {
		st := status.Convert(err)
		return nil, connect.NewError(connect.Code(st.Code()), errors.New(st.Message()))
	}
	return connect.NewResponse(resp), nil
}

// Handler returns the HTTP handler serving all procedures.
func (s *QuillServer) Handler() http.Handler {
	return s.mux
}

// Sessions returns the session store.
func (s *QuillServer) Sessions() *SessionStore {
	return s.sessions
}

// Worker returns the worker that owns the runtime.
func (s *QuillServer) Worker() *VMWorker {
	return s.worker
}

// ListenAndServe serves on addr ("host:port" or ":port") until Shutdown.
func (s *QuillServer) ListenAndServe(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.mux}
	serverLog.Noticef("listening on %s", addr)
	serverLog.Infof("connect: http://%s%s", addr, EvalProcedure)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown marks the service as not serving, stops accepting requests and
// waits for active ones to finish.
func (s *QuillServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Stop shuts down the worker. The runtime may be used directly again
// afterwards.
func (s *QuillServer) Stop() {
	s.health.Shutdown()
	s.worker.Stop()
}
