package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/psaab/xdplb/pkg/control"
	"github.com/psaab/xdplb/pkg/logging"
	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

// Config configures the gRPC server.
type Config struct {
	Service *control.Service
}

// shutdownTimeout bounds GracefulStop before in-flight RPCs are cut.
const shutdownTimeout = 5 * time.Second

// Server implements ControlServer over a control.Service.
type Server struct {
	svc  *control.Service
	addr string

	// quit is closed on shutdown so streaming RPCs return and let
	// GracefulStop complete.
	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{svc: cfg.Service, addr: addr, quit: make(chan struct{})}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	RegisterControlServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.quitOnce.Do(func() { close(s.quit) })
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		slog.Warn("gRPC graceful stop timed out, closing connections")
		srv.Stop()
	}
	return nil
}

// toStatus maps control-plane errors to gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, rotation.ErrInvalidBackendSet), errors.Is(err, redirect.ErrPacketCount):
		code = codes.InvalidArgument
	case errors.Is(err, rotation.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, rotation.ErrTableFull):
		code = codes.ResourceExhausted
	case errors.Is(err, control.ErrUnavailable):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func listenPort(v uint32) (uint16, error) {
	if v == 0 || v > math.MaxUint16 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid listen port %d", v)
	}
	return uint16(v), nil
}

func reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// --- Read RPCs ---

func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return reply(s.svc.Status())
}

func (s *Server) ListBackends(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list, err := s.svc.ListBackends()
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(backendList{Backends: list, Count: len(list)})
}

func (s *Server) GetBackends(_ context.Context, req *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	port, err := listenPort(req.GetValue())
	if err != nil {
		return nil, err
	}
	b, err := s.svc.GetBackends(port)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(b)
}

func (s *Server) GetStatistics(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.svc.Statistics()
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(st)
}

func (s *Server) Simulate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in simulateRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "simulate request: %v", err)
	}
	port, err := listenPort(in.ListenPort)
	if err != nil {
		return nil, err
	}
	count := in.Count
	if count == 0 {
		count = rotation.Capacity
	}
	res, err := s.svc.Simulate(port, count)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(control.SimulationFromResult(res))
}

func (s *Server) GetEvents(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in eventsRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "events request: %v", err)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	recs := s.svc.Events(limit, logging.EventFilter{Type: in.Type, ListenPort: in.ListenPort})
	if recs == nil {
		recs = []logging.EventRecord{}
	}
	return reply(eventList{Events: recs, Count: len(recs)})
}

// --- Mutation RPCs ---

func (s *Server) SetBackends(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in setBackendsRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "set backends request: %v", err)
	}
	port, err := listenPort(in.ListenPort)
	if err != nil {
		return nil, err
	}
	source := in.Source
	if source == "" {
		source = "grpc"
	}
	b, err := s.svc.SetBackends(port, in.Ports, source)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(b)
}

func (s *Server) DeleteBackends(_ context.Context, req *wrapperspb.UInt32Value) (*emptypb.Empty, error) {
	port, err := listenPort(req.GetValue())
	if err != nil {
		return nil, err
	}
	if err := s.svc.DeleteBackends(port, "grpc"); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// --- Streaming ---

// WatchEvents streams new control-plane events until the client goes away.
// The request's "type" field is an optional comma-separated type filter.
func (s *Server) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	eb := s.svc.EventBuffer()
	if eb == nil {
		return status.Error(codes.Unavailable, "event buffer not available")
	}
	var in eventsRequest
	if err := fromStruct(req, &in); err != nil {
		return status.Errorf(codes.InvalidArgument, "watch request: %v", err)
	}
	types := make(map[string]bool)
	for _, t := range strings.Split(in.Type, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[strings.ToUpper(t)] = true
		}
	}

	sub := eb.Subscribe(128)
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit:
			return nil
		case rec := <-sub.C:
			if len(types) > 0 && !types[strings.ToUpper(rec.Type)] {
				continue
			}
			if in.ListenPort != 0 && rec.ListenPort != in.ListenPort {
				continue
			}
			msg, err := toStruct(rec)
			if err != nil {
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
