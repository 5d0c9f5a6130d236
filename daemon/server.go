package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/cochaviz/firebreak/profile"
	"github.com/cochaviz/firebreak/sandbox"
)

// Server listens on a unix socket and serves Request/Response pairs for
// warm/inspect/drain, dispatching onto a sandbox.Manager so the daemon
// never bypasses it.
type Server struct {
	socketPath string
	manager    *sandbox.Manager
	logger     *slog.Logger
}

// New constructs a Server bound to socketPath, driving manager for every
// request.
func New(socketPath string, manager *sandbox.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{socketPath: socketPath, manager: manager, logger: logger}
}

// Start listens on the control socket and serves connections until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("failed to decode request", "err", err)
		return
	}

	resp := s.dispatch(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("failed to encode response", "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case CommandWarm:
		return s.handleWarm(ctx, req)
	case CommandInspect:
		return s.handleInspect(ctx, req)
	case CommandDrain:
		return s.handleDrain(ctx)
	default:
		return errorResponse(fmt.Errorf("unknown command %q", req.Command))
	}
}

func (s *Server) handleWarm(ctx context.Context, req Request) Response {
	prof, err := decodeProfile(req)
	if err != nil {
		return errorResponse(err)
	}
	stats, err := s.manager.Warm(ctx, prof)
	if err != nil {
		return errorResponse(err)
	}
	return dataResponse(PoolStatsWireFrom(stats))
}

func (s *Server) handleInspect(ctx context.Context, req Request) Response {
	prof, err := decodeProfile(req)
	if err != nil {
		return errorResponse(err)
	}
	stats, found, err := s.manager.Inspect(ctx, prof)
	if err != nil {
		return errorResponse(err)
	}
	if !found {
		return errorResponse(errors.New("no pool exists for that profile"))
	}
	return dataResponse(PoolStatsWireFrom(stats))
}

func (s *Server) handleDrain(ctx context.Context) Response {
	if err := s.manager.Stop(ctx); err != nil {
		return errorResponse(err)
	}
	return Response{OK: true}
}

func decodeProfile(req Request) (profile.CapabilityProfile, error) {
	var wire ProfileWire
	if len(req.Profile) == 0 {
		return profile.CapabilityProfile{}, errors.New("profile is required")
	}
	if err := json.Unmarshal(req.Profile, &wire); err != nil {
		return profile.CapabilityProfile{}, fmt.Errorf("decode profile: %w", err)
	}
	return wire.ToProfile()
}

func errorResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

func dataResponse(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(fmt.Errorf("marshal response payload: %w", err))
	}
	return Response{OK: true, Data: data}
}
