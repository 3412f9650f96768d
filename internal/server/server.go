// Package server exposes a robots.Manager over gRPC.
package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/events"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/robots"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

const DefaultListenAddr = "127.0.0.1:7447"

type Config struct {
	ListenAddr string
	Manager    *robots.Manager
	Events     *events.Store
	// Health receives per-robot serving status. Pass the same server to
	// HealthUpdater when building the manager so connects and batches update it.
	Health *health.Server
	// HealthInterval, when positive, checks every robot periodically.
	HealthInterval time.Duration
	Logger         *slog.Logger
}

type Server struct {
	cfg Config

	grpcServer *grpc.Server
	listener   net.Listener
}

func New(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Health == nil {
		cfg.Health = health.NewServer()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{cfg: cfg}
}

// HealthUpdater returns a robots.Options.OnChange callback that publishes
// each robot's status as a health service named after the robot.
func HealthUpdater(hs *health.Server) func(string, session.Status) {
	return func(name string, st session.Status) {
		hs.SetServingStatus(name, servingStatus(st))
	}
}

func servingStatus(st session.Status) healthpb.HealthCheckResponse_ServingStatus {
	if st.Connected && !st.Closed && !st.Desynced {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Register installs the robot, health and reflection services on gs.
func (s *Server) Register(gs *grpc.Server) {
	RegisterRobotServiceServer(gs, &robotService{mgr: s.cfg.Manager, events: s.cfg.Events, logger: s.cfg.Logger})
	healthpb.RegisterHealthServer(gs, s.cfg.Health)
	for _, info := range s.cfg.Manager.List() {
		s.cfg.Health.SetServingStatus(info.Name, servingStatus(info.Status))
	}
	reflection.Register(gs)
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.Register(s.grpcServer)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	if s.cfg.HealthInterval > 0 {
		go s.healthLoop(ctx)
	}
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.cfg.Logger.Error("grpc serve", "err", err)
		}
	}()
	s.cfg.Logger.Info("listening", "addr", lis.Addr().String())
	return nil
}

func (s *Server) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, h := range s.cfg.Manager.HealthCheck(ctx) {
			st := healthpb.HealthCheckResponse_NOT_SERVING
			if h.Healthy {
				st = healthpb.HealthCheckResponse_SERVING
			}
			s.cfg.Health.SetServingStatus(h.Name, st)
			if !h.Healthy && h.Status.Connected {
				s.cfg.Logger.Warn("robot unhealthy", "robot", h.Name, "err", h.Error)
			}
		}
	}
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop() {
	s.cfg.Health.Shutdown()
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
