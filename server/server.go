package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/hrygo/memosense/internal/profile"
	apiv1 "github.com/hrygo/memosense/server/router/api/v1"
	"github.com/hrygo/memosense/server/service/semantic"
)

type Server struct {
	Profile  *profile.Profile
	Semantic *semantic.Service

	echoServer *echo.Echo
	runnerStop context.CancelFunc
	runnerDone chan struct{}
}

func NewServer(_ context.Context, profile *profile.Profile, svc *semantic.Service) (*Server, error) {
	s := &Server{
		Profile:  profile,
		Semantic: svc,
	}

	echoServer := echo.New()
	echoServer.Debug = true
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	s.echoServer = echoServer

	// Healthz endpoint.
	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})

	apiv1.NewAPIV1Service(profile, svc).RegisterRoutes(echoServer)
	return s, nil
}

// Start listens on the profile address and starts the background embedding runner.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	s.runnerStop = cancel
	s.runnerDone = make(chan struct{})
	go func() {
		defer close(s.runnerDone)
		s.Semantic.Run(runnerCtx)
	}()

	go func() {
		s.echoServer.Listener = listener
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	slog.Info("server shutting down")

	if s.runnerStop != nil {
		s.runnerStop()
		<-s.runnerDone
	}
	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", slog.String("error", err.Error()))
	}
	if err := s.Semantic.Close(); err != nil {
		slog.Error("failed to close semantic service", slog.String("error", err.Error()))
	}

	slog.Info("memosense stopped properly")
}
