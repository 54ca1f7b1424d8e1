package health

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loykin/indexkeeper/internal/metrics"
)

// Server exposes /healthz and /metrics.
type Server struct {
	e      *echo.Echo
	addr   string
	poller *Poller
}

func NewServer(addr string, p *Poller) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{e: e, addr: addr, poller: p}
	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	return s
}

func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) healthz(c echo.Context) error {
	snap := s.poller.Latest()
	if snap.CheckedAt.IsZero() {
		snap = s.poller.Poll(c.Request().Context())
	}
	code := http.StatusOK
	if snap.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, snap)
}

// Start serves until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
