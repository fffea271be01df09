// Package api serves the ledger over REST.
//
// Every response is a JSON object carrying an "error" flag and a "message",
// plus operation specific fields.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"blocktree/blockchain/ledger"
	"blocktree/logging"
	"blocktree/registry"
	"blocktree/service"
)

const maxBodyLength = "1M"

type Server struct {
	echo     *echo.Echo
	service  *service.VotingService
	logger   *zap.Logger
	logLevel *zap.AtomicLevel
}

type Option func(*Server)

// WithLogLevel serves level at /log/level. GET reports it and PUT with a
// body such as {"level":"debug"} changes it.
func WithLogLevel(level zap.AtomicLevel) Option {
	return func(s *Server) {
		s.logLevel = &level
	}
}

func NewServer(ctx context.Context, vs *service.VotingService, opts ...Option) *Server {
	_, logger := logging.Named(ctx, "api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		service: vs,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit(maxBodyLength))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.POST("/user/add", s.addUser)
	s.echo.PUT("/user/update", s.updateUser)
	s.echo.POST("/user/vote", s.castVote)
	s.echo.POST("/user/check", s.checkVote)
	s.echo.POST("/user/details", s.userDetails)
	s.echo.POST("/party/votes", s.partyVotes)
	s.echo.GET("/party/results", s.results)
	s.echo.POST("/vote/verify", s.verifyReceipt)
	s.echo.GET("/tree/verify", s.verifyTree)
	s.echo.GET("/tree/get", s.tree)
	s.echo.GET("/healthz", s.health)
	s.echo.GET("/metrics", s.metrics)
	s.echo.GET("/metrics/prometheus", echo.WrapHandler(promhttp.Handler()))
	s.echo.POST("/shutdown", s.shutdown)
	if s.logLevel != nil {
		s.echo.GET("/log/level", echo.WrapHandler(s.logLevel))
		s.echo.PUT("/log/level", echo.WrapHandler(s.logLevel))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting REST server", zap.String("address", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serving REST API")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping REST server")
	return s.echo.Shutdown(ctx)
}

// respond writes the response envelope with status 200.
func respond(c echo.Context, failed bool, message string, data echo.Map) error {
	body := echo.Map{
		"error":   failed,
		"message": message,
	}
	for k, v := range data {
		body[k] = v
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, message := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, echo.Map{"error": true, "message": message})
	}
	if err != nil {
		s.logger.Warn("failed to write error response", zap.Error(err))
	}
}

var statusCodes = []struct {
	err    error
	status int
}{
	{registry.ErrInvalidIdentity, http.StatusBadRequest},
	{service.ErrInvalidVote, http.StatusBadRequest},
	{registry.ErrDuplicateRegistration, http.StatusConflict},
	{service.ErrAlreadyVoted, http.StatusConflict},
	{registry.ErrUserNotFound, http.StatusNotFound},
	{service.ErrNotRegistered, http.StatusNotFound},
	{service.ErrNotVoted, http.StatusNotFound},
	{service.ErrUnknownReceipt, http.StatusNotFound},
	{ledger.ErrShutdown, http.StatusServiceUnavailable},
	{ledger.ErrSealingFailure, http.StatusInternalServerError},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
}

func statusOf(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	}
	for _, sc := range statusCodes {
		if errors.Is(err, sc.err) {
			return sc.status, err.Error()
		}
	}
	return http.StatusInternalServerError, err.Error()
}

func badRequest(message string) error {
	return echo.NewHTTPError(http.StatusBadRequest, message)
}

func requestTimeout(c echo.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), d)
}
