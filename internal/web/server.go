package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
	"github.com/minasoft/lis-gateway/internal/hl7"
	"github.com/minasoft/lis-gateway/internal/inbox"
	"github.com/minasoft/lis-gateway/internal/ingest"
	lisnats "github.com/minasoft/lis-gateway/internal/nats"
	"github.com/minasoft/lis-gateway/internal/transport"
)

const version = "1.0.0"

// Connections is the slice of the transport manager the API drives.
type Connections interface {
	Restart(ctx context.Context, id uuid.UUID) (bool, error)
	Reload(id uuid.UUID)
	Disconnect(id uuid.UUID)
	Status(id uuid.UUID) transport.ConnectionStatus
	SendOrder(ctx context.Context, id uuid.UUID, req hl7.OrderRequest) (bool, error)
}

type Ingester interface {
	IngestMessage(ctx context.Context, instrumentID uuid.UUID, raw []byte) (ingest.Outcome, error)
}

// AuditCounter reads the audit counters kept by the stats consumer.
type AuditCounter interface {
	Counts(ctx context.Context) (map[string]int64, error)
	LastEventTime(ctx context.Context) (*time.Time, error)
}

type Deps struct {
	Store       db.Store
	Mappings    db.MappingRepository
	Ingester    Ingester
	Inbox       *inbox.Service
	Connections Connections
	// optional
	JetStream  jetstream.JetStream
	AuditStats AuditCounter
}

type Server struct {
	echo   *echo.Echo
	deps   Deps
	port   int
	logger *zap.Logger
}

func NewServer(deps Deps, port int, logger *zap.Logger) *Server {
	if deps.Mappings == nil {
		deps.Mappings = deps.Store
	}
	logger = logger.With(zap.String("component", "web"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e)

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Debug("request", fields...)
			return nil
		},
	}))

	s := &Server{echo: e, deps: deps, port: port, logger: logger}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is done and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("web server starting", zap.Int("port", s.port))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)

	api.GET("/instruments", s.handleListInstruments)
	api.POST("/instruments", s.handleCreateInstrument)
	api.GET("/instruments/:id", s.handleGetInstrument)
	api.PUT("/instruments/:id", s.handleUpdateInstrument)
	api.DELETE("/instruments/:id", s.handleDeleteInstrument)
	api.GET("/instruments/:id/connection", s.handleConnectionStatus)
	api.POST("/instruments/:id/restart", s.handleRestart)
	api.POST("/instruments/:id/ingest", s.handleIngest)
	api.POST("/instruments/:id/orders", s.handleSendOrder)

	api.GET("/instruments/:id/mappings", s.handleListMappings)
	api.POST("/instruments/:id/mappings", s.handleCreateMapping)
	api.PUT("/mappings/:id", s.handleUpdateMapping)
	api.DELETE("/mappings/:id", s.handleDeleteMapping)

	api.GET("/messages", s.handleListMessages)
	api.GET("/messages/:id", s.handleGetMessage)

	api.GET("/unmatched", s.handleListUnmatched)
	api.GET("/unmatched/stats", s.handleUnmatchedStats)
	api.GET("/unmatched/:id", s.handleGetUnmatched)
	api.POST("/unmatched/:id/resolve", s.handleResolveUnmatched)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	components := make(map[string]string)
	overallStatus := "healthy"

	if err := s.deps.Store.Ping(ctx); err != nil {
		components["database"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
	} else {
		components["database"] = "healthy"
	}

	if s.deps.JetStream != nil {
		if _, err := s.deps.JetStream.AccountInfo(ctx); err != nil {
			components["nats"] = "unhealthy: " + err.Error()
			if overallStatus == "healthy" {
				overallStatus = "degraded"
			}
		} else {
			components["nats"] = "healthy"
		}

		stream, err := s.deps.JetStream.Stream(ctx, lisnats.AuditStream)
		if err != nil {
			components["audit_stream"] = "unhealthy: stream not found"
			if overallStatus == "healthy" {
				overallStatus = "degraded"
			}
		} else if info, _ := stream.Info(ctx); info != nil {
			components["audit_stream"] = fmt.Sprintf("healthy (messages: %d)", info.State.Msgs)
		} else {
			components["audit_stream"] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, map[string]interface{}{
		"status":     overallStatus,
		"timestamp":  time.Now(),
		"components": components,
		"version":    version,
	})
}

func (s *Server) handleStats(c echo.Context) error {
	ctx := c.Request().Context()
	unmatched, err := s.deps.Inbox.Stats(ctx)
	if err != nil {
		return err
	}
	stats := map[string]interface{}{"unmatched": unmatched}

	if s.deps.AuditStats != nil {
		counts, err := s.deps.AuditStats.Counts(ctx)
		if err != nil {
			s.logger.Warn("audit counters unavailable", zap.Error(err))
		} else {
			stats["audit"] = counts
		}
		if last, err := s.deps.AuditStats.LastEventTime(ctx); err == nil && last != nil {
			stats["last_audit_event"] = last
		}
	}
	return c.JSON(http.StatusOK, stats)
}

// errorHandler maps domain errors onto HTTP statuses before echo renders them.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			he = echo.NewHTTPError(statusOf(err), err.Error())
		}
		e.DefaultHTTPErrorHandler(he, c)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrConflict),
		errors.Is(err, inbox.ErrNotPending),
		errors.Is(err, inbox.ErrOrderTestLocked),
		errors.Is(err, db.ErrInvalidTransition),
		errors.Is(err, transport.ErrNotBidirectional),
		errors.Is(err, transport.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, inbox.ErrInvalidAction),
		errors.Is(err, inbox.ErrPanelTarget),
		errors.Is(err, transport.ErrUnsupported),
		errors.Is(err, hl7.ErrEmptyOrder):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func queryInt(c echo.Context, name string, def int) int {
	if v := c.QueryParam(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
