// Package api exposes the engine over HTTP with echo.
//
// Routes:
//
//	POST   /api/workflow                  create a workflow
//	GET    /api/workflow/:id              workflow metadata
//	POST   /api/workflow/:id/table        upload into an empty workflow (409 otherwise)
//	PUT    /api/workflow/:id/table        replace the table
//	DELETE /api/workflow/:id/table        flush
//	GET    /api/workflow/:id/table        records, optional ?view= and ?filter=
//	PUT    /api/workflow/:id/merge        merge, ?async=1 queues a job
//	GET    /api/workflow/:id/export       gzip archive
//	POST   /api/workflow/import           restore an archive as a new workflow
//	POST   /api/action/:id/render         run an action, ?async=1 queues a job
//	GET    /api/jobs/:id                  job status
//	DELETE /api/jobs/:id                  cancel a job
//	GET    /trck?v=TOKEN                  tracking pixel
package api

import (
	"io"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/ontask/dataengine/internal/engine"
)

// ServiceName identifies the API in traces.
const ServiceName = "ontask"

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	engine *engine.Engine
	log    *slog.Logger
}

// NewServer creates a Server. A nil logger discards output.
func NewServer(e *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{engine: e, log: log}
}

// Handler builds the echo instance with middleware and routes.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request", "method", v.Method, "path", v.URIPath, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/trck", s.track)

	g := e.Group("/api")
	g.POST("/workflow", s.createWorkflow)
	g.POST("/workflow/import", s.importWorkflow)
	g.GET("/workflow/:id", s.getWorkflow)
	g.POST("/workflow/:id/table", s.uploadTable)
	g.PUT("/workflow/:id/table", s.replaceTable)
	g.DELETE("/workflow/:id/table", s.flushTable)
	g.GET("/workflow/:id/table", s.getTable)
	g.PUT("/workflow/:id/merge", s.merge)
	g.GET("/workflow/:id/export", s.exportWorkflow)
	g.POST("/action/:id/render", s.render)
	g.GET("/jobs/:id", s.getJob)
	g.DELETE("/jobs/:id", s.cancelJob)
	return e
}

