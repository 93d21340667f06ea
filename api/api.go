// Package api is the HTTP control surface: submit a batch, watch its
// progress over SSE or WebSocket (or poll), cancel it, download the
// result. Handlers translate the engine's sentinel errors into status
// codes and stay thin otherwise.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/artifact"
	"github.com/manlek25/optantes/engine"
	"github.com/manlek25/optantes/id"
	"github.com/manlek25/optantes/job"
	"github.com/manlek25/optantes/sheet"
	"github.com/manlek25/optantes/stream"
)

// DefaultPingInterval is how often SSE and WebSocket connections send
// keepalives while a job sits behind the rate limiter.
const DefaultPingInterval = 15 * time.Second

// Server holds the handlers for the batch API.
type Server struct {
	engine       *engine.Engine
	broker       *stream.Broker
	logger       *slog.Logger
	pingInterval time.Duration
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPingInterval sets the SSE/WebSocket keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// NewServer creates the API server.
func NewServer(eng *engine.Engine, broker *stream.Broker, opts ...Option) *Server {
	s := &Server{
		engine:       eng,
		broker:       broker,
		logger:       slog.Default(),
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the batch routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	v1 := e.Group("/v1")
	v1.POST("/batches", s.submit)
	v1.GET("/batches/:id", s.status)
	v1.POST("/batches/:id/cancel", s.cancel)
	v1.GET("/batches/:id/events", s.events)
	v1.GET("/batches/:id/ws", s.websocket)
	v1.GET("/batches/:id/result", s.result)
}

// submitRequest is the JSON body alternative to a file upload.
type submitRequest struct {
	Identifiers        []string `json:"identifiers"`
	Output             string   `json:"output"`
	MinIntervalSeconds int      `json:"min_interval_seconds"`
}

func (s *Server) submit(c echo.Context) error {
	var identifiers []string
	opts := engine.SubmitOptions{}

	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(contentType, echo.MIMEMultipartForm) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			return s.fail(c, optantes.ErrInvalidInput, "missing file field")
		}
		f, err := fileHeader.Open()
		if err != nil {
			return s.fail(c, optantes.ErrInvalidInput, "unreadable upload")
		}
		defer f.Close()

		identifiers, err = sheet.ReadIdentifiers(f, fileHeader.Filename)
		if err != nil {
			return s.fail(c, err, "")
		}
		opts.OutputFormat = job.OutputFormat(c.FormValue("output"))
		if raw := c.FormValue("min_interval_seconds"); raw != "" {
			seconds, err := strconv.Atoi(raw)
			if err != nil {
				return s.fail(c, optantes.ErrInvalidInput, "min_interval_seconds must be an integer")
			}
			opts.MinInterval = time.Duration(seconds) * time.Second
		}
	} else {
		var req submitRequest
		if err := c.Bind(&req); err != nil {
			return s.fail(c, optantes.ErrInvalidInput, "invalid request body")
		}
		identifiers = req.Identifiers
		opts.OutputFormat = job.OutputFormat(req.Output)
		opts.MinInterval = time.Duration(req.MinIntervalSeconds) * time.Second
	}

	if raw := c.QueryParam("output"); raw != "" {
		opts.OutputFormat = job.OutputFormat(raw)
	}
	if raw := c.QueryParam("min_interval_seconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return s.fail(c, optantes.ErrInvalidInput, "min_interval_seconds must be an integer")
		}
		opts.MinInterval = time.Duration(seconds) * time.Second
	}

	jobID, err := s.engine.Submit(c.Request().Context(), identifiers, opts)
	if err != nil {
		return s.fail(c, err, "")
	}
	return c.JSON(http.StatusCreated, map[string]string{"job_id": jobID.String()})
}

func (s *Server) status(c echo.Context) error {
	jobID, err := s.jobID(c)
	if err != nil {
		return s.fail(c, err, "")
	}
	snap, err := s.engine.Status(jobID)
	if err != nil {
		return s.fail(c, err, "")
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) cancel(c echo.Context) error {
	jobID, err := s.jobID(c)
	if err != nil {
		return s.fail(c, err, "")
	}
	if err := s.engine.Cancel(jobID); err != nil {
		return s.fail(c, err, "")
	}
	snap, err := s.engine.Status(jobID)
	if err != nil {
		return s.fail(c, err, "")
	}
	return c.JSON(http.StatusAccepted, snap)
}

func (s *Server) result(c echo.Context) error {
	jobID, err := s.jobID(c)
	if err != nil {
		return s.fail(c, err, "")
	}
	rows, snap, err := s.engine.Rows(jobID)
	if err != nil {
		return s.fail(c, err, "")
	}

	format := job.OutputFormat(c.QueryParam("output"))
	if format == "" {
		format = s.outputFormat(jobID)
	}
	data, err := artifact.Build(rows, format)
	if err != nil {
		return s.fail(c, err, "")
	}

	c.Response().Header().Set("Content-Disposition", `attachment; filename="`+artifact.Filename(format)+`"`)
	c.Response().Header().Set("X-Job-State", string(snap.State))
	return c.Blob(http.StatusOK, artifact.ContentType(format), data)
}

// outputFormat falls back to the format chosen at submission.
func (s *Server) outputFormat(jobID id.JobID) job.OutputFormat {
	if format, err := s.engine.OutputFormat(jobID); err == nil {
		return format
	}
	return job.FormatCSV
}

func (s *Server) jobID(c echo.Context) (id.JobID, error) {
	jobID, err := id.ParseJobID(c.Param("id"))
	if err != nil {
		return id.Nil, optantes.ErrJobNotFound
	}
	return jobID, nil
}

// fail maps sentinel errors to HTTP status codes.
func (s *Server) fail(c echo.Context, err error, detail string) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, optantes.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, optantes.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, optantes.ErrNotReady):
		status = http.StatusConflict
	case errors.Is(err, optantes.ErrEngineClosed):
		status = http.StatusServiceUnavailable
	}
	message := err.Error()
	if detail != "" {
		message = detail
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", c.Path()), slog.Any("error", err))
		message = "internal error"
	}
	return c.JSON(status, map[string]string{"error": message})
}
