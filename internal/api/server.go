// Package api exposes the rundown store over HTTP and provides the client
// sessions use to reach it from another process.
package api

import (
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/rundown/internal/config"
	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/logging"
	"github.com/kimhsiao/rundown/internal/models"
	"github.com/kimhsiao/rundown/internal/rundown"
	"github.com/kimhsiao/rundown/internal/showcaller"
	"github.com/kimhsiao/rundown/internal/store"
)

// Server serves the store contract, rundown status boards and, when a push
// handler is mounted, the websocket channel.
type Server struct {
	router *gin.Engine
	store  store.Store
	push   http.Handler
	sync   config.SyncConfig
	clock  clock.Clock
	logger *logging.Logger
}

// Options configures a Server.
type Options struct {
	Store store.Store
	Push  http.Handler // served at /ws; optional
	// Sync is handed to clients at /api/sync-config; defaults when zero.
	Sync   config.SyncConfig
	Clock  clock.Clock
	Logger *logging.Logger
	Debug  bool
}

// NewServer creates a Server and its routes.
func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	if opts.Sync == (config.SyncConfig{}) {
		opts.Sync = config.Default().Sync
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{
		router: router,
		store:  opts.Store,
		push:   opts.Push,
		sync:   opts.Sync,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
	router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.health)
	s.router.GET("/api/sync-config", s.syncConfig)

	api := s.router.Group("/api/rundowns")
	{
		api.POST("", s.createRundown)
		api.GET("/:id", s.getRundown)
		api.GET("/:id/version", s.getVersion)
		api.PATCH("/:id", s.patchRundown)
		api.GET("/:id/status", s.rundownStatus)
	}

	if s.push != nil {
		s.router.GET("/ws", gin.WrapH(s.push))
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.clock.Now()
		c.Next()
		s.logger.Debug("HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": s.clock.Since(start).String(),
		})
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string           `json:"error"`
	Code  errors.ErrorCode `json:"code"`
}

func statusOf(code errors.ErrorCode) int {
	switch code {
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrVersionConflict, errors.ErrDuplicate:
		return http.StatusConflict
	case errors.ErrStaleReference:
		return http.StatusUnprocessableEntity
	case errors.ErrTransientIO, errors.ErrSyncTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := errors.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorWithCode("Request failed", string(code), err, map[string]interface{}{
			"path": c.FullPath(),
		})
	}
	c.JSON(status, errorBody{Error: err.Error(), Code: code})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   s.clock.Now().UnixMilli(),
	})
}

func (s *Server) syncConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.sync)
}

func (s *Server) createRundown(c *gin.Context) {
	var doc models.Rundown
	if err := c.ShouldBindJSON(&doc); err != nil {
		s.fail(c, errors.Wrap(errors.ErrInvalid, "invalid rundown body", err))
		return
	}
	snap, err := s.store.Create(c.Request.Context(), &doc)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) getRundown(c *gin.Context) {
	snap, err := s.store.Read(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getVersion(c *gin.Context) {
	info, err := s.store.Version(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// patchRequest is the body of PATCH /api/rundowns/:id.
type patchRequest struct {
	Patch           models.Patch `json:"patch"`
	ExpectedVersion *int64       `json:"expectedVersion,omitempty"`
}

func (s *Server) patchRundown(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.Wrap(errors.ErrInvalid, "invalid patch body", err))
		return
	}
	res, err := s.store.Write(c.Request.Context(), c.Param("id"), &req.Patch, req.ExpectedVersion)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Status is the status-board view of a rundown: the clock as every viewer
// would compute it now, plus the row labels.
type Status struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Version    int64             `json:"version"`
	Updated    string            `json:"updated"`
	IsPlaying  bool              `json:"isPlaying"`
	CurrentID  string            `json:"currentSegmentId,omitempty"`
	CurrentRow string            `json:"currentRow,omitempty"`
	Elapsed    string            `json:"elapsed"`
	Remaining  string            `json:"remaining"`
	ShowLeft   string            `json:"showRemaining"`
	Runtime    string            `json:"totalRuntime"`
	Labels     map[string]string `json:"labels"`
}

func (s *Server) rundownStatus(c *gin.Context) {
	snap, err := s.store.Read(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.status(snap))
}

func (s *Server) status(snap *store.Snapshot) Status {
	doc := snap.Document
	now := s.clock.Now()
	timing := showcaller.Compute(doc.Items, doc.Showcaller, now)
	labels := rundown.RowLabels(doc.Items)

	return Status{
		ID:         doc.ID,
		Title:      doc.Title,
		Version:    snap.Version,
		Updated:    humanize.RelTime(time.UnixMilli(snap.UpdatedAt), now, "ago", "from now"),
		IsPlaying:  timing.IsPlaying,
		CurrentID:  timing.CurrentSegmentID,
		CurrentRow: labels[timing.CurrentSegmentID],
		Elapsed:    models.FormatDuration(timing.ElapsedInCurrent),
		Remaining:  models.FormatDuration(timing.Remaining),
		ShowLeft:   models.FormatDuration(timing.ShowRemaining),
		Runtime:    models.FormatDuration(timing.TotalRuntime),
		Labels:     labels,
	}
}
