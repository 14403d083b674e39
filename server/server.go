// Package server exposes the pipeline outputs over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"property-sync/lens"
	"property-sync/models"
	"property-sync/pipeline"
	"property-sync/storage"
	"property-sync/utils"
)

// Dashboard is the part of the pipeline the HTTP surface drives.
type Dashboard interface {
	Snapshot() pipeline.Output
	SetFilter(spec models.FilterSpec)
	SetUser(u *models.User)
	Refresh(ctx context.Context, trigger string) error
	Subscribe() (<-chan models.LoadingProgress, func())
}

// Schedule reports the next background refresh.
type Schedule interface {
	NextFiring(now time.Time) time.Time
}

// Server is the gin engine plus its collaborators.
type Server struct {
	dash   Dashboard
	sched  Schedule
	logger *utils.Logger
	engine *gin.Engine

	// base outlives individual requests; background refreshes run on it.
	base context.Context
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// New builds the routes. sched may be nil.
func New(dash Dashboard, sched Schedule, logger *utils.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{dash: dash, sched: sched, logger: logger, engine: gin.New(), base: context.Background()}
	s.engine.Use(gin.Recovery(), requestLogger(logger))
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.base = ctx
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("[http] Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("[http] Server stopped")
	return nil
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/properties", s.getProperties)
	r.GET("/properties/all", s.getAllProperties)
	r.GET("/stats", s.getStats)
	r.GET("/status", s.getStatus)
	r.PUT("/filters", s.putFilters)
	r.PUT("/user", s.putUser)
	r.POST("/refresh", s.postRefresh)
	r.GET("/schedule/next", s.getNextRefresh)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/progress", s.progressSocket)
}

type statusResponse struct {
	Loading           bool                   `json:"loading"`
	Error             string                 `json:"error,omitempty"`
	LoadingProgress   models.LoadingProgress `json:"loadingProgress"`
	IsApplyingFilters bool                   `json:"isApplyingFilters"`
	IsDownloading     bool                   `json:"isDownloading"`
	LastUpdated       time.Time              `json:"lastUpdated"`
	SharedCacheStatus storage.SharedStatus   `json:"sharedCacheStatus"`
	Source            pipeline.Source        `json:"source"`
	Total             int                    `json:"total"`
	Filtered          int                    `json:"filtered"`
}

// GET /properties
func (s *Server) getProperties(c *gin.Context) {
	out := s.dash.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"properties":        nonNil(out.Properties),
		"count":             len(out.Properties),
		"isApplyingFilters": out.IsApplyingFilters,
	})
}

// GET /properties/all
func (s *Server) getAllProperties(c *gin.Context) {
	out := s.dash.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"allProperties": nonNil(out.AllProperties),
		"count":         len(out.AllProperties),
	})
}

// GET /stats
func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.dash.Snapshot().Stats)
}

// GET /status
func (s *Server) getStatus(c *gin.Context) {
	out := s.dash.Snapshot()
	c.JSON(http.StatusOK, statusResponse{
		Loading:           out.Loading,
		Error:             out.Error,
		LoadingProgress:   out.LoadingProgress,
		IsApplyingFilters: out.IsApplyingFilters,
		IsDownloading:     out.IsDownloading,
		LastUpdated:       out.LastUpdated,
		SharedCacheStatus: out.SharedCacheStatus,
		Source:            out.Source,
		Total:             len(out.AllProperties),
		Filtered:          len(out.Properties),
	})
}

// PUT /filters
func (s *Server) putFilters(c *gin.Context) {
	var spec models.FilterSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := lens.ValidateSpec(spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dash.SetFilter(spec)
	c.JSON(http.StatusAccepted, gin.H{"status": "applying"})
}

// PUT /user
func (s *Server) putUser(c *gin.Context) {
	var u models.User
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := lens.ValidateUser(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.dash.SetUser(&u)
	c.JSON(http.StatusAccepted, gin.H{"status": "applying"})
}

// POST /refresh[?wait=true]
func (s *Server) postRefresh(c *gin.Context) {
	if c.Query("wait") == "true" {
		if err := s.dash.Refresh(c.Request.Context(), "manual"); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "refreshed", "lastUpdated": s.dash.Snapshot().LastUpdated})
		return
	}

	go func() {
		if err := s.dash.Refresh(s.base, "manual"); err != nil {
			s.logger.Warn("[http] Manual refresh failed: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// GET /schedule/next
func (s *Server) getNextRefresh(c *gin.Context) {
	if s.sched == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scheduler disabled"})
		return
	}
	next := s.sched.NextFiring(time.Now())
	c.JSON(http.StatusOK, gin.H{"next": next, "in": time.Until(next).Round(time.Second).String()})
}

// GET /ws/progress streams LoadingProgress events until the client leaves.
func (s *Server) progressSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("[http] Websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	events, unsubscribe := s.dash.Subscribe()
	defer unsubscribe()

	// The read loop only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := ws.WriteJSON(s.dash.Snapshot().LoadingProgress); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case prog, ok := <-events:
			if !ok {
				return
			}
			if err := ws.WriteJSON(prog); err != nil {
				s.logger.Debug("[http] Websocket write failed: %v", err)
				return
			}
		}
	}
}

func requestLogger(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("[http] %s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

func nonNil(set []models.CanonicalListing) []models.CanonicalListing {
	if set == nil {
		return []models.CanonicalListing{}
	}
	return set
}
