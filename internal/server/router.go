package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/jobwatch/internal/metrics"
	"github.com/loykin/jobwatch/internal/monitor"
	"github.com/loykin/jobwatch/internal/restart"
)

// Router exposes the supervisor's manual actions over HTTP.
// Endpoints:
//   GET  {basePath}/status            current Snapshot
//   POST {basePath}/restart           query: class=... (optional); runs a cycle synchronously
//   POST {basePath}/kill              stop the job, destroy its session and hold it until a restart
//   GET  {basePath}/metrics           Prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	sup      *monitor.Supervisor
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(sup *monitor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/restart", r.handleRestart)
	group.POST("/kill", r.handleKill)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer binds addr and serves the router in the background.
// A restart request holds its connection for the whole cycle, so there is no
// write timeout.
func NewServer(addr, basePath string, sup *monitor.Supervisor) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(sup, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type restartResp struct {
	OK     bool           `json:"ok"`
	Report restart.Report `json:"report"`
	Error  string         `json:"error,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status())
}

func (r *Router) handleRestart(c *gin.Context) {
	class, ok := parseClass(c.Query("class"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown class: " + c.Query("class")})
		return
	}
	// a client disconnect must not abort a cycle halfway
	ctx := context.WithoutCancel(c.Request.Context())
	rep, err := r.sup.RestartCycle(ctx, class)
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, restartResp{OK: true, Report: rep})
	case errors.Is(err, restart.ErrCycleInProgress):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, restartResp{Report: rep, Error: err.Error()})
	}
}

func (r *Router) handleKill(c *gin.Context) {
	if err := r.sup.Kill(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, restart.ErrCycleInProgress) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
