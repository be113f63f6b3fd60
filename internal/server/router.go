package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/portvisor/internal/manager"
	"github.com/loykin/portvisor/internal/status"
)

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints:
//
//	GET  {basePath}/status                      snapshot of every service
//	GET  {basePath}/status/:name                snapshot of one service
//	POST {basePath}/services/:name/start|stop|restart
//	POST {basePath}/start-all|stop-all|restart-all
//	GET  /metrics                               when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	rep      *status.Reporter
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/status, /api/services/API/start and so on.
func NewRouter(mgr *mng.Manager, rep *status.Reporter, basePath string) *Router {
	return &Router{mgr: mgr, rep: rep, basePath: sanitizeBase(basePath)}
}

// WithMetrics mounts h at /metrics, outside the base path.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/status/:name", r.handleStatusOne)
	group.POST("/services/:name/:action", r.handleAction)
	group.POST("/start-all", r.handleBatch(mng.ActionStart))
	group.POST("/stop-all", r.handleBatch(mng.ActionStop))
	group.POST("/restart-all", r.handleBatch(mng.ActionRestart))
	return g
}

// NewServer returns an http.Server for h with the usual timeouts. Long
// startups are bounded by the supervisor, so the write timeout leaves room
// for a full startup plus stop.
func NewServer(addr string, h http.Handler, writeTimeout time.Duration) *http.Server {
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// Run serves srv until ctx is done, then shuts it down gracefully. A
// non-nil srv.TLSConfig switches the listener to HTTPS.
func Run(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	scheme := "http"
	if srv.TLSConfig != nil {
		scheme = "https"
	}
	log.Info("http server listening", "addr", ln.Addr().String(), "scheme", scheme)
	errc := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errc <- srv.ServeTLS(ln, "", "")
			return
		}
		errc <- srv.Serve(ln)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type batchResp struct {
	OK      bool         `json:"ok"`
	Failed  int          `json:"failed"`
	Results []mng.Result `json:"results"`
}

func (r *Router) handleStatus(c *gin.Context) {
	entries, err := r.rep.Snapshot(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, entries)
}

func (r *Router) handleStatusOne(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	d, err := r.mgr.Registry().Get(name)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	entries, err := r.rep.Snapshot(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	for _, e := range entries {
		if e.Name == d.Name {
			writeJSON(c, http.StatusOK, e)
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "no status for " + d.Name})
}

func (r *Router) handleAction(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	// actions run to completion even if the client goes away
	ctx := context.WithoutCancel(c.Request.Context())
	var res mng.Result
	switch mng.Action(c.Param("action")) {
	case mng.ActionStart:
		res = r.mgr.Start(ctx, name)
	case mng.ActionStop:
		res = r.mgr.Stop(ctx, name)
	case mng.ActionRestart:
		res = r.mgr.Restart(ctx, name)
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action " + c.Param("action")})
		return
	}
	writeJSON(c, statusCode(res), res)
}

func (r *Router) handleBatch(action mng.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := context.WithoutCancel(c.Request.Context())
		var results []mng.Result
		switch action {
		case mng.ActionStart:
			results = r.mgr.StartAll(ctx)
		case mng.ActionStop:
			results = r.mgr.StopAll(ctx)
		default:
			results = r.mgr.RestartAll(ctx)
		}
		failed := len(mng.Failed(results))
		code := http.StatusOK
		if failed > 0 {
			code = http.StatusMultiStatus
		}
		writeJSON(c, code, batchResp{OK: failed == 0, Failed: failed, Results: results})
	}
}

// statusCode maps a single-service result onto an HTTP status.
func statusCode(res mng.Result) int {
	var (
		pc *mng.PortConflictError
		mc *mng.MissingConfigError
	)
	switch {
	case res.Err == nil:
		return http.StatusOK
	case errors.Is(res.Err, mng.ErrUnknownService):
		return http.StatusNotFound
	case errors.As(res.Err, &pc):
		return http.StatusConflict
	case errors.As(res.Err, &mc):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
