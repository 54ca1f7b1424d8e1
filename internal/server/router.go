package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/indexkeeper/internal/cron"
	"github.com/loykin/indexkeeper/internal/identity"
	"github.com/loykin/indexkeeper/internal/lock"
	"github.com/loykin/indexkeeper/internal/run"
	"github.com/loykin/indexkeeper/internal/scheduler"
	"github.com/loykin/indexkeeper/internal/store"
)

// Router provides embeddable HTTP handlers for the admin API.
// Endpoints (relative to basePath):
//
//	GET  /status
//	GET  /locks                      POST /locks/release?resource=...
//	GET  /runs?status=&client=&since=&until=&offset=&limit=
//	GET  /runs/:id
//	GET  /folders                    POST /folders          body: FolderRequest
//	POST /folders/enable?path=&enabled=true|false
//	POST /folders/scan?path=         DELETE /folders?path=
//	GET  /scheduler                  POST /scheduler/start  POST /scheduler/stop
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	deps     Deps
	basePath string
}

// Deps are the components the API operates on.
type Deps struct {
	Locks     *lock.Manager
	Runs      *run.Tracker
	Folders   store.FolderStore
	Scheduler *scheduler.Scheduler
	Info      identity.Info
	// Context scopes scheduler runs started through the API.
	Context context.Context
}

func NewRouter(d Deps, basePath string) *Router {
	if d.Context == nil {
		d.Context = context.Background()
	}
	return &Router{deps: d, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/locks", r.handleLocks)
	group.POST("/locks/release", r.handleLockRelease)
	group.GET("/runs", r.handleRuns)
	group.GET("/runs/:id", r.handleRun)
	group.GET("/folders", r.handleFolders)
	group.POST("/folders", r.handleFolderCreate)
	group.DELETE("/folders", r.handleFolderDelete)
	group.POST("/folders/enable", r.handleFolderEnable)
	group.POST("/folders/scan", r.handleFolderScan)
	group.GET("/scheduler", r.handleSchedulerSnapshot)
	group.POST("/scheduler/start", r.handleSchedulerStart)
	group.POST("/scheduler/stop", r.handleSchedulerStop)
	return g
}

// NewServer builds an http.Server for this router on addr. The caller
// runs ListenAndServe and Shutdown.
func NewServer(addr, basePath string, d Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(d, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// manual scans answer when the scan is done
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	identity.Info
	SchedulerRunning bool `json:"scheduler_running"`
}

// FolderRequest is the body of POST /folders.
type FolderRequest struct {
	Path      string            `json:"path"`
	Schedule  string            `json:"schedule"`
	Enabled   *bool             `json:"enabled,omitempty"`
	ClientRef string            `json:"client_ref,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type lockView struct {
	store.Lock
	Remaining string `json:"remaining"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Info: r.deps.Info}
	if r.deps.Scheduler != nil {
		resp.SchedulerRunning = r.deps.Scheduler.IsRunning()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleLocks(c *gin.Context) {
	locks, err := r.deps.Locks.ListActive(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	now := time.Now()
	out := make([]lockView, 0, len(locks))
	for _, l := range locks {
		out = append(out, lockView{Lock: l, Remaining: l.Remaining(now).Round(time.Second).String()})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleLockRelease(c *gin.Context) {
	res := c.Query("resource")
	if res == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "resource query param required"})
		return
	}
	if err := r.deps.Locks.ForceRelease(c.Request.Context(), res); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRuns(c *gin.Context) {
	f, err := runFilter(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	runs, err := r.deps.Runs.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, runs)
}

func runFilter(c *gin.Context) (run.Filter, error) {
	var f run.Filter
	if s := c.Query("status"); s != "" {
		st, err := store.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	f.ClientRef = c.Query("client")
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %w", p.name, err)
		}
		*p.dst = t
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"offset", &f.Offset}, {"limit", &f.Limit}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid %s: %q", p.name, v)
		}
		*p.dst = n
	}
	return f, nil
}

func (r *Router) handleRun(c *gin.Context) {
	rn, err := r.deps.Runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rn)
}

func (r *Router) handleFolders(c *gin.Context) {
	folders, err := r.deps.Folders.ListFolders(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, folders)
}

func (r *Router) handleFolderCreate(c *gin.Context) {
	var req FolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAbsPath(req.Path) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid path: must be absolute path without traversal"})
		return
	}
	if err := cron.Validate(req.Schedule); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	f := store.WatchedFolder{
		Path:      filepath.Clean(req.Path),
		Enabled:   enabled,
		Schedule:  req.Schedule,
		ClientRef: req.ClientRef,
		Metadata:  req.Metadata,
	}
	if err := r.deps.Folders.CreateFolder(c.Request.Context(), f); err != nil {
		writeError(c, err)
		return
	}
	created, err := r.deps.Folders.GetFolder(c.Request.Context(), f.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, created)
}

func (r *Router) handleFolderDelete(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "path query param required"})
		return
	}
	if err := r.deps.Folders.DeleteFolder(c.Request.Context(), path); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleFolderEnable(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "path query param required"})
		return
	}
	enabled, err := strconv.ParseBool(c.DefaultQuery("enabled", "true"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "enabled must be true or false"})
		return
	}
	if err := r.deps.Folders.SetFolderEnabled(c.Request.Context(), path, enabled); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleFolderScan(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "path query param required"})
		return
	}
	res, err := r.deps.Scheduler.TriggerNow(c.Request.Context(), path)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleSchedulerSnapshot(c *gin.Context) {
	snap, err := r.deps.Scheduler.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleSchedulerStart(c *gin.Context) {
	if err := r.deps.Scheduler.Start(r.deps.Context); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSchedulerStop(c *gin.Context) {
	r.deps.Scheduler.Stop()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
