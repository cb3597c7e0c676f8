package server

import (
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stackup/internal/controller"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/service"
	"github.com/loykin/stackup/internal/volume"
)

// Router provides embeddable HTTP handlers for managing a stack.
// Endpoints:
//
//	POST   {basePath}/services        body: Spec JSON (register)
//	POST   {basePath}/up              query: name=... (optional; empty = all)
//	POST   {basePath}/down            query: name=...&wait=5s (optional)
//	POST   {basePath}/remove          query: name=... (required)
//	GET    {basePath}/status          query: name=... (optional; empty = all)
//	GET    {basePath}/volumes
//	DELETE {basePath}/volumes/:name
//	GET    {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      *controller.Controller
	reg      *service.Registry
	vols     *volume.Store
	basePath string
}

func NewRouter(ctl *controller.Controller, reg *service.Registry, vols *volume.Store, basePath string) *Router {
	return &Router{ctl: ctl, reg: reg, vols: vols, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/services", r.handleRegister)
	group.POST("/up", r.handleUp)
	group.POST("/down", r.handleDown)
	group.POST("/remove", r.handleRemove)
	group.GET("/status", r.handleStatus)
	group.GET("/volumes", r.handleVolumes)
	group.DELETE("/volumes/:name", r.handleVolumeRemove)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// A non-nil tlsCfg switches the listener to HTTPS.
func NewServer(addr, basePath string, ctl *controller.Controller, reg *service.Registry, vols *volume.Store, tlsCfg *tls.Config) (*http.Server, error) {
	r := NewRouter(ctl, reg, vols, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsCfg != nil {
		go func() { _ = server.ListenAndServeTLS("", "") }()
	} else {
		go func() { _ = server.ListenAndServe() }()
	}
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleRegister(c *gin.Context) {
	var spec service.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(spec.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if !isSafeAbsPath(spec.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(spec.Log.Dir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid log.dir: must be absolute path without traversal"})
		return
	}
	if err := r.reg.Register(spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUp(c *gin.Context) {
	name := c.Query("name")
	var err error
	if name == "" {
		err = r.ctl.StartAll(c.Request.Context())
	} else {
		err = r.ctl.Start(c.Request.Context(), name)
	}
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDown(c *gin.Context) {
	name := c.Query("name")
	wait := time.Duration(0)
	if waitStr := c.Query("wait"); waitStr != "" {
		d, err := time.ParseDuration(waitStr)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + err.Error()})
			return
		}
		wait = d
	}
	var err error
	if name == "" {
		err = r.ctl.StopAll(c.Request.Context(), wait)
	} else {
		err = r.ctl.Stop(c.Request.Context(), name, wait)
	}
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRemove(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	if err := r.ctl.Remove(c.Request.Context(), name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusOK, r.ctl.StatusAll())
		return
	}
	st, err := r.ctl.Status(name)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleVolumes(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.vols.List())
}

func (r *Router) handleVolumeRemove(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid volume name"})
		return
	}
	if err := r.vols.Remove(name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// statusFor maps domain errors to HTTP codes: unknown names are 404, a
// volume still claimed is 409, everything else 400.
func statusFor(err error) int {
	var inUse *volume.InUseError
	switch {
	case errors.Is(err, service.ErrUnknownService), errors.Is(err, volume.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &inUse):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
