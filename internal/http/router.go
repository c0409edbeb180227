// Package httpx exposes the deploy engine over HTTP.
package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vague-archive/cloud-platform-sub000/internal/domain"
	"github.com/vague-archive/cloud-platform-sub000/internal/service/deploy"
	"github.com/vague-archive/cloud-platform-sub000/internal/storage"
)

const (
	headerDeployedBy     = "X-Deployed-By"
	headerBranchPassword = "X-Branch-Password"
	healthCheckTimeout   = 2 * time.Second
	deployRateWindow     = time.Minute
	maxManifestBytes     = 16 << 20
)

// Engine is the deploy engine surface served over HTTP.
type Engine interface {
	Deploy(ctx context.Context, cmd deploy.FullDeployCommand) (*deploy.Result, error)
	BeginIncremental(ctx context.Context, cmd deploy.BeginCommand) (*deploy.BeginResult, error)
	UploadAsset(ctx context.Context, cmd deploy.UploadCommand) (*storage.BlobObject, error)
	ActivateIncremental(ctx context.Context, cmd deploy.ActivateCommand) (*deploy.Result, error)
	GetCachedDeployInfo(ctx context.Context, orgSlug, gameSlug, branchSlug string) (*domain.CachedDeployInfo, error)
}

// Options tunes the router.
type Options struct {
	// Token is the bearer token every deploy route requires. Empty disables the check.
	Token string
	// DeployRateLimit caps deploy starts per client per minute. Zero disables it.
	DeployRateLimit int
	DBHealth        func(context.Context) error
	// Registry receives request metrics and backs /metrics. Nil uses the
	// prometheus default registry.
	Registry *prometheus.Registry
}

// Router wires HTTP endpoints to the deploy engine.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	engine      Engine
	limiter     RateLimiter
	token       string
	deployLimit int
	dbHealth    func(context.Context) error
	metrics     *httpMetrics
	gatherer    prometheus.Gatherer
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, engine Engine, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if opts.Registry != nil {
		registerer, gatherer = opts.Registry, opts.Registry
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		engine:      engine,
		limiter:     limiter,
		token:       strings.TrimSpace(opts.Token),
		deployLimit: opts.DeployRateLimit,
		dbHealth:    opts.DBHealth,
		metrics:     newHTTPMetrics(registerer),
		gatherer:    gatherer,
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.handle("GET /healthz", r.handleHealthz)
	r.handle("POST /deploy/{org}/{game}/{branch}",
		r.requireToken(r.withRateLimit("deploy", r.deployLimit, deployRateWindow, r.handleFullDeploy)))
	r.handle("POST /deploy/{org}/{game}/{branch}/incremental",
		r.requireToken(r.withRateLimit("deploy", r.deployLimit, deployRateWindow, r.handleBeginIncremental)))
	r.handle("PUT /deploys/{id}/assets", r.requireToken(r.handleUploadAsset))
	r.handle("POST /deploys/{id}/activate", r.requireToken(r.handleActivate))
	r.handle("GET /deploy-info/{org}/{game}/{branch}", r.requireToken(r.handleDeployInfo))
}

func (r *Router) handle(pattern string, next http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(pattern, next))
}

func targetFrom(req *http.Request) deploy.Target {
	return deploy.Target{
		Organization: req.PathValue("org"),
		Game:         req.PathValue("game"),
		Branch:       req.PathValue("branch"),
		Password:     req.Header.Get(headerBranchPassword),
		DeployedBy:   req.Header.Get(headerDeployedBy),
	}
}

func (r *Router) handleFullDeploy(w http.ResponseWriter, req *http.Request) {
	body := &countingBody{ReadCloser: req.Body}
	res, err := r.engine.Deploy(req.Context(), deploy.FullDeployCommand{Target: targetFrom(req), Archive: body})
	r.metrics.received("deploy", body.n)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type beginRequest struct {
	Manifest []domain.DeployAsset `json:"manifest"`
	Password string               `json:"password"`
}

func (r *Router) handleBeginIncremental(w http.ResponseWriter, req *http.Request) {
	var payload beginRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, maxManifestBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	target := targetFrom(req)
	if payload.Password != "" {
		target.Password = payload.Password
	}
	res, err := r.engine.BeginIncremental(req.Context(), deploy.BeginCommand{Target: target, Manifest: payload.Manifest})
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (r *Router) handleUploadAsset(w http.ResponseWriter, req *http.Request) {
	body := &countingBody{ReadCloser: req.Body}
	obj, err := r.engine.UploadAsset(req.Context(), deploy.UploadCommand{
		DeployID:    req.PathValue("id"),
		Digest:      req.URL.Query().Get("digest"),
		ContentType: req.Header.Get("Content-Type"),
		Body:        body,
	})
	r.metrics.received("asset", body.n)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (r *Router) handleActivate(w http.ResponseWriter, req *http.Request) {
	concurrency := 0
	if raw := strings.TrimSpace(req.URL.Query().Get("concurrency")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "concurrency must be a non-negative integer")
			return
		}
		concurrency = n
	}
	res, err := r.engine.ActivateIncremental(req.Context(), deploy.ActivateCommand{DeployID: req.PathValue("id"), Concurrency: concurrency})
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleDeployInfo(w http.ResponseWriter, req *http.Request) {
	info, err := r.engine.GetCachedDeployInfo(req.Context(), req.PathValue("org"), req.PathValue("game"), req.PathValue("branch"))
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "no active deploy")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			r.logger.Warn("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.metrics.observe(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"ip", clientIP(req),
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if actor := strings.TrimSpace(req.Header.Get(headerDeployedBy)); actor != "" {
			fields = append(fields, "actor", actor)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

type countingBody struct {
	io.ReadCloser
	n int64
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}
