// Package httprouter wires HTTP endpoints to the job service.
package httprouter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"slices"
	"strconv"

	"songzip/internal/config"
	"songzip/internal/consts"
	"songzip/internal/errs"
	"songzip/internal/infrastructure/delivery/http/middleware"
	"songzip/internal/infrastructure/delivery/http/request"
	"songzip/internal/infrastructure/delivery/http/response"
	"songzip/internal/observability"
	"songzip/internal/progress"
	"songzip/internal/service"

	"github.com/gin-contrib/sse"
)

// Router is a ServeMux with global and per-group middleware chains.
type Router struct {
	*http.ServeMux

	log         *slog.Logger
	cfg         *config.Config
	globalChain []func(http.Handler) http.Handler
	routeChain  []func(http.Handler) http.Handler
	isSubRouter bool

	svc      service.Job
	notifier *progress.Notifier
	metrics  *observability.Metrics
}

// New builds the router with every route registered.
func New(
	log *slog.Logger,
	cfg *config.Config,
	svc service.Job,
	notifier *progress.Notifier,
	metrics *observability.Metrics,
) *Router {
	r := &Router{
		ServeMux: http.NewServeMux(),
		log:      log.With(slog.String("package", "httprouter")),
		cfg:      cfg,
		svc:      svc,
		notifier: notifier,
		metrics:  metrics,
	}

	r.SetGlobalMiddlewares()
	r.SetRoutes()

	return r
}

func (r *Router) Use(middleware ...func(http.Handler) http.Handler) {
	if r.isSubRouter {
		r.routeChain = append(r.routeChain, middleware...)
	} else {
		r.globalChain = append(r.globalChain, middleware...)
	}
}

// Group registers routes sharing the middlewares added inside fn.
func (r *Router) Group(fn func(r *Router)) {
	subRouter := &Router{
		ServeMux:    r.ServeMux,
		isSubRouter: true,
		routeChain:  slices.Clone(r.routeChain),
	}

	fn(subRouter)
}

func (r *Router) HandleFunc(pattern string, h http.HandlerFunc) {
	r.Handle(pattern, h)
}

func (r *Router) Handle(pattern string, h http.Handler) {
	for _, mw := range slices.Backward(r.routeChain) {
		h = mw(h)
	}

	r.ServeMux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var h http.Handler = r.ServeMux

	for _, mw := range slices.Backward(r.globalChain) {
		h = mw(h)
	}

	h.ServeHTTP(w, req)
}

func (r *Router) SetGlobalMiddlewares() {
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		middleware.Metrics(r.metrics),
		middleware.Logger,
	)
}

func (r *Router) SetRoutes() {
	r.SetRoutesBatch()
	r.SetRoutesHealthcheck()
	r.SetRoutesJob()

	r.Handle("GET /metrics", r.metrics.Handler())
}

// SetRoutesBatch registers the submit, progress stream and result endpoints.
func (r *Router) SetRoutesBatch() {
	r.HandleFunc("POST /download-all", r.DownloadAll)
	r.HandleFunc("GET /progress/{id}", r.Progress)
	r.HandleFunc("GET /result/{id}", r.Result)
}

func (r *Router) SetRoutesHealthcheck() {
	healthcheckRouter := &Router{
		ServeMux: http.NewServeMux(),
	}
	healthcheckRouter.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/v1/", http.StripPrefix("/v1", healthcheckRouter))
}

func (r *Router) SetRoutesJob() {
	jobRouter := &Router{
		ServeMux: http.NewServeMux(),
	}
	jobRouter.HandleFunc("GET /{$}", r.GetJobs)
	jobRouter.HandleFunc("GET /{id}", r.GetJob)
	jobRouter.HandleFunc("DELETE /{id}", r.CancelJob)

	r.Handle("/v1/jobs/", http.StripPrefix("/v1/jobs", jobRouter))
}

func (r *Router) handlerContext(req *http.Request) (context.Context, context.CancelFunc) {
	timeout := r.cfg.HTTP.HandlerTimeout
	if timeout <= 0 {
		timeout = consts.DefaultHandlerTimeout
	}

	return context.WithTimeout(req.Context(), timeout)
}

// DownloadAll accepts a batch of URLs and answers 202 with the job id.
func (r *Router) DownloadAll(w http.ResponseWriter, req *http.Request) {
	log := r.log.With(slog.String("handler", "DownloadAll"))

	ctx, cancel := r.handlerContext(req)
	defer cancel()

	if r.cfg.HTTP.MaxBodyBytes > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, r.cfg.HTTP.MaxBodyBytes)
	}

	var in request.DownloadAll
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		log.WarnContext(ctx, consts.RespInvalidRequestBody, slog.Any("error", err))
		response.BadRequest(w, consts.RespInvalidRequestBody, errs.ErrInvalidRequestBody)

		return
	}

	if err := in.Validate(); err != nil {
		log.WarnContext(ctx, consts.RespUnprocessableEntity, slog.Any("error", err))
		response.UnprocessableEntity(w, consts.RespUnprocessableEntity, err)

		return
	}

	job, err := r.svc.Submit(ctx, in.URLs)

	switch {
	case errors.Is(err, errs.ErrNoURLs), errors.Is(err, errs.ErrInvalidURL), errors.Is(err, errs.ErrTooManyURLs):
		log.WarnContext(ctx, consts.RespUnprocessableEntity, slog.Any("error", err))
		response.UnprocessableEntity(w, consts.RespUnprocessableEntity, err)

		return
	case errors.Is(err, errs.ErrServiceClosed), errors.Is(err, errs.ErrServiceNotStarted):
		log.WarnContext(ctx, consts.RespJobEnqueueFail, slog.Any("error", err))
		response.ServiceUnavailable(w, consts.RespJobEnqueueFail, err)

		return
	case err != nil:
		log.ErrorContext(ctx, consts.RespJobEnqueueFail, slog.Any("error", err))
		response.InternalServerError(w, consts.RespJobEnqueueFail, nil, err)

		return
	}

	log.InfoContext(ctx, consts.RespJobEnqueued, slog.String("job_id", job.ID), slog.Int("urls", len(job.URLs)))

	response.JobAccepted(w, consts.RespJobEnqueued, job.ID)
}

// Progress streams job snapshots as server-sent events until the job ends or disappears.
func (r *Router) Progress(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := req.PathValue("id")
	log := r.log.With(slog.String("handler", "Progress"), slog.String("job_id", id))

	rc := http.NewResponseController(w)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		log.ErrorContext(ctx, consts.RespStreamUnsupported, slog.Any("error", err))

		return
	}

	var seq uint64

	err := r.notifier.Stream(ctx, id, func(snapshot progress.Snapshot) error {
		seq++

		if err := sse.Encode(w, sse.Event{Id: strconv.FormatUint(seq, 10), Data: snapshot}); err != nil {
			return err
		}

		return rc.Flush()
	})
	if err != nil {
		log.WarnContext(ctx, "progress stream ended", slog.Any("error", err), slog.Uint64("events", seq))
	}
}

// Result serves the archive of a done job once, then removes the job dir.
func (r *Router) Result(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := req.PathValue("id")
	log := r.log.With(slog.String("handler", "Result"), slog.String("job_id", id))

	job, err := r.svc.ClaimResult(ctx, id)
	if errors.Is(err, errs.ErrJobNotFound) || errors.Is(err, errs.ErrJobNotReady) {
		log.DebugContext(ctx, consts.RespFileNotFound, slog.Any("error", err))
		response.NotFound(w, consts.RespFileNotFound, err)

		return
	}

	if err != nil {
		log.ErrorContext(ctx, consts.RespArchiveFail, slog.Any("error", err))
		response.InternalServerError(w, consts.RespArchiveFail, nil, err)

		return
	}

	defer r.svc.Release(context.WithoutCancel(ctx), job)

	file, err := os.Open(job.ZipPath)
	if err != nil {
		log.ErrorContext(ctx, consts.RespArchiveFail, slog.Any("error", err))
		response.NotFound(w, consts.RespFileNotFound, errs.ErrJobNotFound)

		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		log.ErrorContext(ctx, consts.RespArchiveFail, slog.Any("error", err))
		response.InternalServerError(w, consts.RespArchiveFail, nil, err)

		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": consts.ArchiveName,
	}))

	http.ServeContent(w, req, consts.ArchiveName, info.ModTime(), file)

	log.InfoContext(ctx, "archive served", slog.Int64("size", info.Size()))
}

func (r *Router) GetJob(w http.ResponseWriter, req *http.Request) {
	log := r.log.With(slog.String("handler", "GetJob"))

	ctx, cancel := r.handlerContext(req)
	defer cancel()

	id := req.PathValue("id")
	if id == "" {
		log.WarnContext(ctx, consts.RespQueryParamMissing)
		response.BadRequest(w, consts.RespQueryParamMissing, errs.ErrJobIDEmpty)

		return
	}

	job, err := r.svc.Get(ctx, id)
	if errors.Is(err, errs.ErrJobNotFound) {
		log.DebugContext(ctx, consts.RespJobNotFound, slog.String("job_id", id))
		response.NotFound(w, consts.RespJobNotFound, err)

		return
	}

	if err != nil {
		log.ErrorContext(ctx, consts.RespGetJobFail, slog.Any("error", err))
		response.InternalServerError(w, consts.RespGetJobFail, nil, err)

		return
	}

	response.OK(w, consts.RespJobRetrieved, job, nil)
}

func (r *Router) GetJobs(w http.ResponseWriter, req *http.Request) {
	log := r.log.With(slog.String("handler", "GetJobs"))

	ctx, cancel := r.handlerContext(req)
	defer cancel()

	jobs, err := r.svc.List(ctx)
	if errors.Is(err, errs.ErrNoJobs) {
		response.NoContent(w)

		return
	}

	if err != nil {
		log.ErrorContext(ctx, consts.RespGetJobsFail, slog.Any("error", err))
		response.InternalServerError(w, consts.RespGetJobsFail, nil, err)

		return
	}

	response.OK(w, consts.RespJobsRetrieved, jobs, nil)
}

func (r *Router) CancelJob(w http.ResponseWriter, req *http.Request) {
	log := r.log.With(slog.String("handler", "CancelJob"))

	ctx, cancel := r.handlerContext(req)
	defer cancel()

	id := req.PathValue("id")

	job, err := r.svc.Cancel(ctx, id)

	switch {
	case errors.Is(err, errs.ErrJobNotFound):
		response.NotFound(w, consts.RespJobNotFound, err)
	case errors.Is(err, errs.ErrJobFinished):
		response.Conflict(w, consts.RespJobAlreadyFinished, err)
	case err != nil:
		log.ErrorContext(ctx, consts.RespJobCancelFail, slog.Any("error", err))
		response.InternalServerError(w, consts.RespJobCancelFail, nil, err)
	default:
		log.InfoContext(ctx, consts.RespJobCancelled, slog.String("job_id", id))
		response.OK(w, consts.RespJobCancelled, job, nil)
	}
}
