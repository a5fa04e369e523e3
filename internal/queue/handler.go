package queue

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/bissquit/postqueue/internal/pkg/ctxlog"
	"github.com/bissquit/postqueue/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrPostNotFound, Status: http.StatusNotFound, Code: "post_not_found", Message: "post not found"},
	{Error: ErrNotPending, Status: http.StatusConflict, Code: "not_pending", Message: "post is already published or rejected"},
	{Error: ErrAlreadyQueued, Status: http.StatusConflict, Code: "already_queued", Message: "submission is already queued"},
	{Error: ErrAlreadyPaid, Status: http.StatusConflict, Code: "already_paid", Message: "paid posts cannot be published out of order"},
	{Error: ErrNotHeld, Status: http.StatusConflict, Code: "not_held", Message: "post has no failed publish attempts"},
	{Error: ErrNoAnchor, Status: http.StatusConflict, Code: "no_anchor"},
	{Error: ErrInvalidSubmission, Status: http.StatusBadRequest, Code: "invalid_submission"},
	{Error: ErrLockNotAcquired, Status: http.StatusServiceUnavailable, Code: "queue_busy", Message: "queue is busy, retry later", RetryAfter: time.Second},
}

// Handler exposes queue administration over HTTP.
type Handler struct {
	controller *Controller
	validator  *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(controller *Controller) *Handler {
	return &Handler{
		controller: controller,
		validator:  httputil.NewValidator(),
	}
}

// RegisterRoutes registers queue routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/queue", h.GetQueue)
	r.Post("/queue/rebuild", h.RebuildQueue)

	r.Route("/posts", func(r chi.Router) {
		r.Get("/", h.FindPost)
		r.Post("/", h.ApprovePost)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(postLogger)
			r.Get("/", h.GetPost)
			r.Post("/publish-now", h.PublishNow)
			r.Post("/reject", h.RejectPost)
			r.Post("/requeue", h.RequeuePost)
			r.Post("/pay", h.PayPost)
		})
	})
}

// postLogger tags the request logger with the post id.
func postLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ctxlog.With(r.Context(), "post_id", chi.URLParam(r, "id"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// QueueResponse is the body of GET /queue.
type QueueResponse struct {
	Entries []QueueEntry `json:"entries"`
	Stats   QueueStats   `json:"stats"`
}

// GetQueue handles GET /queue.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	entries, stats, err := h.controller.Snapshot(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, QueueResponse{Entries: entries, Stats: stats})
}

// RebuildQueue handles POST /queue/rebuild.
func (h *Handler) RebuildQueue(w http.ResponseWriter, r *http.Request) {
	result, err := h.controller.Rebuild(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// ApprovePost handles POST /posts.
func (h *Handler) ApprovePost(w http.ResponseWriter, r *http.Request) {
	var req domain.Submission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, httputil.APIError{Code: "invalid_json", Message: "invalid json"})
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.controller.Approve(r.Context(), req)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, result)
}

// FindPost handles GET /posts?external_ref=.
func (h *Handler) FindPost(w http.ResponseWriter, r *http.Request) {
	ref, err := strconv.ParseInt(r.URL.Query().Get("external_ref"), 10, 64)
	if err != nil || ref <= 0 {
		httputil.Error(w, http.StatusBadRequest, "external_ref must be a positive integer")
		return
	}

	post, err := h.controller.Lookup(r.Context(), ref)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, post)
}

// GetPost handles GET /posts/{id}.
func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	post, err := h.controller.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, post)
}

// PublishNow handles POST /posts/{id}/publish-now.
func (h *Handler) PublishNow(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.controller.PublishNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, outcome)
}

// RejectPost handles POST /posts/{id}/reject.
func (h *Handler) RejectPost(w http.ResponseWriter, r *http.Request) {
	post, err := h.controller.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, post)
}

// RequeuePost handles POST /posts/{id}/requeue.
func (h *Handler) RequeuePost(w http.ResponseWriter, r *http.Request) {
	post, err := h.controller.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, post)
}

// PayPost handles POST /posts/{id}/pay.
func (h *Handler) PayPost(w http.ResponseWriter, r *http.Request) {
	result, err := h.controller.Pay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}
