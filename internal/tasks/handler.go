package tasks

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskearn/backend/internal/middleware"
	"github.com/taskearn/backend/internal/respond"
	"github.com/taskearn/backend/internal/validation"
)

// Handler serves /api/tasks.
type Handler struct {
	svc       Service
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, validator *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

var errorRules = []respond.Rule{
	{Err: ErrTaskNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND"},
	{Err: ErrSubmissionNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND"},
	{Err: ErrNotTaskOwner, Status: http.StatusForbidden, Code: "FORBIDDEN"},
	{Err: ErrTaskStateConflict, Status: http.StatusConflict, Code: "CONFLICT"},
	{Err: ErrTaskFull, Status: http.StatusConflict, Code: "TASK_FULL"},
	{Err: ErrAlreadySubmitted, Status: http.StatusConflict, Code: "ALREADY_SUBMITTED"},
	{Err: ErrSubmissionReviewed, Status: http.StatusConflict, Code: "CONFLICT"},
	{Err: ErrOwnTask, Status: http.StatusBadRequest, Code: "OWN_TASK"},
	{Err: ErrInvalidTask, Status: http.StatusBadRequest, Code: "VALIDATION_ERROR"},
	{Err: ErrProofMismatch, Status: http.StatusBadRequest, Code: "VALIDATION_ERROR"},
}

// ErrorRules lets other handlers that call the task service map its errors.
func ErrorRules() []respond.Rule { return errorRules }

func (h *Handler) fail(w http.ResponseWriter, err error) {
	respond.Error(w, h.log, err, errorRules...)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		respond.Fail(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// GET /api/tasks
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	p := respond.ParsePage(r)
	list, total, err := h.svc.ListActive(r.Context(), p.Limit, p.Offset())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, respond.NewPaged(list, p, total))
}

// GET /api/tasks/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, t)
}

// POST /api/tasks
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	var in CreateInput
	if err := h.validator.Decode(r, validation.CreateTask, &in); err != nil {
		h.fail(w, err)
		return
	}
	t, err := h.svc.Create(r.Context(), caller.UserID, in)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, t)
}

// GET /api/tasks/my-tasks
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	p := respond.ParsePage(r)
	list, total, err := h.svc.ListByCreator(r.Context(), caller.UserID, p.Limit, p.Offset())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, respond.NewPaged(list, p, total))
}

// POST /api/tasks/{id}/pause and /resume
func (h *Handler) SetPaused(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		caller := middleware.IdentityFromCtx(r.Context())
		t, err := h.svc.SetPaused(r.Context(), id, caller.UserID, paused)
		if err != nil {
			h.fail(w, err)
			return
		}
		respond.JSON(w, http.StatusOK, t)
	}
}

// POST /api/tasks/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	caller := middleware.IdentityFromCtx(r.Context())
	t, err := h.svc.Cancel(r.Context(), id, caller.UserID)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, t)
}

// POST /api/tasks/{id}/submit
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	caller := middleware.IdentityFromCtx(r.Context())
	var in SubmitInput
	if err := h.validator.Decode(r, validation.SubmitProof, &in); err != nil {
		h.fail(w, err)
		return
	}
	sub, err := h.svc.Submit(r.Context(), id, caller.UserID, in)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, sub)
}

// GET /api/tasks/my-submissions
func (h *Handler) ListMySubmissions(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	p := respond.ParsePage(r)
	list, total, err := h.svc.ListMySubmissions(r.Context(), caller.UserID, p.Limit, p.Offset())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, respond.NewPaged(list, p, total))
}

// GET /api/tasks/{id}/submissions
func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	caller := middleware.IdentityFromCtx(r.Context())
	p := respond.ParsePage(r)
	list, total, err := h.svc.ListSubmissions(r.Context(), id, caller.UserID, p.Limit, p.Offset())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, respond.NewPaged(list, p, total))
}

type reviewSubmissionRequest struct {
	Status          string  `json:"status"`
	RejectionReason *string `json:"rejectionReason"`
}

// PATCH /api/tasks/{id}/submissions/{subId}
func (h *Handler) ReviewSubmission(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	subID, ok := pathID(w, r, "subId")
	if !ok {
		return
	}
	caller := middleware.IdentityFromCtx(r.Context())
	var req reviewSubmissionRequest
	if err := h.validator.Decode(r, validation.ReviewSubmission, &req); err != nil {
		h.fail(w, err)
		return
	}
	sub, err := h.svc.ReviewSubmission(r.Context(), taskID, subID, caller.UserID, req.Status == "approved", req.RejectionReason)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sub)
}
