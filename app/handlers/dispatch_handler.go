// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	businessflow "github.com/outboundlabs/dispatchd/business_flow"

	"github.com/outboundlabs/dispatchd/app/dto"
	"github.com/outboundlabs/dispatchd/app/scheduler"
	"github.com/outboundlabs/dispatchd/app/services"
)

// DispatchHandlerInterface defines the contract for dispatch handlers
type DispatchHandlerInterface interface {
	CreateDispatch(c fiber.Ctx) error
	IngestRecipients(c fiber.Ctx) error
	RunDispatch(c fiber.Ctx) error
	GetDispatchStatus(c fiber.Ctx) error
	PauseDispatch(c fiber.Ctx) error
	ResumeDispatch(c fiber.Ctx) error
	CancelDispatch(c fiber.Ctx) error
	RelayResults(c fiber.Ctx) error
	Health(c fiber.Ctx) error
}

// DispatchHandler handles dispatch-related HTTP requests
type DispatchHandler struct {
	dispatchFlow businessflow.DispatchFlow
	ingestFlow   businessflow.IngestFlow
	sched        *scheduler.DispatchScheduler
	relay        services.RelayClient
	dbPing       func(ctx context.Context) error
	cachePing    func(ctx context.Context) error
	validator    *validator.Validate
	logger       *log.Logger
}

// NewDispatchHandler creates a new dispatch handler
func NewDispatchHandler(
	dispatchFlow businessflow.DispatchFlow,
	ingestFlow businessflow.IngestFlow,
	sched *scheduler.DispatchScheduler,
	relay services.RelayClient,
	dbPing func(ctx context.Context) error,
	cachePing func(ctx context.Context) error,
	logger *log.Logger,
) *DispatchHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &DispatchHandler{
		dispatchFlow: dispatchFlow,
		ingestFlow:   ingestFlow,
		sched:        sched,
		relay:        relay,
		dbPing:       dbPing,
		cachePing:    cachePing,
		validator:    validator.New(),
		logger:       logger,
	}
}

func (h *DispatchHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *DispatchHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// CreateDispatch handles dispatch creation
func (h *DispatchHandler) CreateDispatch(c fiber.Ctx) error {
	var req dto.CreateDispatchRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	result, err := h.dispatchFlow.CreateDispatch(h.requestContext(c), &req)
	if err != nil {
		h.logger.Printf("Dispatch creation failed: %v", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Dispatch creation failed", "DISPATCH_CREATION_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Dispatch created", result)
}

// IngestRecipients handles bulk recipient ingestion for a dispatch
func (h *DispatchHandler) IngestRecipients(c fiber.Ctx) error {
	var req dto.IngestRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	// Ingestion may outlive the HTTP request (asynchronous tail), so the
	// synchronous part gets a generous timeout of its own.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := h.ingestFlow.Ingest(ctx, &req)
	if err != nil {
		if businessflow.IsDispatchNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Dispatch not found", "DISPATCH_NOT_FOUND", nil)
		}
		if errors.Is(err, businessflow.ErrDispatchNotIngestible) {
			return h.ErrorResponse(c, fiber.StatusConflict, "Dispatch is not accepting recipients", "DISPATCH_NOT_INGESTIBLE", nil)
		}
		h.logger.Printf("Ingestion failed: %v", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Ingestion failed", "INGESTION_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Recipients ingested", result)
}

// RunDispatch triggers execution of one dispatch by ID, or of every
// currently due dispatch when no ID is given
func (h *DispatchHandler) RunDispatch(c fiber.Ctx) error {
	var req dto.RunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
	}

	ctx := h.requestContext(c)

	if req.DispatchID == nil {
		result, err := h.sched.RunDue(ctx)
		if err != nil {
			h.logger.Printf("Run-due failed: %v", err)
			return h.ErrorResponse(c, fiber.StatusInternalServerError, "Run failed", "RUN_FAILED", nil)
		}
		return h.SuccessResponse(c, fiber.StatusOK, "Due dispatches processed", result)
	}

	result, err := h.sched.RunByID(ctx, *req.DispatchID)
	if err != nil {
		switch {
		case businessflow.IsDispatchNotFound(err):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Dispatch not found", "DISPATCH_NOT_FOUND", nil)
		case errors.Is(err, businessflow.ErrScheduleInFuture):
			return h.SuccessResponse(c, fiber.StatusOK, "Dispatch is not due yet", result)
		case businessflow.IsPreconditionFailure(err):
			return h.ErrorResponse(c, fiber.StatusConflict, "Dispatch cannot run", "RUN_PRECONDITION_FAILED", err.Error())
		case errors.Is(err, businessflow.ErrRelaySubmitFailed):
			return h.ErrorResponse(c, fiber.StatusBadGateway, "Relay submission failed", "RELAY_SUBMIT_FAILED", nil)
		default:
			h.logger.Printf("Run failed for dispatch %d: %v", *req.DispatchID, err)
			return h.ErrorResponse(c, fiber.StatusInternalServerError, "Run failed", "RUN_FAILED", nil)
		}
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Dispatch processed", result)
}

// GetDispatchStatus returns the progress snapshot of a dispatch
func (h *DispatchHandler) GetDispatchStatus(c fiber.Ctx) error {
	id, err := h.dispatchIDParam(c)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid dispatch ID", "INVALID_DISPATCH_ID", nil)
	}

	result, err := h.dispatchFlow.GetStatus(h.requestContext(c), id)
	if err != nil {
		if businessflow.IsDispatchNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Dispatch not found", "DISPATCH_NOT_FOUND", nil)
		}
		h.logger.Printf("Status read failed for dispatch %d: %v", id, err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Status read failed", "STATUS_READ_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Dispatch status", result)
}

// PauseDispatch pauses an in-progress dispatch
func (h *DispatchHandler) PauseDispatch(c fiber.Ctx) error {
	return h.lifecycleAction(c, "paused", h.dispatchFlow.Pause)
}

// ResumeDispatch resumes a paused dispatch and kicks off execution of
// the remaining pending recipients in the background
func (h *DispatchHandler) ResumeDispatch(c fiber.Ctx) error {
	id, err := h.dispatchIDParam(c)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid dispatch ID", "INVALID_DISPATCH_ID", nil)
	}

	if err := h.dispatchFlow.Resume(h.requestContext(c), id); err != nil {
		return h.lifecycleError(c, id, err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := h.sched.RunByID(ctx, id); err != nil {
			h.logger.Printf("Post-resume run of dispatch %d failed: %v", id, err)
		}
	}()

	return h.SuccessResponse(c, fiber.StatusOK, "Dispatch resumed", nil)
}

// CancelDispatch cancels a scheduled or paused dispatch
func (h *DispatchHandler) CancelDispatch(c fiber.Ctx) error {
	return h.lifecycleAction(c, "cancelled", h.dispatchFlow.Cancel)
}

func (h *DispatchHandler) lifecycleAction(c fiber.Ctx, verb string, action func(context.Context, uint) error) error {
	id, err := h.dispatchIDParam(c)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid dispatch ID", "INVALID_DISPATCH_ID", nil)
	}
	if err := action(h.requestContext(c), id); err != nil {
		return h.lifecycleError(c, id, err)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Dispatch "+verb, nil)
}

func (h *DispatchHandler) lifecycleError(c fiber.Ctx, id uint, err error) error {
	switch {
	case businessflow.IsDispatchNotFound(err):
		return h.ErrorResponse(c, fiber.StatusNotFound, "Dispatch not found", "DISPATCH_NOT_FOUND", nil)
	case businessflow.IsPreconditionFailure(err):
		return h.ErrorResponse(c, fiber.StatusConflict, "Dispatch is not in a valid state for this action", "INVALID_DISPATCH_STATE", err.Error())
	default:
		h.logger.Printf("Lifecycle action failed for dispatch %d: %v", id, err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Action failed", "ACTION_FAILED", nil)
	}
}

// RelayResults applies asynchronous per-recipient outcomes reported by
// the relay callback
func (h *DispatchHandler) RelayResults(c fiber.Ctx) error {
	var req dto.RelayResultsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	result, err := h.dispatchFlow.ApplyRelayResults(h.requestContext(c), &req)
	if err != nil {
		h.logger.Printf("Relay results application failed: %v", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to apply relay results", "RELAY_RESULTS_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Relay results applied", result)
}

// Health reports reachability of the engine's collaborators
func (h *DispatchHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := dto.HealthResponse{Status: "healthy"}

	if h.dbPing != nil {
		resp.Database = h.dbPing(ctx) == nil
	}
	resp.Relay = h.relay.Healthy(ctx)
	if h.cachePing != nil {
		ok := h.cachePing(ctx) == nil
		resp.Cache = &ok
	}

	status := fiber.StatusOK
	if !resp.Database || !resp.Relay {
		resp.Status = "degraded"
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(resp)
}

type cancelFuncKey struct{}

// requestContext builds a request-scoped context with a default timeout
// and observability values carried from the HTTP layer. The cancel
// function rides along in the context so the timeout resources are
// released when it expires.
func (h *DispatchHandler) requestContext(c fiber.Ctx) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	ctx = context.WithValue(ctx, requestIDKey{}, c.Get("X-Request-ID"))
	return context.WithValue(ctx, cancelFuncKey{}, cancel)
}

type requestIDKey struct{}

func (h *DispatchHandler) dispatchIDParam(c fiber.Ctx) (uint, error) {
	raw := c.Params("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid dispatch id")
	}
	return uint(id), nil
}

func validationMessages(err error) []string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fe.Field()+" failed validation: "+fe.Tag())
	}
	return msgs
}
