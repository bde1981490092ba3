package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/curacare/fulfillment/internal/core/domain"
	"github.com/curacare/fulfillment/internal/core/service"
	"github.com/curacare/fulfillment/internal/port"
)

// HTTPHandler exposes the pipeline to the upstream agent/NLU layer. All
// responses are structured JSON; no user-facing text is generated here.
type HTTPHandler struct {
	orch     *service.Orchestrator
	refills  *service.RefillService
	dispatch *service.DispatchQueue
	catalog  port.CatalogRepository
	traces   port.TraceRecorder
	log      zerolog.Logger
}

func NewHTTPHandler(
	orch *service.Orchestrator,
	refills *service.RefillService,
	dispatch *service.DispatchQueue,
	catalog port.CatalogRepository,
	traces port.TraceRecorder,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		orch:     orch,
		refills:  refills,
		dispatch: dispatch,
		catalog:  catalog,
		traces:   traces,
		log:      log,
	}
}

// Register mounts all routes on the echo instance.
func (h *HTTPHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.POST("/api/orders", h.Submit)
	e.POST("/api/orders/confirm", h.Confirm)
	e.POST("/api/orders/cancel", h.Cancel)
	e.POST("/api/dispatch/ack", h.DispatchAck)
	e.GET("/api/refills/:patient_id", h.RefillAlerts)
	e.GET("/api/inventory/low-stock", h.LowStock)
	e.GET("/api/traces/:trace_id", h.Trace)
}

type submitRequest struct {
	PatientID             string `json:"patient_id"`
	MedicineID            string `json:"medicine_id"`
	MedicineName          string `json:"medicine_name"`
	Qty                   int    `json:"qty"`
	PrescriptionConfirmed bool   `json:"prescription_confirmed"`
	TraceID               string `json:"trace_id"`
	Locale                string `json:"locale"`
}

type confirmRequest struct {
	TraceID   string `json:"trace_id"`
	Confirmed bool   `json:"confirmed"`
}

type cancelRequest struct {
	TraceID string `json:"trace_id"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *HTTPHandler) Submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: service.RejectValidation, Message: "invalid request body"})
	}

	result, err := h.orch.Submit(c.Request().Context(), service.OrderRequest{
		PatientID:             req.PatientID,
		MedicineID:            req.MedicineID,
		MedicineName:          req.MedicineName,
		Qty:                   req.Qty,
		PrescriptionConfirmed: req.PrescriptionConfirmed,
		TraceID:               req.TraceID,
		Locale:                req.Locale,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("patient_id", req.PatientID).Msg("submit rejected")
		return c.JSON(http.StatusBadRequest, errorResponse{Code: service.RejectValidation, Message: err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

func (h *HTTPHandler) Confirm(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil || req.TraceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: service.RejectValidation, Message: "trace_id is required"})
	}

	result, err := h.orch.Confirm(c.Request().Context(), req.TraceID, req.Confirmed)
	if err != nil {
		return h.runError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *HTTPHandler) Cancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil || req.TraceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: service.RejectValidation, Message: "trace_id is required"})
	}

	result, err := h.orch.Cancel(c.Request().Context(), req.TraceID)
	if err != nil {
		return h.runError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// DispatchAck receives the warehouse acknowledgement. Fire and forget:
// repeated acks are accepted, unknown orders are a 404.
func (h *HTTPHandler) DispatchAck(c echo.Context) error {
	var ack domain.DispatchAck
	if err := c.Bind(&ack); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: service.RejectValidation, Message: "invalid request body"})
	}

	if err := h.dispatch.Ack(c.Request().Context(), ack); err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Code: "order_not_found", Message: "unknown order"})
		}
		h.log.Error().Err(err).Str("order_id", ack.OrderID).Msg("ack handling failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Code: "internal", Message: "internal error"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *HTTPHandler) RefillAlerts(c echo.Context) error {
	patientID := c.Param("patient_id")

	alerts, err := h.refills.AlertsForPatient(c.Request().Context(), patientID, time.Now())
	if err != nil {
		if errors.Is(err, domain.ErrPatientNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Code: "patient_not_found", Message: "unknown patient"})
		}
		h.log.Error().Err(err).Str("patient_id", patientID).Msg("refill query failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Code: "internal", Message: "internal error"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id": patientID,
		"refills":    alerts,
	})
}

func (h *HTTPHandler) LowStock(c echo.Context) error {
	meds, err := h.catalog.ListLowStock(c.Request().Context())
	if err != nil {
		h.log.Error().Err(err).Msg("low stock query failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Code: "internal", Message: "internal error"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"medicines": meds})
}

func (h *HTTPHandler) Trace(c echo.Context) error {
	traceID := c.Param("trace_id")
	spans := h.traces.ListByTrace(traceID)
	if len(spans) == 0 {
		return c.JSON(http.StatusNotFound, errorResponse{Code: "trace_not_found", Message: "no spans recorded for trace"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"trace_id": traceID,
		"spans":    spans,
	})
}

func (h *HTTPHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) runError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrRunNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Code: "run_not_found", Message: "no active run for trace"})
	case errors.Is(err, service.ErrNotConfirmable), errors.Is(err, service.ErrNotCancellable):
		return c.JSON(http.StatusConflict, errorResponse{Code: "invalid_state", Message: err.Error()})
	default:
		h.log.Error().Err(err).Msg("pipeline error")
		return c.JSON(http.StatusInternalServerError, errorResponse{Code: "internal", Message: "internal error"})
	}
}
