package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/resilience"
	"zerodha-oms/internal/security"
	"zerodha-oms/internal/store"
)

// ForceExiter is the emergency liquidation entry point.
type ForceExiter interface {
	RequestForceExit(ctx context.Context, reason string) ([]models.OrderRecord, error)
}

// SubmitIntentRequest is the producer payload of POST /intents.
type SubmitIntentRequest struct {
	IntentType models.IntentType `json:"intent_type" binding:"required"`
	Payload    json.RawMessage   `json:"payload" binding:"required"`
	Reason     string            `json:"reason"`
	Source     string            `json:"source"`
}

// SubmitIntentResponse is the reply to POST /intents. IntentID is set
// when the intent was queued, Error when it was refused.
type SubmitIntentResponse struct {
	Accepted bool   `json:"accepted"`
	IntentID string `json:"intent_id,omitempty"`
	Error    *Error `json:"error,omitempty"`
}

// ForceExitRequest is the body of POST /risk/force-exit.
type ForceExitRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Handlers serves the intake API.
type Handlers struct {
	intents   store.IntentQueue
	orders    store.OrderStore
	risk      ForceExiter
	health    *resilience.HealthMonitor
	access    *security.AccessController
	audit     *security.AuditLogger
	validator *security.InputValidator
	logger    zerolog.Logger
}

func (h *Handlers) SubmitIntent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitIntentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, SubmitIntentResponse{
				Error: &Error{Code: ErrCodeBadRequest, Message: "Invalid request body"},
			})
			return
		}
		ctx := c.Request.Context()
		if err := h.access.CheckPermission(ctx, security.OpSubmitIntent); err != nil {
			refuseIntent(c, err)
			return
		}
		if err := h.checkIntent(req); err != nil {
			h.audit.LogInputValidation(ctx, "intent", string(req.IntentType), err.Error())
			refuseIntent(c, err)
			return
		}

		source := req.Source
		if source == "" {
			source = "api"
			if client := c.GetString(ctxClientID); client != "" {
				source = "api:" + client
			}
		}

		entry := &models.IntentEntry{
			IntentID: uuid.NewString(),
			Type:     req.IntentType,
			Payload:  req.Payload,
			Reason:   req.Reason,
			Source:   source,
		}
		log := logging.WithIntent(h.logger, entry.IntentID)
		if err := h.intents.EnqueueIntent(ctx, entry); err != nil {
			log.Error().Err(err).Msg("Enqueue failed")
			refuseIntent(c, err)
			return
		}
		h.audit.LogIntent(ctx, entry.IntentID, string(entry.Type), source)
		log.Info().
			Str("intent_type", string(entry.Type)).
			Str("source", source).
			Msg("Intent queued")

		c.JSON(http.StatusCreated, SubmitIntentResponse{Accepted: true, IntentID: entry.IntentID})
	}
}

// checkIntent rejects what no consumer could ever process. Leg semantics
// are checked by the consumer against live state.
func (h *Handlers) checkIntent(req SubmitIntentRequest) error {
	if !req.IntentType.Valid() {
		return fmt.Errorf("%w: unknown intent type %q", apperrors.ErrInvalidIntent, req.IntentType)
	}
	if err := h.validator.ValidateText("reason", req.Reason, 256); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidIntent, err)
	}
	if err := h.validator.ValidateText("source", req.Source, 64); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidIntent, err)
	}

	var payload models.IntentPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return fmt.Errorf("%w: payload: %v", apperrors.ErrInvalidIntent, err)
	}
	if len(payload.Legs) == 0 && req.IntentType != models.IntentStrategy {
		return fmt.Errorf("%w: payload has no legs", apperrors.ErrInvalidIntent)
	}
	return nil
}

func (h *Handlers) GetIntent() gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := h.intents.GetIntent(c.Request.Context(), c.Param("intent_id"))
		if err != nil {
			handle(c, nil, err)
			return
		}
		success(c, NewIntentView(*entry))
	}
}

func (h *Handlers) GetOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		rec, err := h.orders.GetOrder(ctx, c.Param("command_id"))
		if err != nil {
			handle(c, nil, err)
			return
		}
		events, err := h.orders.ListEvents(ctx, rec.CommandID)
		if err != nil {
			handle(c, nil, err)
			return
		}

		type eventView struct {
			From  models.OrderStatus `json:"from,omitempty"`
			To    models.OrderStatus `json:"to"`
			Event string             `json:"event"`
			Tag   string             `json:"tag,omitempty"`
			At    string             `json:"at"`
		}
		out := struct {
			OrderView
			Events []eventView `json:"events"`
		}{OrderView: NewOrderView(*rec), Events: make([]eventView, 0, len(events))}
		for _, ev := range events {
			out.Events = append(out.Events, eventView{
				From:  ev.FromStatus,
				To:    ev.ToStatus,
				Event: ev.Event,
				Tag:   ev.Tag,
				At:    ev.At.Format("2006-01-02T15:04:05.000Z07:00"),
			})
		}
		success(c, out)
	}
}

func (h *Handlers) ForceExit() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ForceExitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "reason is required")
			return
		}
		if err := h.validator.ValidateText("reason", req.Reason, 256); err != nil {
			badRequest(c, err.Error())
			return
		}

		reason := req.Reason
		if client := c.GetString(ctxClientID); client != "" {
			reason = fmt.Sprintf("%s (by %s)", reason, client)
		}

		// Partial registration still reports the legs that made it.
		recs, err := h.risk.RequestForceExit(c.Request.Context(), reason)
		if err != nil && len(recs) == 0 {
			handle(c, nil, err)
			return
		}
		legs := make([]OrderView, 0, len(recs))
		for _, r := range recs {
			legs = append(legs, NewOrderView(r))
		}
		out := gin.H{"legs": legs}
		if err != nil {
			out["error"] = err.Error()
		}
		success(c, out)
	}
}

func (h *Handlers) Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := h.health.Check(c.Request.Context())
		status := http.StatusOK
		if health.Status == resilience.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, Response{Success: status == http.StatusOK, Data: health})
	}
}
