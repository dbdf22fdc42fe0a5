// Package handlers holds the HTTP edge of the gateway: the chat completions
// proxy, the model listing, and the probe endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/config"
	"github.com/ctenopoma/llm-gateway/internal/gateway"
	"github.com/ctenopoma/llm-gateway/internal/middleware"
	"github.com/ctenopoma/llm-gateway/internal/models"
	"github.com/ctenopoma/llm-gateway/internal/services/account"
	"github.com/ctenopoma/llm-gateway/internal/services/budget"
	"github.com/ctenopoma/llm-gateway/internal/services/usage"
)

type ChatHandler struct {
	cfg        *config.Config
	pipeline   *gateway.Pipeline
	dispatcher *gateway.Dispatcher
	reserver   *budget.Reserver
	accounts   *account.Service
	recorder   *usage.Recorder
	logger     *zap.Logger
}

func NewChatHandler(cfg *config.Config, pipeline *gateway.Pipeline, dispatcher *gateway.Dispatcher, reserver *budget.Reserver, accounts *account.Service, recorder *usage.Recorder, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		cfg:        cfg,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		reserver:   reserver,
		accounts:   accounts,
		recorder:   recorder,
		logger:     logger,
	}
}

// Completions is POST /v1/chat/completions. Admission runs under its own
// deadline; dispatch runs under the client's context so a disconnect cancels
// the upstream call.
func (h *ChatHandler) Completions(w http.ResponseWriter, r *http.Request) {
	requestID := chimiddleware.GetReqID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierror.Write(w, requestID, apierror.Newf(apierror.KindValidation,
				"request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		apierror.Write(w, requestID, apierror.Wrap(apierror.KindValidation,
			"failed to read request body", err))
		return
	}

	admCtx, cancel := context.WithTimeout(r.Context(), h.cfg.Server.AdmissionTimeout)
	adm, err := h.pipeline.Admit(admCtx, r, requestID, body)
	cancel()
	if err != nil {
		apiErr := apierror.From(err)
		if admCtx.Err() == context.DeadlineExceeded && apiErr.Kind == apierror.KindInternal {
			apiErr = apierror.New(apierror.KindAdmissionTimeout,
				"admission checks did not finish in time")
		}
		middleware.RecordAdmissionReject(string(apiErr.Kind))
		apierror.Write(w, requestID, apiErr)
		return
	}

	sw := middleware.NewStreamingResponseWriter(w)
	out := h.dispatcher.Dispatch(r.Context(), adm, sw, h.pipeline.KillSwitch(adm))
	h.finalize(r.Context(), adm, out, sw, requestID)
}

// finalize settles the reservation exactly once, writes the usage record, and
// delivers the error envelope when nothing has reached the client yet.
func (h *ChatHandler) finalize(reqCtx context.Context, adm *gateway.Admission, out *gateway.Outcome, sw *middleware.StreamingResponseWriter, requestID string) {
	// The client may already be gone; settlement and the usage record still
	// have to land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), 10*time.Second)
	defer cancel()

	res := out.Result
	var cost float64

	switch res.Status {
	case models.UsageStatusCompleted:
		inputTokens := res.InputTokens
		if inputTokens == 0 {
			inputTokens = adm.EstInputTokens
			res.InputTokens = inputTokens
		}
		cost = out.ActualModel.CostFor(inputTokens, res.OutputTokens)
		if err := h.reserver.Commit(ctx, adm.Reservation, cost); err != nil {
			h.logger.Error("failed to commit budget reservation",
				zap.String("request_id", requestID), zap.Error(err))
		}
		if err := h.accounts.AddCost(ctx, adm.Principal.UserOID, cost); err != nil {
			h.logger.Error("failed to accumulate user cost",
				zap.String("request_id", requestID), zap.Error(err))
		}
	default:
		h.reserver.Release(ctx, adm.Reservation)
		if res.Status == models.UsageStatusFailed && !res.WroteToClient && !sw.WroteAnything() {
			apierror.Write(sw, requestID, res.Err)
		}
	}

	if err := h.recorder.Record(ctx, h.buildRecord(adm, out, cost, requestID)); err != nil {
		h.logger.Error("usage record lost",
			zap.String("request_id", requestID), zap.Error(err))
	}
}

func (h *ChatHandler) buildRecord(adm *gateway.Admission, out *gateway.Outcome, cost float64, requestID string) *models.UsageRecord {
	res := out.Result
	rec := &models.UsageRecord{
		RequestID:      requestID,
		UserOID:        adm.Principal.UserOID,
		AppID:          adm.Principal.AppID,
		IPAddress:      adm.ClientIP,
		UserAgent:      adm.UserAgent,
		RequestedModel: adm.Model.ID,
		ActualModel:    out.ActualModel.ID,
		Streamed:          adm.Streaming,
		InputTokens:       res.InputTokens,
		OutputTokens:      res.OutputTokens,
		CacheCreateTokens: res.CacheCreateTokens,
		CacheReadTokens:   res.CacheReadTokens,
		Cost:           cost,
		Status:         res.Status,
		LatencyMS:      out.Latency.Milliseconds(),
	}
	if k := adm.Principal.Key; k != nil {
		keyID := k.ID
		rec.APIKeyID = &keyID
	}
	if out.EndpointID != uuid.Nil {
		epID := out.EndpointID
		rec.EndpointID = &epID
	}
	if out.TTFT != nil {
		ttft := out.TTFT.Milliseconds()
		rec.TTFTMS = &ttft
	}
	if res.Err != nil {
		rec.ErrorCode = res.Err.Code
		rec.ErrorMessage = res.Err.Message
	}
	if adm.Principal.DelegationSource != "" {
		if meta, err := json.Marshal(map[string]string{
			"delegation_source": string(adm.Principal.DelegationSource),
		}); err == nil {
			rec.Metadata = meta
		}
	}
	return rec
}
