package handlers

import (
	"encoding/json"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/gateway"
)

type ModelsHandler struct {
	models gateway.ModelSource
	logger *zap.Logger
}

func NewModelsHandler(models gateway.ModelSource, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{models: models, logger: logger}
}

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

// List is GET /v1/models, the OpenAI-shape catalog of active logical models.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := chimiddleware.GetReqID(r.Context())

	active, err := h.models.ActiveModels(r.Context())
	if err != nil {
		apierror.Write(w, requestID,
			apierror.Wrap(apierror.KindInternal, "failed to list models", err))
		return
	}

	out := modelList{Object: "list", Data: make([]modelObject, 0, len(active))}
	for _, m := range active {
		owner := m.Provider
		if owner == "" {
			owner = "organization"
		}
		out.Data = append(out.Data, modelObject{
			ID:      m.ID,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: owner,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Warn("failed to write model list", zap.Error(err))
	}
}
