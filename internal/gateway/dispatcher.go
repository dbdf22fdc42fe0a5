package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/middleware"
	"github.com/ctenopoma/llm-gateway/internal/models"
	"github.com/ctenopoma/llm-gateway/internal/services/balancer"
	"github.com/ctenopoma/llm-gateway/internal/services/endpoint"
	"github.com/ctenopoma/llm-gateway/internal/services/proxy"
)

// Outcome is the terminal result of a dispatch plus where it ran. ActualModel
// differs from the admitted model when a fallback served the request.
type Outcome struct {
	Result      *proxy.Result
	ActualModel *models.Model
	EndpointID  uuid.UUID
	Latency     time.Duration
	TTFT        *time.Duration
}

// Dispatcher walks the model chain (primary then fallbacks) and the ordered
// endpoint candidates within each model, retrying retriable failures until
// something answers, a failure reaches the client, or the chain is exhausted.
type Dispatcher struct {
	registry *endpoint.Registry
	balancer *balancer.Balancer
	engine   *proxy.Engine
	models   ModelSource
	logger   *zap.Logger
}

func NewDispatcher(registry *endpoint.Registry, lb *balancer.Balancer, engine *proxy.Engine, modelSource ModelSource, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		balancer: lb,
		engine:   engine,
		models:   modelSource,
		logger:   logger,
	}
}

// Dispatch executes an admitted request. Once any attempt has written to the
// client the outcome is final, whatever it was; before that point retriable
// failures move to the next candidate, then to the next model in the chain.
func (d *Dispatcher) Dispatch(ctx context.Context, adm *Admission, w http.ResponseWriter, kill proxy.KillSwitch) *Outcome {
	chain := d.modelChain(ctx, adm)

	var last *Outcome
	sawSaturated := false

	for _, m := range chain {
		candidates, err := d.balancer.Candidates(m.ID)
		if err != nil {
			last = failedOutcome(m, apierror.From(err))
			continue
		}

		attempts := 0
		maxAttempts := m.MaxRetries + 1
		for _, ep := range candidates {
			if attempts >= maxAttempts {
				break
			}
			if !ep.Acquire() {
				sawSaturated = true
				continue
			}
			attempts++

			out := d.attempt(ctx, adm, m, ep, w, kill)
			last = out

			if out.Result.Status != models.UsageStatusFailed ||
				!out.Result.Retriable || out.Result.WroteToClient {
				return out
			}
			d.logger.Warn("dispatch attempt failed, trying next candidate",
				zap.String("request_id", adm.RequestID),
				zap.String("model", m.ID),
				zap.String("endpoint", ep.ID().String()),
				zap.String("error", out.Result.Err.Code))
		}
	}

	if last != nil {
		return last
	}
	if sawSaturated {
		return failedOutcome(adm.Model, apierror.New(apierror.KindOverloaded,
			"all endpoints are at capacity"))
	}
	return failedOutcome(adm.Model, apierror.Newf(apierror.KindNoEndpoint,
		"no healthy endpoint for model %q", adm.Model.ID))
}

func (d *Dispatcher) attempt(ctx context.Context, adm *Admission, m *models.Model, ep *endpoint.Endpoint, w http.ResponseWriter, kill proxy.KillSwitch) *Outcome {
	defer ep.Release()

	start := time.Now()
	res := d.engine.Execute(ctx, &ep.Config, m, adm.Payload, adm.Streaming, w, kill)
	latency := time.Since(start)

	d.feedHealth(ep, res, latency)

	middleware.RecordDispatch(m.ID, string(ep.Config.EndpointType),
		string(res.Status), latency)
	if res.Status == models.UsageStatusCompleted {
		middleware.RecordTokens(m.ID, res.InputTokens, res.OutputTokens)
	}

	return &Outcome{
		Result:      res,
		ActualModel: m,
		EndpointID:  ep.ID(),
		Latency:     latency,
		TTFT:        res.TTFT,
	}
}

// feedHealth translates an attempt result into endpoint health state. Only
// endpoint-attributable failures count against it; client cancellations and
// mid-stream policy kills do not.
func (d *Dispatcher) feedHealth(ep *endpoint.Endpoint, res *proxy.Result, latency time.Duration) {
	now := time.Now()
	switch {
	case res.Status == models.UsageStatusCompleted:
		ep.RecordSuccess(latency, now)
	case res.Err != nil && endpointFault(res.Err):
		ep.RecordFailure(now)
	}
	middleware.SetEndpointHealth(ep.Config.ModelID, ep.Config.BaseURL,
		healthGauge(ep.Health()))
}

func endpointFault(err *apierror.Error) bool {
	switch err.Kind {
	case apierror.KindUpstream, apierror.KindUpstreamTimeout:
		return true
	default:
		return false
	}
}

func healthGauge(h models.HealthStatus) float64 {
	switch h {
	case models.HealthHealthy:
		return 1
	case models.HealthDegraded:
		return 0.5
	default:
		return 0
	}
}

// modelChain returns the admitted model followed by its usable fallbacks.
// Fallbacks must be active and, for key principals, on the key's allowlist;
// cycles are skipped.
func (d *Dispatcher) modelChain(ctx context.Context, adm *Admission) []*models.Model {
	chain := []*models.Model{adm.Model}
	seen := map[string]bool{adm.Model.ID: true}

	for _, id := range adm.Model.FallbackModels {
		if seen[id] {
			continue
		}
		seen[id] = true

		fb, err := d.models.ModelByID(ctx, id)
		if err != nil || fb == nil || !fb.IsActive {
			continue
		}
		if k := adm.Principal.Key; k != nil && !k.ModelAllowed(fb.ID) {
			continue
		}
		if adm.Streaming && !fb.SupportsStreaming {
			continue
		}
		chain = append(chain, fb)
	}
	return chain
}

func failedOutcome(m *models.Model, err *apierror.Error) *Outcome {
	return &Outcome{
		Result: &proxy.Result{
			Status: models.UsageStatusFailed,
			Err:    err,
		},
		ActualModel: m,
	}
}
