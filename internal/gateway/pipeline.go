// Package gateway ties the admission pipeline to the dispatch state machine:
// every request is either rejected before any money moves, or admitted with
// a budget reservation that is settled exactly once.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/config"
	"github.com/ctenopoma/llm-gateway/internal/models"
	"github.com/ctenopoma/llm-gateway/internal/services/account"
	"github.com/ctenopoma/llm-gateway/internal/services/budget"
	"github.com/ctenopoma/llm-gateway/internal/services/contextcheck"
	"github.com/ctenopoma/llm-gateway/internal/services/delegation"
	"github.com/ctenopoma/llm-gateway/internal/services/key"
	"github.com/ctenopoma/llm-gateway/internal/services/proxy"
	"github.com/ctenopoma/llm-gateway/internal/services/ratelimit"
)

// SecretHeader carries the shared secret on delegated requests.
const SecretHeader = "X-Gateway-Secret"

// reservationWindow sizes the reservation TTL before an endpoint (and its
// timeout) is chosen.
const reservationWindow = 2 * time.Minute

// ModelSource resolves logical model rows.
type ModelSource interface {
	ModelByID(ctx context.Context, id string) (*models.Model, error)
	ActiveModels(ctx context.Context) ([]models.Model, error)
}

// Principal is the resolved identity a dispatch bills to.
type Principal struct {
	UserOID string
	// Key is nil on delegated (shared secret) traffic.
	Key   *models.APIKey
	AppID *string
	// DelegationSource records which channel named the principal, for the
	// usage record metadata.
	DelegationSource delegation.Source
}

// Admission is an admitted request: principal resolved, limits passed, and
// budget held. It must reach exactly one terminal settlement.
type Admission struct {
	RequestID      string
	Principal      Principal
	Model          *models.Model
	Request        *proxy.ChatRequest
	Payload        map[string]interface{}
	Reservation    *budget.Reservation
	EstInputTokens int
	EstimatedCost  float64
	Streaming      bool
	ClientIP       string
	UserAgent      string
	AdmittedAt     time.Time
}

type Pipeline struct {
	cfg      *config.Config
	keys     *key.Store
	accounts *account.Service
	limiter  *ratelimit.Limiter
	reserver *budget.Reserver
	models   ModelSource
	logger   *zap.Logger
}

func NewPipeline(cfg *config.Config, keys *key.Store, accounts *account.Service, limiter *ratelimit.Limiter, reserver *budget.Reserver, modelSource ModelSource, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		keys:     keys,
		accounts: accounts,
		limiter:  limiter,
		reserver: reserver,
		models:   modelSource,
		logger:   logger,
	}
}

// Admit runs the full admission pipeline. The request body has already been
// read; delegation extraction may rewrite the payload in place.
func (p *Pipeline) Admit(ctx context.Context, r *http.Request, requestID string, body []byte) (*Admission, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apierror.New(apierror.KindValidation, "request body is not valid JSON")
	}

	adm := &Admission{
		RequestID:  requestID,
		Payload:    payload,
		ClientIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
		AdmittedAt: time.Now(),
	}

	if err := p.resolvePrincipal(ctx, r, adm); err != nil {
		return nil, err
	}
	if err := p.applyRateLimit(ctx, adm); err != nil {
		return nil, err
	}
	if err := p.resolveModel(ctx, adm); err != nil {
		return nil, err
	}
	if err := p.validateContext(adm); err != nil {
		return nil, err
	}
	if err := p.reserveBudget(ctx, adm); err != nil {
		return nil, err
	}

	// An admission that raced the deadline must not dispatch.
	if ctx.Err() != nil {
		p.reserver.Release(context.WithoutCancel(ctx), adm.Reservation)
		return nil, admissionTimeout(ctx)
	}
	return adm, nil
}

func admissionTimeout(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return apierror.New(apierror.KindAdmissionTimeout, "admission checks did not finish in time")
	}
	return apierror.New(apierror.KindCancelled, "request cancelled")
}

// resolvePrincipal handles both credential schemes: bearer keys bill their
// owner, the shared secret admits registered apps delegating for a named
// user.
func (p *Pipeline) resolvePrincipal(ctx context.Context, r *http.Request, adm *Admission) error {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return p.resolveBearer(ctx, r, strings.TrimPrefix(authz, "Bearer "), adm)
	}
	if secret := r.Header.Get(SecretHeader); secret != "" {
		return p.resolveDelegated(ctx, r, secret, adm)
	}
	return apierror.New(apierror.KindUnauthorized, "missing credentials")
}

// resolveBearer authenticates the key, then runs the delegation channels: a
// named principal is billed instead of the key owner, while the key itself
// still carries the rate limit, budget, and model permissions. Without
// delegation parameters the owner is billed.
func (p *Pipeline) resolveBearer(ctx context.Context, r *http.Request, plaintext string, adm *Admission) error {
	k, err := p.keys.Resolve(ctx, plaintext)
	if err != nil {
		return err
	}
	if !k.IPAllowed(adm.ClientIP) {
		return apierror.New(apierror.KindForbidden, "source address not allowed for this key")
	}

	params, err := delegation.Extract(r, adm.Payload)
	if err != nil {
		return err
	}
	if params != nil {
		app, err := p.accounts.ResolveApp(ctx, params.AppID)
		if err != nil {
			return err
		}
		user, err := p.accounts.ResolveBillableUser(ctx, params.UserOID)
		if err != nil {
			return err
		}
		appID := app.AppID
		adm.Principal = Principal{
			UserOID:          user.OID,
			Key:              k,
			AppID:            &appID,
			DelegationSource: params.Source,
		}
		return nil
	}

	user, err := p.accounts.ResolveBillableUser(ctx, k.UserOID)
	if err != nil {
		return err
	}
	adm.Principal = Principal{UserOID: user.OID, Key: k}
	return nil
}

func (p *Pipeline) resolveDelegated(ctx context.Context, r *http.Request, secret string, adm *Admission) error {
	configured := p.cfg.Gateway.SharedSecret
	if configured == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(configured)) != 1 {
		return apierror.New(apierror.KindUnauthorized, "invalid gateway secret")
	}

	params, err := delegation.Extract(r, adm.Payload)
	if err != nil {
		return err
	}
	if params == nil {
		return apierror.New(apierror.KindUnauthorized,
			"delegated requests must name x_user_oid and x_app_id")
	}

	app, err := p.accounts.ResolveApp(ctx, params.AppID)
	if err != nil {
		return err
	}
	user, err := p.accounts.ResolveBillableUser(ctx, params.UserOID)
	if err != nil {
		return err
	}

	appID := app.AppID
	adm.Principal = Principal{
		UserOID:          user.OID,
		AppID:            &appID,
		DelegationSource: params.Source,
	}
	return nil
}

func (p *Pipeline) applyRateLimit(ctx context.Context, adm *Admission) error {
	if !p.cfg.RateLimit.Enabled {
		return nil
	}
	if k := adm.Principal.Key; k != nil {
		return p.limiter.Allow(ctx, ratelimit.KeyForAPIKey(k.ID.String()), k.RateLimitRPM)
	}
	return p.limiter.Allow(ctx,
		ratelimit.KeyForDelegation(*adm.Principal.AppID, adm.Principal.UserOID),
		p.cfg.RateLimit.RequestsPerMinute)
}

func (p *Pipeline) resolveModel(ctx context.Context, adm *Admission) error {
	req, err := proxy.ParseChatRequest(adm.Payload)
	if err != nil {
		return apierror.New(apierror.KindValidation, "request body is not a valid chat completion request")
	}
	adm.Request = req
	adm.Streaming = req.Stream

	modelID := req.Model
	if modelID == "" {
		modelID = p.cfg.Gateway.DefaultModel
	}
	if modelID == "" {
		return apierror.New(apierror.KindValidation, "model is required")
	}

	m, err := p.models.ModelByID(ctx, modelID)
	if err != nil {
		return apierror.Wrap(apierror.KindInternal, "internal server error", err)
	}
	if m == nil || !m.IsActive {
		return apierror.Newf(apierror.KindNotFound, "model %q is not available", modelID)
	}
	if k := adm.Principal.Key; k != nil && !k.ModelAllowed(m.ID) {
		return apierror.Newf(apierror.KindForbidden, "model %q is not allowed for this key", m.ID)
	}
	if req.Stream && !m.SupportsStreaming {
		return apierror.Newf(apierror.KindValidation, "model %q does not support streaming", m.ID)
	}

	adm.Model = m
	return nil
}

func (p *Pipeline) validateContext(adm *Admission) error {
	texts := make([]string, len(adm.Request.Messages))
	for i := range adm.Request.Messages {
		texts[i] = adm.Request.Messages[i].Text()
	}
	est, err := contextcheck.Validate(texts, adm.Request.MaxTokens, adm.Model)
	if err != nil {
		return err
	}
	adm.EstInputTokens = est
	return nil
}

func (p *Pipeline) reserveBudget(ctx context.Context, adm *Admission) error {
	maxOutput := adm.Model.EffectiveMaxOutput(adm.Request.MaxTokens)
	adm.EstimatedCost = budget.EstimateCost(adm.Model, adm.EstInputTokens, maxOutput)

	// Delegated traffic carries no key budget; the user-level monthly
	// rollups live with the billing collaborator.
	k := adm.Principal.Key
	if k == nil {
		return nil
	}

	res, err := p.reserver.Reserve(ctx, k, adm.EstimatedCost, reservationWindow)
	if err != nil {
		return err
	}
	adm.Reservation = res
	return nil
}

// KillSwitch returns the mid-stream budget check for an admission: a fresh
// read of the key row, with outstanding reservations folded in so the gate
// matches the admission check. Admissions without a key have no kill switch.
func (p *Pipeline) KillSwitch(adm *Admission) proxy.KillSwitch {
	k := adm.Principal.Key
	if k == nil || k.BudgetMonthly == nil {
		return nil
	}
	keyID := k.ID
	limit := *k.BudgetMonthly
	return func(ctx context.Context) error {
		fresh, err := p.keys.KeyByID(ctx, keyID)
		if err != nil || fresh == nil {
			// Never kill a live stream on a read hiccup.
			return nil
		}
		if !fresh.IsActive {
			return apierror.New(apierror.KindForbidden, "key was revoked")
		}
		pending, err := p.reserver.Pending(ctx, keyID, models.CurrentMonth(time.Now()))
		if err != nil {
			pending = 0
		}
		if fresh.UsageCurrentMonth+pending > limit {
			return apierror.New(apierror.KindBudgetExceeded, "monthly budget exhausted")
		}
		return nil
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
