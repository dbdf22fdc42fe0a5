// Package budget enforces per-key monthly spend limits. Admitted requests
// hold a reservation in Redis (shared across replicas) so concurrent calls
// see each other's worst-case cost before any of them finishes; actual spend
// settles into postgres at commit time.
package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/models"
)

// reserveScript atomically checks limit against settled usage plus pending
// reservations and, if the request fits, adds the estimate to pending. The
// pending key carries a TTL so a crashed replica leaks a reservation for at
// most the request timeout plus grace.
var reserveScript = redis.NewScript(`
local pending = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local usage = tonumber(ARGV[2])
local estimate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
if limit >= 0 and usage + pending + estimate > limit then
  return {0, tostring(pending)}
end
local new_pending = redis.call('INCRBYFLOAT', KEYS[1], estimate)
redis.call('EXPIRE', KEYS[1], ttl)
return {1, new_pending}
`)

// releaseScript removes an estimate from pending, clamping at zero in case
// the pending key expired and was recreated mid-flight.
var releaseScript = redis.NewScript(`
local new_pending = tonumber(redis.call('INCRBYFLOAT', KEYS[1], ARGV[1]))
if new_pending <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// Store is the durable side of budget accounting.
type Store interface {
	// ResetMonth zeroes usage_current_month and stamps last_reset_month.
	ResetMonth(ctx context.Context, keyID uuid.UUID, month string) error
	// AddKeyUsage accumulates actual spend with a single column-expression
	// update, safe under concurrent committers.
	AddKeyUsage(ctx context.Context, keyID uuid.UUID, amount float64) error
}

// Reservation is a held slice of a key's monthly budget.
type Reservation struct {
	KeyID     uuid.UUID
	Month     string
	Estimated float64
	settled   bool
}

type Reserver struct {
	redis          *redis.Client
	store          Store
	logger         *zap.Logger
	grace          time.Duration
	softLimitRatio float64
	alerter        *Alerter
}

func NewReserver(redisClient *redis.Client, store Store, logger *zap.Logger, grace time.Duration, softLimitRatio float64, alerter *Alerter) *Reserver {
	if grace <= 0 {
		grace = time.Minute
	}
	return &Reserver{
		redis:          redisClient,
		store:          store,
		logger:         logger,
		grace:          grace,
		softLimitRatio: softLimitRatio,
		alerter:        alerter,
	}
}

func pendingKey(keyID uuid.UUID, month string) string {
	return fmt.Sprintf("budget:pending:%s:%s", keyID, month)
}

// Reserve admits a request against the key's monthly budget, performing the
// month rollover first when needed. The mutated key reflects post-rollover
// usage. A nil BudgetMonthly means unlimited; a reservation is still taken
// so commit/release stay uniform.
func (r *Reserver) Reserve(ctx context.Context, k *models.APIKey, estimated float64, requestTimeout time.Duration) (*Reservation, error) {
	month := models.CurrentMonth(time.Now())

	if k.LastResetMonth != month {
		if err := r.store.ResetMonth(ctx, k.ID, month); err != nil {
			return nil, apierror.Wrap(apierror.KindInternal, "internal server error", err)
		}
		k.UsageCurrentMonth = 0
		k.LastResetMonth = month
	}

	limit := -1.0
	if k.BudgetMonthly != nil {
		limit = *k.BudgetMonthly
	}
	ttl := int64((requestTimeout + r.grace) / time.Second)
	if ttl <= 0 {
		ttl = int64((2*time.Minute + r.grace) / time.Second)
	}

	res, err := reserveScript.Run(ctx, r.redis,
		[]string{pendingKey(k.ID, month)},
		limit, k.UsageCurrentMonth, estimated, ttl,
	).Slice()
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, "internal server error", err)
	}

	ok, _ := res[0].(int64)
	if ok != 1 {
		return nil, apierror.Newf(apierror.KindBudgetExceeded,
			"monthly budget of %.2f would be exceeded", limit)
	}

	if limit >= 0 && r.softLimitRatio > 0 {
		pendingAfter := parseFloat(res[1])
		if (k.UsageCurrentMonth+pendingAfter)/limit >= r.softLimitRatio {
			r.fireSoftLimitAlert(ctx, k, month, limit)
		}
	}

	return &Reservation{KeyID: k.ID, Month: month, Estimated: estimated}, nil
}

// Commit settles a reservation at the actual cost: the estimate leaves the
// pending pool and the actual lands in the durable monthly counter.
func (r *Reserver) Commit(ctx context.Context, res *Reservation, actual float64) error {
	if res == nil || res.settled {
		return nil
	}
	res.settled = true

	r.releasePending(ctx, res)
	if actual > 0 {
		if err := r.store.AddKeyUsage(ctx, res.KeyID, actual); err != nil {
			return fmt.Errorf("failed to settle usage for key %s: %w", res.KeyID, err)
		}
	}
	return nil
}

// Release abandons a reservation with zero charge, for failed or cancelled
// dispatches.
func (r *Reserver) Release(ctx context.Context, res *Reservation) {
	if res == nil || res.settled {
		return
	}
	res.settled = true
	r.releasePending(ctx, res)
}

func (r *Reserver) releasePending(ctx context.Context, res *Reservation) {
	err := releaseScript.Run(ctx, r.redis,
		[]string{pendingKey(res.KeyID, res.Month)},
		-res.Estimated,
	).Err()
	if err != nil {
		// The TTL bounds the leak; log and move on.
		r.logger.Warn("failed to release pending reservation",
			zap.String("key_id", res.KeyID.String()), zap.Error(err))
	}
}

// Pending exposes the current pending total for a key, for tests and
// introspection endpoints.
func (r *Reserver) Pending(ctx context.Context, keyID uuid.UUID, month string) (float64, error) {
	v, err := r.redis.Get(ctx, pendingKey(keyID, month)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (r *Reserver) fireSoftLimitAlert(ctx context.Context, k *models.APIKey, month string, limit float64) {
	if r.alerter == nil {
		return
	}
	// SETNX dedup: at most one alert per key per month per threshold.
	dedupeKey := fmt.Sprintf("budget:alert:%s:%s:%d", k.ID, month, int(r.softLimitRatio*100))
	set, err := r.redis.SetNX(ctx, dedupeKey, 1, 32*24*time.Hour).Result()
	if err != nil || !set {
		return
	}
	r.alerter.Fire(Alert{
		KeyID:     k.ID.String(),
		UserOID:   k.UserOID,
		Month:     month,
		Threshold: r.softLimitRatio,
		Usage:     k.UsageCurrentMonth,
		Limit:     limit,
	})
}

func parseFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case int64:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}
