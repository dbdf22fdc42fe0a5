// Package account validates billed users and delegating apps, and keeps the
// stored payment status in sync with the payment window on access.
package account

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/models"
)

// Store provides user and app rows from the durable store.
type Store interface {
	UserByOID(ctx context.Context, oid string) (*models.User, error)
	AppByID(ctx context.Context, appID string) (*models.App, error)
	// MarkExpired flips a user to expired; used when the payment window
	// lapses between admin syncs.
	MarkExpired(ctx context.Context, oid string) error
	// AddUserCost accumulates into total_cost_cache with a single
	// column-expression update.
	AddUserCost(ctx context.Context, oid string, amount float64) error
	// BulkExpireUsers expires every active/trial user whose payment window
	// has passed, returning the number of rows changed.
	BulkExpireUsers(ctx context.Context, now time.Time) (int64, error)
}

type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// ResolveBillableUser loads a user and enforces that requests may be billed
// to them. A lapsed payment window is synced to expired on the spot, so the
// stored status never stays optimistically stale.
func (s *Service) ResolveBillableUser(ctx context.Context, oid string) (*models.User, error) {
	user, err := s.store.UserByOID(ctx, oid)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, "internal server error", err)
	}
	if user == nil {
		return nil, apierror.New(apierror.KindUnauthorized, "unknown user")
	}

	now := time.Now()
	if user.PaymentLapsed(now) {
		if err := s.store.MarkExpired(ctx, user.OID); err != nil {
			s.logger.Warn("failed to sync lapsed user to expired",
				zap.String("user_oid", user.OID), zap.Error(err))
		}
		user.PaymentStatus = models.PaymentStatusExpired
	}

	if !user.Billable(now) {
		return nil, apierror.New(apierror.KindForbidden, "user is not billable")
	}
	return user, nil
}

// ResolveApp validates a delegating application.
func (s *Service) ResolveApp(ctx context.Context, appID string) (*models.App, error) {
	app, err := s.store.AppByID(ctx, appID)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, "internal server error", err)
	}
	if app == nil || !app.IsActive {
		return nil, apierror.New(apierror.KindForbidden, "unknown or disabled app")
	}
	return app, nil
}

// AddCost records a completed call's cost on the user aggregate.
func (s *Service) AddCost(ctx context.Context, oid string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	return s.store.AddUserCost(ctx, oid, amount)
}

// ExpireLapsedUsers is the worker-side bulk variant of the on-access sync.
func (s *Service) ExpireLapsedUsers(ctx context.Context) (int64, error) {
	n, err := s.store.BulkExpireUsers(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired lapsed users", zap.Int64("count", n))
	}
	return n, nil
}
