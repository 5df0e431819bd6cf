// Package heartbeat keeps an authenticated session honest: it enforces the optional
// auto-logout limit and otherwise asks the portal whether the session is still live.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bfotp/bfotp/internal/login"
)

const (
	// DefaultInterval is the cadence of Watch.
	DefaultInterval = time.Minute

	deadResultCode = 0

	errMessageAutoLogout      = "auto logout"
	errMessageStatusCheck     = "status check"
	logMessageAutoLogout      = "auto logout limit reached"
	logMessageHeartbeatFailed = "heartbeat failed"
	logFieldElapsed           = "elapsed"
	logFieldLimit             = "limit"
)

// Target is the slice of login.Controller a heartbeat needs.
type Target interface {
	AutoLogoutTTL() time.Duration
	AuthenticatedAt() time.Time
	Logout(ctx context.Context) error
	CheckStatus(ctx context.Context) (login.StatusResult, error)
}

// Result reports one heartbeat. ResultCode is nil when the session was expired locally
// and no status call was made.
type Result struct {
	Alive         bool
	Expired       bool
	ResultCode    *int
	ResultMessage string
}

// Config customizes a Monitor.
type Config struct {
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Monitor runs heartbeats against a Target.
type Monitor struct {
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

// NewMonitor applies defaults to configuration.
func NewMonitor(configuration Config) *Monitor {
	interval := configuration.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{interval: interval, clock: clock, logger: logger}
}

// Check logs the target out when its auto-logout limit has passed and reports it expired.
// Otherwise it repeats the login status check without touching the login state.
func (monitor *Monitor) Check(ctx context.Context, target Target) (Result, error) {
	ttl := target.AutoLogoutTTL()
	authenticatedAt := target.AuthenticatedAt()
	if ttl > 0 && !authenticatedAt.IsZero() {
		elapsed := monitor.clock().Sub(authenticatedAt)
		if elapsed > ttl {
			monitor.logger.Info(logMessageAutoLogout, zap.Duration(logFieldElapsed, elapsed), zap.Duration(logFieldLimit, ttl))
			if err := target.Logout(ctx); err != nil {
				return Result{Expired: true}, fmt.Errorf("%s: %w", errMessageAutoLogout, err)
			}
			return Result{Expired: true}, nil
		}
	}

	status, err := target.CheckStatus(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", errMessageStatusCheck, err)
	}
	resultCode := status.Result
	return Result{
		Alive:         resultCode != deadResultCode,
		ResultCode:    &resultCode,
		ResultMessage: status.ResultMessage,
	}, nil
}

// Watch runs Check on every interval until ctx ends or the session expires. onResult may be
// nil. Failed checks are logged and do not stop the loop.
func (monitor *Monitor) Watch(ctx context.Context, target Target, onResult func(Result, error)) error {
	ticker := time.NewTicker(monitor.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		result, err := monitor.Check(ctx, target)
		if err != nil {
			monitor.logger.Warn(logMessageHeartbeatFailed, zap.Error(err))
		}
		if onResult != nil {
			onResult(result, err)
		}
		if result.Expired {
			return nil
		}
	}
}
