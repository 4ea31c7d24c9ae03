// Package budget raises alerts as a user's committed credits approach their
// tier allowance for the period.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/metrics"
	"github.com/felipepmaragno/adventure-engine/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	UserID     string
	Period     string
	Level      AlertLevel
	Allowance  int64
	Committed  int64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

// BalanceSource is satisfied by *ledger.Ledger.
type BalanceSource interface {
	Balance(ctx context.Context, userID string) (*domain.CreditBalance, error)
}

type Monitor struct {
	mu            sync.RWMutex
	balances      BalanceSource
	dedup         AlertDeduplicator
	alertHandlers []AlertHandler
	thresholds    Thresholds
}

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// ThresholdsFrom reads [warning, critical] as configured; missing entries
// keep their defaults.
func ThresholdsFrom(values []float64) Thresholds {
	th := DefaultThresholds()
	if len(values) > 0 {
		th.Warning = values[0]
	}
	if len(values) > 1 {
		th.Critical = values[1]
	}
	return th
}

// NewMonitor uses an in-memory deduplicator when dedup is nil.
func NewMonitor(balances BalanceSource, thresholds Thresholds, dedup AlertDeduplicator) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		balances:      balances,
		dedup:         dedup,
		thresholds:    thresholds,
		alertHandlers: make([]AlertHandler, 0),
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// Check evaluates the user's current period and dispatches at most one alert
// per user, period and level.
func (m *Monitor) Check(ctx context.Context, userID string) (*Alert, error) {
	bal, err := m.balances.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bal.Allowance <= 0 {
		return nil, nil
	}

	ratio := float64(bal.Committed) / float64(bal.Allowance)
	metrics.SetBudgetUsage(userID, min(ratio, 1))

	subject := userID + ":" + bal.Period

	var level AlertLevel
	switch {
	case ratio >= 1.0:
		level = AlertLevelExceeded
	case ratio >= m.thresholds.Critical:
		level = AlertLevelCritical
	case ratio >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.dedup.ClearAlert(ctx, subject)
		return nil, nil
	}

	if !m.dedup.ShouldAlert(ctx, subject, level) {
		return nil, nil
	}

	alert := &Alert{
		UserID:     userID,
		Period:     bal.Period,
		Level:      level,
		Allowance:  bal.Allowance,
		Committed:  bal.Committed,
		Percentage: ratio * 100,
		Timestamp:  time.Now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert, nil
}

func LogAlertHandler(alert Alert) {
	slog.Warn("credit alert",
		"user_id", alert.UserID,
		"period", alert.Period,
		"level", alert.Level,
		"allowance", alert.Allowance,
		"committed", alert.Committed,
		"percentage", alert.Percentage,
	)
}

// NotifyHandler forwards alerts to a notifier. Delivery failures are logged.
func NotifyHandler(n notifications.Notifier) AlertHandler {
	return func(alert Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := n.Send(ctx, notifications.CreditAlert(alert.UserID, string(alert.Level), map[string]any{
			"period":     alert.Period,
			"allowance":  alert.Allowance,
			"committed":  alert.Committed,
			"percentage": alert.Percentage,
		}))
		if err != nil {
			slog.Error("failed to send credit alert", "user_id", alert.UserID, "error", err)
		}
	}
}
