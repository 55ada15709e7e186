package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const lockComponentErrorBudget = "error_budget_state"

type ErrorBudgetParams struct {
	Enabled          bool
	SuccessThreshold float64
	MinimumRequests  int
	SampleWindow     time.Duration
	FreezeDuration   time.Duration
}

func DisabledErrorBudgetParams() ErrorBudgetParams {
	return ErrorBudgetParams{SuccessThreshold: 1}
}

func (p ErrorBudgetParams) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.SuccessThreshold <= 0 || p.SuccessThreshold > 1 {
		return fmt.Errorf("core: error budget threshold %v must be in (0, 1]", p.SuccessThreshold)
	}
	if p.MinimumRequests <= 0 {
		return fmt.Errorf("core: error budget minimum requests must be > 0")
	}
	if p.SampleWindow <= 0 || p.FreezeDuration <= 0 {
		return fmt.Errorf("core: error budget window and freeze must be > 0")
	}
	return nil
}

type RecordKind string

const (
	RecordNone            RecordKind = "none"
	RecordFreezeTriggered RecordKind = "freeze_triggered"
	RecordFreezeCleared   RecordKind = "freeze_cleared"
)

type RecordOutcome struct {
	Kind   RecordKind
	Freeze *FreezeReport
}

type observation struct {
	at      time.Time
	success bool
}

type ErrorBudgetStatus struct {
	Enabled     bool       `json:"enabled"`
	Frozen      bool       `json:"frozen"`
	FrozenUntil *time.Time `json:"frozen_until,omitempty"`
	SuccessRate float64    `json:"success_rate"`
	SampleSize  int        `json:"sample_size"`
	Threshold   float64    `json:"threshold"`
}

// ErrorBudget gates calls on the rolling success ratio.
type ErrorBudget struct {
	params          ErrorBudgetParams
	mu              sync.Mutex
	observations    []observation
	frozenUntil     *time.Time
	observeLockWait LockWaitObserver
}

func NewErrorBudget(params ErrorBudgetParams) (*ErrorBudget, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &ErrorBudget{params: params}, nil
}

func (b *ErrorBudget) SetLockObserver(observer LockWaitObserver) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.observeLockWait = observer
	b.mu.Unlock()
}

func (b *ErrorBudget) Enabled() bool {
	return b != nil && b.params.Enabled
}

func (b *ErrorBudget) lock() {
	started := time.Now()
	b.mu.Lock()
	if b.observeLockWait != nil {
		b.observeLockWait(lockComponentErrorBudget, time.Since(started))
	}
}

// Admit reports whether a freeze just thawed, or an ERROR_BUDGET_EXHAUSTED
// error while frozen.
func (b *ErrorBudget) Admit(now time.Time) (bool, error) {
	if !b.Enabled() {
		return false, nil
	}
	b.lock()
	defer b.mu.Unlock()
	b.purgeOld(now)
	if b.frozenUntil == nil {
		return false, nil
	}
	if now.Before(*b.frozenUntil) {
		rate, size := b.successRate()
		return false, NewBudgetExhaustedError(FreezeReport{
			Until:       *b.frozenUntil,
			SuccessRate: rate,
			SampleSize:  size,
		})
	}
	b.frozenUntil = nil
	return true, nil
}

func (b *ErrorBudget) Record(success bool, now time.Time) RecordOutcome {
	if !b.Enabled() {
		return RecordOutcome{Kind: RecordNone}
	}
	b.lock()
	defer b.mu.Unlock()
	b.purgeOld(now)

	thawed := false
	if b.frozenUntil != nil && !now.Before(*b.frozenUntil) {
		b.frozenUntil = nil
		thawed = true
	}
	b.observations = append(b.observations, observation{at: now, success: success})
	if thawed {
		return RecordOutcome{Kind: RecordFreezeCleared}
	}
	if b.frozenUntil != nil {
		return RecordOutcome{Kind: RecordNone}
	}

	rate, size := b.successRate()
	if size >= b.params.MinimumRequests && rate < b.params.SuccessThreshold {
		until := now.Add(b.params.FreezeDuration)
		b.frozenUntil = &until
		return RecordOutcome{Kind: RecordFreezeTriggered, Freeze: &FreezeReport{
			Until:       until,
			SuccessRate: rate,
			SampleSize:  size,
		}}
	}
	return RecordOutcome{Kind: RecordNone}
}

// Restore re-applies the most recent persisted freeze so a restart during an
// active freeze keeps rejecting calls.
func (b *ErrorBudget) Restore(ctx context.Context, history OutboxHistory, now time.Time) (bool, error) {
	if !b.Enabled() || history == nil {
		return false, nil
	}
	entry, ok, err := history.Latest(ctx, OutboxEventBudgetFrozen, OutboxEventBudgetCleared)
	if err != nil || !ok {
		return false, err
	}
	if entry.EventType != OutboxEventBudgetFrozen || entry.Freeze == nil {
		return false, nil
	}
	if !now.Before(entry.Freeze.Until) {
		return false, nil
	}
	b.lock()
	defer b.mu.Unlock()
	until := entry.Freeze.Until
	b.frozenUntil = &until
	return true, nil
}

func (b *ErrorBudget) Status(now time.Time) ErrorBudgetStatus {
	if b == nil {
		return ErrorBudgetStatus{SuccessRate: 1}
	}
	status := ErrorBudgetStatus{Enabled: b.params.Enabled, Threshold: b.params.SuccessThreshold}
	if !b.params.Enabled {
		status.SuccessRate = 1
		return status
	}
	b.lock()
	defer b.mu.Unlock()
	b.purgeOld(now)
	status.SuccessRate, status.SampleSize = b.successRate()
	if b.frozenUntil != nil && now.Before(*b.frozenUntil) {
		until := *b.frozenUntil
		status.Frozen = true
		status.FrozenUntil = &until
	}
	return status
}

func (b *ErrorBudget) purgeOld(now time.Time) {
	cut := 0
	for cut < len(b.observations) && now.Sub(b.observations[cut].at) > b.params.SampleWindow {
		cut++
	}
	if cut > 0 {
		b.observations = append(b.observations[:0], b.observations[cut:]...)
	}
}

func (b *ErrorBudget) successRate() (float64, int) {
	if len(b.observations) == 0 {
		return 1, 0
	}
	success := 0
	for _, obs := range b.observations {
		if obs.success {
			success++
		}
	}
	return float64(success) / float64(len(b.observations)), len(b.observations)
}

func NewBudgetExhaustedError(report FreezeReport) *goerrors.Error {
	return goerrors.New(
		fmt.Sprintf("inspector: error budget exhausted until %s", report.Until.UTC().Format(time.RFC3339)),
		goerrors.CategoryRateLimit,
	).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(InspectorErrorBudget).
		WithMetadata(map[string]any{
			"frozen_until": report.Until.UTC().Format(time.RFC3339Nano),
			"success_rate": report.SuccessRate,
			"sample_size":  report.SampleSize,
		})
}
