// Package reconcile turns payment confirmations from either backend into at
// most one ledger credit per real-world payment.
//
// Every confirmation walks Received -> Decoded -> Validated -> Credited ->
// Notified, or stops at Rejected before anything is written. Crediting is
// strict: a store failure is returned so the caller withholds its
// acknowledgement and the provider redelivers. Notifying is best-effort: a
// failure is logged and never undoes the credit.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/payload"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Metrics
var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditops_reconcile_outcomes_total",
		Help: "Payment confirmations processed, by kind, final state and rejection reason",
	}, []string{"kind", "state", "reason"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditops_notifications_total",
		Help: "Credit notifications, by result",
	}, []string{"result"})

	reconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditops_reconcile_duration_seconds",
		Help:    "Latency of reconciling one confirmation",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})
)

// Ledger is the durable balance store. IncrementBalance must apply a given
// idempotency key at most once, even under concurrent calls.
type Ledger interface {
	IncrementBalance(ctx context.Context, u domain.LedgerUpdate) (domain.ApplyResult, error)
	MarkNotified(ctx context.Context, key string, notifyErr error) error
}

// Notifier delivers a user-facing message.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

type Options struct {
	NotifyAttempts int
	NotifyBackoff  time.Duration
	// NotifyTimeout bounds a single attempt.
	NotifyTimeout time.Duration
	// NotifyBudget bounds all attempts and backoff together. It keeps the
	// webhook acknowledgement inside the providers' delivery timeouts.
	NotifyBudget time.Duration
}

func DefaultOptions() Options {
	return Options{
		NotifyAttempts: 3,
		NotifyBackoff:  500 * time.Millisecond,
		NotifyTimeout:  3 * time.Second,
		NotifyBudget:   8 * time.Second,
	}
}

// Outcome is the result of reconciling one confirmation.
type Outcome struct {
	State  State
	Reason Reason
	Intent domain.PaymentIntent
	Credit decimal.Decimal
	// Replayed is set when the idempotency key had already been applied.
	Replayed bool
	// NotifyErr is set when the credit committed but the user was not told.
	NotifyErr error
	Trace     []State
}

// Terminal reports whether the confirmation needs no redelivery.
func (o Outcome) Terminal() bool {
	return o.State == StateRejected || o.State == StateCredited || o.State == StateNotified
}

type Engine struct {
	ledger   Ledger
	notifier Notifier
	logger   *zap.Logger
	opts     Options
}

func NewEngine(ledger Ledger, notifier Notifier, logger *zap.Logger, opts Options) *Engine {
	if opts.NotifyAttempts < 1 {
		opts.NotifyAttempts = 1
	}
	return &Engine{ledger: ledger, notifier: notifier, logger: logger, opts: opts}
}

type event struct {
	conf   domain.PaymentConfirmation
	state  State
	trace  []State
	intent domain.PaymentIntent
	credit decimal.Decimal
	reason Reason

	replayed       bool
	notifyAttempts int
	notifyErr      error
	log            *zap.Logger
}

func (ev *event) finished() bool {
	switch ev.state {
	case StateNotified, StateRejected:
		return true
	case StateCredited:
		return ev.replayed || ev.notifyAttempts > 0
	}
	return false
}

type step func(ctx context.Context, ev *event) (State, error)

func (e *Engine) stepFor(s State) step {
	switch s {
	case StateReceived:
		return e.decode
	case StateDecoded:
		return e.validate
	case StateValidated:
		return e.credit
	case StateCredited:
		return e.notify
	}
	return nil
}

// Reconcile drives a confirmation through the state machine. A non-nil error
// means the event did not reach a terminal state and must not be
// acknowledged; the returned Outcome still describes how far it got.
func (e *Engine) Reconcile(ctx context.Context, c domain.PaymentConfirmation) (Outcome, error) {
	timer := prometheus.NewTimer(reconcileDuration.WithLabelValues(c.Kind.String()))
	defer timer.ObserveDuration()

	ev := &event{
		conf:  c,
		state: StateReceived,
		trace: []State{StateReceived},
		log:   e.logger.With(zap.String("kind", c.Kind.String()), zap.String("idempotency_key", c.IdempotencyKey)),
	}

	var err error
	for !ev.finished() {
		run := e.stepFor(ev.state)
		if run == nil {
			err = fmt.Errorf("no step for state %s", ev.state)
			break
		}
		next, stepErr := run(ctx, ev)
		if stepErr != nil {
			err = stepErr
			break
		}
		if next == ev.state {
			continue
		}
		if !canTransition(ev.state, next) {
			err = fmt.Errorf("invalid transition %s -> %s", ev.state, next)
			break
		}
		ev.state = next
		ev.trace = append(ev.trace, next)
	}

	out := Outcome{
		State:     ev.state,
		Reason:    ev.reason,
		Intent:    ev.intent,
		Credit:    ev.credit,
		Replayed:  ev.replayed,
		NotifyErr: ev.notifyErr,
		Trace:     ev.trace,
	}
	stateLabel := out.State.String()
	if err != nil {
		stateLabel = "error"
	}
	outcomesTotal.WithLabelValues(c.Kind.String(), stateLabel, out.Reason.String()).Inc()
	return out, err
}

func (e *Engine) reject(ev *event, reason Reason, cause error) (State, error) {
	ev.reason = reason
	ev.log.Warn("payment event rejected",
		zap.String("reason", reason.String()),
		zap.String("payload", ev.conf.Payload),
		zap.Error(cause),
	)
	return StateRejected, nil
}

func (e *Engine) decode(ctx context.Context, ev *event) (State, error) {
	intent, err := payload.Decode(ev.conf.Payload)
	if err != nil {
		return e.reject(ev, reasonForDecodeError(err), err)
	}
	if intent.Kind != ev.conf.Kind {
		return e.reject(ev, ReasonKindMismatch,
			fmt.Errorf("payload kind %s on %s confirmation", intent.Kind, ev.conf.Kind))
	}
	ev.intent = intent
	return StateDecoded, nil
}

func (e *Engine) validate(ctx context.Context, ev *event) (State, error) {
	if ev.conf.Status != domain.StatusPaid {
		return e.reject(ev, ReasonNotPaid, fmt.Errorf("status %s", ev.conf.Status))
	}
	if ev.conf.IdempotencyKey == "" {
		return e.reject(ev, ReasonMissingIdempotencyKey, nil)
	}

	// The Stars completion event is authoritative; only crypto webhooks carry
	// an independent amount to check against.
	if ev.intent.Kind == domain.KindCryptoInvoice {
		reported := ev.conf.ProviderAmount
		if reported == nil || !reported.Equal(ev.intent.DeclaredAmount) {
			got := "<missing>"
			if reported != nil {
				got = reported.String()
			}
			return e.reject(ev, ReasonAmountMismatch,
				fmt.Errorf("declared %s, provider reported %s: %w", ev.intent.DeclaredAmount, got, domain.ErrAmountMismatch))
		}
	}

	ev.credit = ev.intent.CreditAmount()
	return StateValidated, nil
}

func (e *Engine) credit(ctx context.Context, ev *event) (State, error) {
	res, err := e.ledger.IncrementBalance(ctx, domain.LedgerUpdate{
		UserID:         ev.intent.UserID,
		Delta:          ev.credit,
		IdempotencyKey: ev.conf.IdempotencyKey,
		Kind:           ev.intent.Kind,
		Payload:        ev.intent.RawPayload,
	})
	if err != nil {
		ev.log.Error("ledger increment failed", zap.Int64("user_id", ev.intent.UserID), zap.Error(err))
		return ev.state, fmt.Errorf("credit %s: %w", ev.conf.IdempotencyKey, err)
	}

	if res == domain.AlreadyApplied {
		ev.replayed = true
		ev.log.Info("duplicate confirmation skipped", zap.Int64("user_id", ev.intent.UserID))
	} else {
		ev.log.Info("balance credited",
			zap.Int64("user_id", ev.intent.UserID),
			zap.String("delta", ev.credit.String()),
		)
	}
	return StateCredited, nil
}

func (e *Engine) notify(ctx context.Context, ev *event) (State, error) {
	// The credit is committed; request cancellation must not cut the
	// notification short, only the budget does.
	detached := context.WithoutCancel(ctx)
	sendCtx := detached
	if e.opts.NotifyBudget > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(detached, e.opts.NotifyBudget)
		defer cancel()
	}

	chatID := ev.conf.ChatID
	if chatID == 0 {
		chatID = ev.intent.UserID
	}
	text := CreditMessage(ev.intent, ev.credit)

	var err error
	for attempt := 1; attempt <= e.opts.NotifyAttempts; attempt++ {
		ev.notifyAttempts = attempt
		err = e.sendOnce(sendCtx, chatID, text)
		if err == nil {
			break
		}
		ev.log.Warn("notification attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == e.opts.NotifyAttempts || !wait(sendCtx, time.Duration(attempt)*e.opts.NotifyBackoff) {
			break
		}
	}

	if markErr := e.ledger.MarkNotified(detached, ev.conf.IdempotencyKey, err); markErr != nil {
		ev.log.Warn("recording notification outcome failed", zap.Error(markErr))
	}

	if err != nil {
		notificationsTotal.WithLabelValues("failed").Inc()
		ev.notifyErr = fmt.Errorf("%w: %w", domain.ErrNotificationFailed, err)
		ev.log.Error("user not notified of credit", zap.Int64("chat_id", chatID), zap.Error(err))
		return StateCredited, nil
	}
	notificationsTotal.WithLabelValues("sent").Inc()
	return StateNotified, nil
}

func (e *Engine) sendOnce(ctx context.Context, chatID int64, text string) error {
	if e.opts.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.NotifyTimeout)
		defer cancel()
	}
	return e.notifier.Notify(ctx, chatID, text)
}

// wait sleeps for d and reports false if ctx ends first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// CreditMessage is the confirmation text sent after a successful credit.
func CreditMessage(intent domain.PaymentIntent, credit decimal.Decimal) string {
	if intent.Kind == domain.KindStarsPayment {
		return fmt.Sprintf("✅ Payment received: %s ⭐\nYour balance was topped up by %s ₽.",
			intent.DeclaredAmount, credit)
	}
	return fmt.Sprintf("✅ Payment received.\nYour balance was topped up by %s ₽.", credit)
}
