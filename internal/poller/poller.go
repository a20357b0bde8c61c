// Package poller is the fallback path for crypto invoices whose webhook never
// arrives. It periodically asks the provider about invoices that are still
// pending and feeds paid ones through the same reconciliation engine.
package poller

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/creditops/internal/cryptopay"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/reconcile"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var pollChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "creditops_poller_checks_total",
	Help: "Pending invoice status checks, by result",
}, []string{"result"})

type InvoiceSource interface {
	GetInvoice(ctx context.Context, invoiceID int64) (*cryptopay.Invoice, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, c domain.PaymentConfirmation) (reconcile.Outcome, error)
}

type Options struct {
	Interval time.Duration
	// Grace is how long an invoice is left to the webhook before polling.
	Grace time.Duration
	// MaxAge is when an unpaid invoice is given up on.
	MaxAge    time.Duration
	BatchSize int
}

func DefaultOptions() Options {
	return Options{
		Interval:  30 * time.Second,
		Grace:     time.Minute,
		MaxAge:    24 * time.Hour,
		BatchSize: 50,
	}
}

type Poller struct {
	tracker Tracker
	source  InvoiceSource
	engine  Reconciler
	logger  *zap.Logger
	opts    Options
	now     func() time.Time
}

func New(tracker Tracker, source InvoiceSource, engine Reconciler, logger *zap.Logger, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	return &Poller{
		tracker: tracker,
		source:  source,
		engine:  engine,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// Track registers a freshly created invoice for polling.
func (p *Poller) Track(ctx context.Context, inv *cryptopay.Invoice) error {
	return p.tracker.Track(ctx, inv.ID, p.now())
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("starting invoice status poller", zap.Duration("interval", p.opts.Interval))

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("invoice status poller stopping")
			return nil
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil {
				p.logger.Warn("poll pass failed", zap.Error(err))
			}
		}
	}
}

// PollOnce checks one batch of due invoices and returns how many were
// resolved, either credited, rejected or given up on.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	now := p.now()
	resolved := 0

	if p.opts.MaxAge > 0 {
		stale, err := p.tracker.Expired(ctx, now.Add(-p.opts.MaxAge), p.opts.BatchSize)
		if err != nil {
			return 0, err
		}
		for _, id := range stale {
			p.logger.Info("giving up on unpaid invoice", zap.Int64("invoice_id", id))
			pollChecks.WithLabelValues("stale").Inc()
			if err := p.tracker.Forget(ctx, id); err != nil {
				return resolved, err
			}
			resolved++
		}
	}

	due, err := p.tracker.Due(ctx, now.Add(-p.opts.Grace), p.opts.BatchSize)
	if err != nil {
		return resolved, err
	}
	for _, id := range due {
		if p.check(ctx, id) {
			resolved++
			continue
		}
		// Checked again once Grace has passed, after everything already due.
		if err := p.tracker.Defer(ctx, id, now); err != nil {
			p.logger.Warn("could not reschedule invoice", zap.Int64("invoice_id", id), zap.Error(err))
		}
	}
	return resolved, nil
}

func (p *Poller) check(ctx context.Context, id int64) bool {
	log := p.logger.With(zap.Int64("invoice_id", id))

	inv, err := p.source.GetInvoice(ctx, id)
	if err != nil {
		pollChecks.WithLabelValues("provider_error").Inc()
		log.Warn("invoice status check failed", zap.Error(err))
		return false
	}

	switch inv.Status {
	case cryptopay.StatusPaid:
	case cryptopay.StatusExpired:
		pollChecks.WithLabelValues("expired").Inc()
		p.forget(ctx, log, id)
		return true
	default:
		pollChecks.WithLabelValues("pending").Inc()
		return false
	}

	out, err := p.engine.Reconcile(ctx, inv.Confirmation())
	if err != nil {
		// Left tracked; the next pass retries.
		pollChecks.WithLabelValues("reconcile_error").Inc()
		log.Error("reconciling polled invoice failed", zap.Error(err))
		return false
	}
	pollChecks.WithLabelValues("paid").Inc()
	log.Info("polled invoice reconciled",
		zap.String("state", out.State.String()),
		zap.String("reason", out.Reason.String()),
		zap.Bool("replayed", out.Replayed),
	)
	p.forget(ctx, log, id)
	return true
}

func (p *Poller) forget(ctx context.Context, log *zap.Logger, id int64) {
	if err := p.tracker.Forget(ctx, id); err != nil {
		log.Warn("could not untrack invoice", zap.Error(err))
	}
}

// Settled removes an invoice that was resolved through its webhook.
func (p *Poller) Settled(ctx context.Context, invoiceID int64) {
	p.forget(ctx, p.logger.With(zap.Int64("invoice_id", invoiceID)), invoiceID)
}

type Issuer interface {
	CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal) (*cryptopay.Invoice, error)
}

// TrackingIssuer creates invoices and registers each one for polling.
type TrackingIssuer struct {
	issuer Issuer
	poller *Poller
}

func NewTrackingIssuer(issuer Issuer, p *Poller) *TrackingIssuer {
	return &TrackingIssuer{issuer: issuer, poller: p}
}

func (t *TrackingIssuer) CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal) (*cryptopay.Invoice, error) {
	inv, err := t.issuer.CreateInvoice(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	// The webhook still settles an untracked invoice.
	if err := t.poller.Track(ctx, inv); err != nil {
		t.poller.logger.Warn("could not track invoice", zap.Int64("invoice_id", inv.ID), zap.Error(err))
	}
	return inv, nil
}
