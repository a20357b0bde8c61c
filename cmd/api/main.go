package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/punchamoorthee/creditops/internal/api"
	"github.com/punchamoorthee/creditops/internal/bot"
	"github.com/punchamoorthee/creditops/internal/config"
	"github.com/punchamoorthee/creditops/internal/cryptopay"
	"github.com/punchamoorthee/creditops/internal/poller"
	"github.com/punchamoorthee/creditops/internal/reconcile"
	"github.com/punchamoorthee/creditops/internal/store"
	"github.com/punchamoorthee/creditops/internal/telegram"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// invoiceProvider creates invoices through the poller so they are tracked,
// and answers lookups and signature checks from the provider client.
type invoiceProvider struct {
	*cryptopay.Client
	issuer *poller.TrackingIssuer
}

func (p invoiceProvider) CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal) (*cryptopay.Invoice, error) {
	return p.issuer.CreateInvoice(ctx, userID, amount)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := config.NewLogger(cfg.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := store.MigrateUp(cfg.DBSource); err != nil {
		return err
	}

	db, err := store.NewStore(ctx, cfg.DBSource, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	botAPI, err := telegram.NewBotAPI(telegram.Config{Token: cfg.TelegramToken, Timeout: cfg.OutboundTimeout})
	if err != nil {
		return err
	}
	messenger := telegram.NewAdapter(botAPI, logger)

	cryptoPay := cryptopay.NewClient(cryptopay.Config{
		Token:   cfg.CryptoPayToken,
		BaseURL: cfg.CryptoPayBaseURL,
		Fiat:    cfg.CryptoPayFiat,
		Timeout: cfg.OutboundTimeout,
	})

	var tracker poller.Tracker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		tracker = poller.NewRedisTracker(rdb)
	} else {
		logger.Warn("REDIS_ADDR not set, pending invoices are tracked in memory")
		tracker = poller.NewMemoryTracker()
	}

	engineOpts := reconcile.DefaultOptions()
	engineOpts.NotifyAttempts = cfg.NotifyAttempts
	engineOpts.NotifyTimeout = cfg.NotifyTimeout
	engineOpts.NotifyBudget = cfg.NotifyBudget
	engine := reconcile.NewEngine(db, messenger, logger, engineOpts)

	pollOpts := poller.DefaultOptions()
	pollOpts.Interval = cfg.PollInterval
	pending := poller.New(tracker, cryptoPay, engine, logger, pollOpts)
	issuer := poller.NewTrackingIssuer(cryptoPay, pending)

	dispatcher := bot.NewDispatcher(messenger, issuer, engine, db, logger)

	if cfg.SkipSignature {
		logger.Warn("crypto webhook signatures are not checked, every delivery is confirmed with the provider")
	}

	handler := api.NewHandler(
		engine,
		db,
		invoiceProvider{Client: cryptoPay, issuer: issuer},
		dispatcher,
		pending,
		logger,
		api.Options{
			InsecureSkipSignature: cfg.SkipSignature,
			TelegramSecret:        cfg.TelegramSecret,
			AdminToken:            cfg.AdminToken,
		},
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler.Routes(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return pending.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
