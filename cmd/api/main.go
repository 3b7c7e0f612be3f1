package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/fredSavings/pkg/config"
	"github.com/mcclellann/fredSavings/pkg/engine"
	"github.com/mcclellann/fredSavings/pkg/notify"
	"github.com/mcclellann/fredSavings/pkg/payment"
	"github.com/mcclellann/fredSavings/pkg/store"
	"github.com/sirupsen/logrus"
)

// runTicker drives OnTick until ctx is done.
func runTicker(ctx context.Context, eng *engine.Engine, every time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			log.Debug("running engine tick")
			if _, err := eng.OnTick(ctx, now.UTC()); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("engine tick failed")
			}
		}
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	storage, err := store.Open(cfg.Database.Driver, cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer storage.Close()

	eng := engine.New(storage, notify.NewLogNotifier(log), payment.NewLocalGateway("pay_", log), engine.Options{
		InterestRate:          cfg.Engine.InterestRate,
		PenaltyRate:           cfg.Engine.PenaltyRate,
		PaymentConfirmTimeout: cfg.Engine.PaymentConfirmTimeout,
		Logger:                log,
	})
	server := NewServer(eng, storage, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runTicker(ctx, eng, cfg.Engine.TickInterval, log)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", httpServer.Addr).Info("server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func main() {
	cfg, err := config.Load(os.Getenv("SAVINGS_CONFIG"))
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log := cfg.NewLogger()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
