package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coursepay/cmd/server/config"
	"coursepay/internal/observability"
	"coursepay/internal/payments"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	orchestrator, reconciler, cleanupSaga, err := payments.BuildPaymentSaga(ctx, metrics, log.Printf)
	if err != nil {
		return err
	}
	defer cleanupSaga()
	go reconciler.Run(ctx)

	deduper, cleanupDedup, err := buildDeduper(ctx)
	if err != nil {
		return err
	}
	defer cleanupDedup()

	srv := &http.Server{
		Addr:              httpCfg.Addr,
		Handler:           newServer(orchestrator, deduper).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	obsSrv, obsErr := startObservabilityServer(metrics)
	if obsErr != nil {
		return obsErr
	}

	log.Printf("payment saga server running on %s", httpCfg.Addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		if obsSrv != nil {
			obsCtx, cancelObs := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancelObs()
			_ = obsSrv.Shutdown(obsCtx)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func startObservabilityServer(metrics *observability.Metrics) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("observability server error: %v", err)
		}
	}()

	return srv, nil
}
