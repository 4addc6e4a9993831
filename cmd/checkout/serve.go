package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"checkout-service/internal/httpapi"
	"checkout-service/internal/idempotency"
)

const (
	sessionTTL    = 2 * time.Hour
	sweepInterval = time.Minute
)

func serveCmd(withApp runner) *cobra.Command {
	var secureCookies bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox drainer",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return serve(cmd.Context(), a, secureCookies)
		}),
	}
	cmd.Flags().BoolVar(&secureCookies, "secure-cookies", false, "mark the CSRF cookie Secure")
	return cmd
}

func serve(ctx context.Context, a *app, secureCookies bool) error {
	if a.cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := httpapi.NewServer(httpapi.Deps{
		Settlement: a.settlement,
		Checkout:   a.checkout,
		Orders:     a.orders,
		Outbox:     a.outbox,
		Drainer:    a.drainer,
		Catalog:    catalogSource(a),
		Webhooks:   a.webhooks,
		Breakers:   a.breakers,
		Logger:     a.logger,
	}, httpapi.Options{
		CSRFCookie:    a.cfg.CSRF.Cookie,
		CSRFHeader:    a.cfg.CSRF.Header,
		SecureCookies: secureCookies,
	})

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("checkout service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.drainer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		sweep(ctx, a)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// sweep drops idle checkout sessions and, for the in-memory store, expired
// idempotency records.
func sweep(ctx context.Context, a *app) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := a.checkout.Sweep(time.Now().Add(-sessionTTL))
			records := 0
			if mem, ok := a.idem.(*idempotency.MemoryStore); ok {
				records = mem.Sweep()
			}
			if sessions > 0 || records > 0 {
				a.logger.Debug("swept expired state", "sessions", sessions, "idempotency_records", records)
			}
		}
	}
}
