package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/controlapi"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine behind the HTTP control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, err := openSettings(cfg)
		if err != nil {
			return err
		}
		ctrl, err := newController(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg.ListenAddr, controlapi.NewHandlers(ctrl, store, logger), ctrl.Close, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "control API address (overrides listen_addr)")
}

// serve runs the control API until ctx is done, then stops every engine and
// drains in-flight requests.
func serve(ctx context.Context, addr string, h *controlapi.Handlers, closeEngines func(), logger *zap.Logger) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     controlapi.NewRouter(h, logger),
		ReadTimeout: 10 * time.Second,
		// Start waits on the dial timeout; the events stream clears its own deadline.
		WriteTimeout: 20 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("control API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		closeEngines()

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
