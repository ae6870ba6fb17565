// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/luxfi/votecore/internal/config"
	"github.com/luxfi/votecore/internal/logging"
	"github.com/luxfi/votecore/internal/node"
)

var rootCmd = &cobra.Command{
	Use:   "voted",
	Short: "voted runs one node of the replicated voting service",
	Long: `voted starts a single node participating in leader election, clock
synchronization, and leader-coordinated vote consensus over a shared store.

Configuration is read entirely from the environment: NODE_ID, NODE_ROLE,
SHARED_STORE_NODES, LOG_DIR, and HTTP_ADDR.`,
}

func main() {
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voted: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start this node and block until shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger := logging.New("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("voted: configuration error", log.Err(err))
		return fmt.Errorf("load config: %w", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		logger.Error("voted: failed to construct node", log.Err(err))
		return fmt.Errorf("construct node: %w", err)
	}

	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStart()
	if err := n.Start(startCtx); err != nil {
		logger.Error("voted: failed to start node", log.Err(err))
		return fmt.Errorf("start node: %w", err)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: n.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("voted: listening", log.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("voted: received shutdown signal", log.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("voted: http server failed", log.Err(err))
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	n.Shutdown(shutdownCtx)

	return nil
}
