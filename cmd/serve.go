package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwbudde/curvefit/internal/server"
	"github.com/cwbudde/curvefit/internal/store"
	"github.com/spf13/cobra"
)

var (
	serveAddr  string
	noStore    bool
	pgDSN      string
	traceCodec string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server",
	Long: `Starts the fit server. Fits are submitted to /api/v1/fits and run in
the background; progress is streamed as server-sent events.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().BoolVar(&noStore, "no-store", false, "Do not persist fit records")
	serveCmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Store records in PostgreSQL instead of the data directory")
	serveCmd.Flags().StringVar(&traceCodec, "trace-codec", "zstd", "Trace compression (zstd, lz4, s2)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	recordStore, err := openRecordStore(cmd.Context())
	if err != nil {
		return err
	}
	if closer, ok := recordStore.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	s := server.NewServer(serveAddr, recordStore)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("Received signal", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// openRecordStore returns the store selected by the serve flags, or nil
// with --no-store.
func openRecordStore(ctx context.Context) (store.Store, error) {
	if noStore {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pgDSN != "" {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pgStore, err := store.NewPGStore(ctx, pgDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create record store: %w", err)
		}
		slog.Info("Using PostgreSQL record store")
		return pgStore, nil
	}

	codec, err := store.ParseCodec(traceCodec)
	if err != nil {
		return nil, err
	}
	fsStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create record store: %w", err)
	}
	fsStore.SetTraceCodec(codec)
	slog.Info("Using file record store", "dir", dataDir, "trace_codec", codec)
	return fsStore, nil
}
