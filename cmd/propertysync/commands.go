package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/auth"
	"github.com/MarcoPoloResearchLab/propertysync/internal/config"
	"github.com/MarcoPoloResearchLab/propertysync/internal/database"
	"github.com/MarcoPoloResearchLab/propertysync/internal/engine"
	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"github.com/MarcoPoloResearchLab/propertysync/internal/localstore"
	"github.com/MarcoPoloResearchLab/propertysync/internal/logging"
	"github.com/MarcoPoloResearchLab/propertysync/internal/reconciler"
	"github.com/MarcoPoloResearchLab/propertysync/internal/remote"
	"github.com/MarcoPoloResearchLab/propertysync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const attentionListLimit = 50

// clientStack is the wired sync client for one command invocation.
type clientStack struct {
	config  config.AppConfig
	logger  *zap.Logger
	store   *localstore.Store
	engine  *engine.Engine
	closers []func() error
}

func openClient(ctx context.Context) (*clientStack, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logOptions(appConfig.Log))
	if err != nil {
		return nil, err
	}
	stack := &clientStack{config: appConfig, logger: logger}
	stack.closers = append(stack.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	release, err := database.AcquireLock(appConfig.DatabasePath)
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.closers = append(stack.closers, release)

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		stack.Close()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.closers = append(stack.closers, sqlDB.Close)

	store, err := localstore.NewStore(localstore.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: entities.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.store = store

	deviceID, err := store.EnsureDeviceID(ctx)
	if err != nil {
		stack.Close()
		return nil, err
	}

	client := remote.NewHTTPClient(remote.Config{
		BaseURL:  appConfig.Remote.BaseURL,
		Token:    appConfig.Remote.Token,
		DeviceID: deviceID,
		Timeout:  appConfig.Remote.Timeout,
		Logger:   logger,
	})

	syncReconciler, err := reconciler.New(reconciler.Config{
		Store:            store,
		API:              client,
		Logger:           logger,
		RetryCeiling:     appConfig.Sync.RetryCeiling,
		RejectionCeiling: appConfig.Sync.RejectionCeiling,
		BackoffBase:      appConfig.Sync.BackoffBase,
		BackoffMax:       appConfig.Sync.BackoffMax,
		ConflictPolicy:   reconciler.ConflictPolicy(appConfig.Sync.ConflictPolicy),
		MaxConcurrency:   appConfig.Sync.MaxConcurrency,
		Retention:        appConfig.Sync.Retention,
		PullPageSize:     appConfig.Sync.PageSize,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}

	syncEngine, err := engine.New(engine.Config{
		Store:      store,
		Reconciler: syncReconciler,
		Interval:   appConfig.Sync.Interval,
		Offline:    appConfig.Sync.Offline,
		Logger:     logger,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.engine = syncEngine

	logger.Debug("sync client ready",
		zap.String("device_id", deviceID),
		zap.String("database", appConfig.DatabasePath),
		zap.String("remote", appConfig.Remote.BaseURL))
	return stack, nil
}

// Close releases resources in reverse acquisition order.
func (s *clientStack) Close() {
	for index := len(s.closers) - 1; index >= 0; index-- {
		_ = s.closers[index]()
	}
	s.closers = nil
}

func logOptions(cfg config.LogConfig) logging.Options {
	return logging.Options{
		Level:      cfg.Level,
		File:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer stack.Close()

			result, err := stack.engine.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync in the background until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stack, err := openClient(signalCtx)
			if err != nil {
				return err
			}
			defer stack.Close()

			statuses, cleanup := stack.engine.ObserveSyncStatus(signalCtx)
			defer cleanup()
			go func() {
				for status := range statuses {
					stack.logger.Info("sync status",
						zap.String("state", string(status.State)),
						zap.Int64("pending", status.Pending),
						zap.Int64("needs_attention", status.NeedsAttention),
						zap.String("last_error", status.LastError))
				}
			}()

			err = stack.engine.Start(signalCtx)
			if errors.Is(err, context.Canceled) {
				stack.logger.Info("sync loop stopped")
				return nil
			}
			return err
		},
	}
}

type statusReport struct {
	engine.Status
	DeviceID         string                     `json:"device_id"`
	Discarded        int64                      `json:"discarded"`
	Synced           int64                      `json:"synced"`
	LastPass         json.RawMessage            `json:"last_pass,omitempty"`
	AttentionEntries []localstore.MutationEntry `json:"attention_entries,omitempty"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue depth, last sync time and entries that need attention",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer stack.Close()

			stats, err := stack.store.Stats(ctx)
			if err != nil {
				return err
			}
			deviceID, err := stack.store.EnsureDeviceID(ctx)
			if err != nil {
				return err
			}
			report := statusReport{
				Status:    stack.engine.Status(),
				DeviceID:  deviceID,
				Discarded: stats.Discarded,
				Synced:    stats.Synced,
			}
			report.Pending = stats.Pending
			report.NeedsAttention = stats.NeedsAttention
			if lastSync, found, err := stack.store.LastSyncTime(ctx); err == nil && found {
				report.LastSyncAt = lastSync
			}
			if summary, found, err := stack.store.GetMetadata(ctx, localstore.KeyLastPassSummary); err == nil && found {
				report.LastPass = json.RawMessage(summary)
			}
			if stats.NeedsAttention > 0 {
				entries, err := stack.store.Entries(ctx, localstore.StatusNeedsAttention, attentionListLimit)
				if err != nil {
					return err
				}
				report.AttentionEntries = entries
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newRetryCommand() *cobra.Command {
	var entryID int64
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Move entries that need attention back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer stack.Close()

			if entryID > 0 {
				if err := stack.store.Retry(ctx, entryID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "entry %d queued for retry\n", entryID)
				return nil
			}
			moved, err := stack.store.RetryAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries queued for retry\n", moved)
			return nil
		},
	}
	cmd.Flags().Int64Var(&entryID, "id", 0, "Retry a single queue entry")
	return cmd
}

func newDiscardCommand() *cobra.Command {
	var entryID int64
	cmd := &cobra.Command{
		Use:   "discard",
		Short: "Drop a queued mutation and keep the local record as it is",
		RunE: func(cmd *cobra.Command, args []string) error {
			if entryID <= 0 {
				return errors.New("discard requires --id")
			}
			ctx := cmd.Context()
			stack, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer stack.Close()

			if err := stack.store.Discard(ctx, entryID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entry %d discarded\n", entryID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&entryID, "id", 0, "Queue entry to discard")
	return cmd
}

func newResetCommand() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every local record and queued mutation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errors.New("reset discards unsynced changes; pass --yes to confirm")
			}
			stack, err := openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer stack.Close()

			if err := stack.engine.ResetLocalState(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "local state cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the reset")
	return cmd
}

func newServeMockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-mock",
		Short: "Serve the reference sync API from memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMockServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", config.NewViper().GetString("mock.address"), "HTTP listen address")
	cmd.Flags().String("signing-secret", "", "Token signing secret (overrides env)")
	if err := viper.BindPFlag("mock.address", cmd.Flags().Lookup("http-address")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("auth.signing_secret", cmd.Flags().Lookup("signing-secret")); err != nil {
		panic(err)
	}
	return cmd
}

func runMockServer(ctx context.Context) error {
	mockConfig, err := config.LoadMockServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logOptions(mockConfig.Log))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(mockConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      mockConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	ledger, err := server.NewLedger(server.LedgerConfig{
		Clock:      time.Now,
		IDProvider: entities.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Ledger:       ledger,
		TokenManager: tokenManager,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              mockConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock server starting", zap.String("address", mockConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
