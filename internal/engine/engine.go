// Package engine is the application-facing surface of the sync stack: local writes, sync triggers
// and status observation.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"github.com/MarcoPoloResearchLab/propertysync/internal/localstore"
	"github.com/MarcoPoloResearchLab/propertysync/internal/reconciler"
	"go.uber.org/zap"
)

const defaultInterval = 5 * time.Minute

var (
	// ErrOffline is returned by SyncNow while the engine is marked offline.
	ErrOffline = errors.New("engine: offline")

	errMissingStore      = errors.New("engine: local store is required")
	errMissingReconciler = errors.New("engine: reconciler is required")
)

// Store is the part of the local store the engine drives directly.
type Store interface {
	Write(ctx context.Context, record entities.Record, actor string) (localstore.MutationEntry, error)
	Delete(ctx context.Context, entityType entities.EntityType, id string, actor string) (localstore.MutationEntry, error)
	Stats(ctx context.Context) (localstore.QueueStats, error)
	LastSyncTime(ctx context.Context) (time.Time, bool, error)
	ClearAll(ctx context.Context) error
	EnsureDeviceID(ctx context.Context) (string, error)
}

// Reconciler runs sync passes.
type Reconciler interface {
	Run(ctx context.Context) (reconciler.PassResult, error)
	Exclusive(fn func() error) error
}

// Config wires an Engine.
type Config struct {
	Store      Store
	Reconciler Reconciler
	// Interval between periodic passes in Start; zero means five minutes, negative disables the timer.
	Interval time.Duration
	Offline  bool
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine coordinates local writes with background sync passes.
type Engine struct {
	store      Store
	reconciler Reconciler
	interval   time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	dispatcher *statusDispatcher
	trigger    chan struct{}

	mu     sync.Mutex
	online bool
	status Status
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	state := StateIdle
	if cfg.Offline {
		state = StateOffline
	}
	return &Engine{
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		interval:   interval,
		clock:      clock,
		logger:     logger,
		dispatcher: newStatusDispatcher(),
		trigger:    make(chan struct{}, 1),
		online:     !cfg.Offline,
		status:     Status{State: state, UpdatedAt: clock().UTC()},
	}, nil
}

// EnqueueWrite stores the record locally and schedules a sync.
func (e *Engine) EnqueueWrite(ctx context.Context, record entities.Record, actor string) (localstore.MutationEntry, error) {
	entry, err := e.store.Write(ctx, record, actor)
	if err != nil {
		return localstore.MutationEntry{}, err
	}
	e.afterLocalChange(ctx)
	return entry, nil
}

// EnqueueDelete removes the record locally and schedules a sync.
func (e *Engine) EnqueueDelete(ctx context.Context, entityType entities.EntityType, id string, actor string) (localstore.MutationEntry, error) {
	entry, err := e.store.Delete(ctx, entityType, id, actor)
	if err != nil {
		return localstore.MutationEntry{}, err
	}
	e.afterLocalChange(ctx)
	return entry, nil
}

func (e *Engine) afterLocalChange(ctx context.Context) {
	e.refresh(ctx, func(status *Status) {})
	if e.Online() {
		e.TriggerSync()
	}
}

// TriggerSync asks the background loop for a pass. Triggers that arrive while a pass is running
// collapse into a single follow-up pass.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs one pass in the caller's goroutine, waiting for any pass already running.
func (e *Engine) SyncNow(ctx context.Context) (reconciler.PassResult, error) {
	if !e.Online() {
		return reconciler.PassResult{}, ErrOffline
	}
	return e.runPass(ctx)
}

// ObserveSyncStatus streams status changes, starting with the current status.
func (e *Engine) ObserveSyncStatus(ctx context.Context) (<-chan Status, func()) {
	return e.dispatcher.subscribe(ctx, e.Status())
}

// Status returns the latest published status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Online reports whether the engine believes the server is reachable.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records a connectivity change; regaining connectivity triggers a pass.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()
	if !changed {
		return
	}

	e.logger.Info("connectivity changed", zap.Bool("online", online))
	e.refresh(context.Background(), func(status *Status) {
		if online {
			status.State = StateIdle
		}
	})
	if online {
		e.TriggerSync()
	}
}

// ResetLocalState wipes every local table once no pass is running, then issues a new device id.
func (e *Engine) ResetLocalState(ctx context.Context) error {
	var deviceID string
	err := e.reconciler.Exclusive(func() error {
		if err := e.store.ClearAll(ctx); err != nil {
			return err
		}
		id, err := e.store.EnsureDeviceID(ctx)
		deviceID = id
		return err
	})
	if err != nil {
		e.logger.Error("local state reset failed", zap.Error(err))
		return err
	}
	e.logger.Warn("local state reset", zap.String("device_id", deviceID))
	e.refresh(ctx, func(status *Status) {
		status.LastError = ""
		if status.State == StateError {
			status.State = StateIdle
		}
	})
	return nil
}

// Start runs the background loop until ctx ends: a pass per trigger and per interval tick.
func (e *Engine) Start(ctx context.Context) error {
	var tick <-chan time.Time
	if e.interval > 0 {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	if e.Online() {
		e.TriggerSync()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.trigger:
		case <-tick:
		}
		if !e.Online() {
			continue
		}
		if _, err := e.runPass(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("background sync pass failed", zap.Error(err))
		}
	}
}

func (e *Engine) runPass(ctx context.Context) (reconciler.PassResult, error) {
	e.refresh(ctx, func(status *Status) {
		status.State = StateSyncing
	})
	result, err := e.reconciler.Run(ctx)
	e.refresh(context.WithoutCancel(ctx), func(status *Status) {
		switch {
		case err != nil && !result.Canceled:
			status.State = StateError
			status.LastError = err.Error()
		case result.LastError != "":
			status.State = StateError
			status.LastError = result.LastError
		default:
			status.State = StateIdle
			status.LastError = ""
		}
	})
	return result, err
}

// refresh recomputes queue counters, applies update and publishes the result. Counter reads that
// fail keep the previous values.
func (e *Engine) refresh(ctx context.Context, update func(status *Status)) {
	stats, statsErr := e.store.Stats(ctx)
	if statsErr != nil {
		e.logger.Warn("queue stats unavailable", zap.Error(statsErr))
	}
	lastSync, found, syncErr := e.store.LastSyncTime(ctx)
	if syncErr != nil {
		e.logger.Warn("last sync time unavailable", zap.Error(syncErr))
	}

	e.mu.Lock()
	status := e.status
	if statsErr == nil {
		status.Pending = stats.Pending
		status.NeedsAttention = stats.NeedsAttention
	}
	if syncErr == nil {
		status.LastSyncAt = time.Time{}
		if found {
			status.LastSyncAt = lastSync
		}
	}
	update(&status)
	if !e.online {
		status.State = StateOffline
	}
	status.UpdatedAt = e.clock().UTC()
	e.status = status
	e.mu.Unlock()

	e.dispatcher.publish(status)
}
