package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"github.com/MarcoPoloResearchLab/propertysync/internal/localstore"
	"github.com/MarcoPoloResearchLab/propertysync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConflictPolicy selects how version conflicts are resolved.
type ConflictPolicy string

const (
	// PolicyServerWins discards the local writes and keeps the server record.
	PolicyServerWins ConflictPolicy = "server_wins"
	// PolicyManual parks the entry as needs_attention for the user to resolve.
	PolicyManual ConflictPolicy = "manual"
)

const (
	defaultRetryCeiling     = 5
	defaultRejectionCeiling = 3
	defaultBackoffMax       = 5 * time.Minute
	defaultPullPageSize     = 200
)

var (
	// ErrPassInProgress is returned by TryRun while another pass holds the lock.
	ErrPassInProgress = errors.New("reconciler: pass already in progress")

	errMissingStore = errors.New("reconciler: store is required")
	errMissingAPI   = errors.New("reconciler: remote api is required")
)

// Store is the part of the local store a pass needs.
type Store interface {
	Pending(ctx context.Context) ([]localstore.MutationEntry, error)
	Confirm(ctx context.Context, id int64, confirmation localstore.Confirmation) error
	RecordFailure(ctx context.Context, id int64, failure localstore.Failure) (localstore.MutationEntry, error)
	DiscardForConflict(ctx context.Context, id int64, server *localstore.ServerRecord, reason string) error
	ApplyServerChange(ctx context.Context, change localstore.ServerRecord) (bool, error)
	LastSyncTime(ctx context.Context) (time.Time, bool, error)
	SetLastSyncTime(ctx context.Context, at time.Time) error
	UpsertMetadata(ctx context.Context, key, value string) error
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config carries the dependencies and tunables of a Reconciler.
type Config struct {
	Store            Store
	API              remote.API
	Clock            func() time.Time
	Logger           *zap.Logger
	RetryCeiling     int
	RejectionCeiling int
	// BackoffBase of zero retries failed entries on the next pass.
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	ConflictPolicy   ConflictPolicy
	MaxConcurrency   int
	Retention        time.Duration
	PullPageSize     int
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Pushed      int       `json:"pushed"`
	Failed      int       `json:"failed"`
	Conflicts   int       `json:"conflicts"`
	Pulled      int       `json:"pulled"`
	PullSkipped int       `json:"pull_skipped"`
	Purged      int64     `json:"purged"`
	Canceled    bool      `json:"canceled,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Reconciler drains the mutation queue against the remote API and pulls server changes.
type Reconciler struct {
	cfg    Config
	clock  func() time.Time
	logger *zap.Logger
	mu     sync.Mutex
}

// New validates the configuration and fills defaults.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = defaultRetryCeiling
	}
	if cfg.RejectionCeiling <= 0 {
		cfg.RejectionCeiling = defaultRejectionCeiling
	}
	if cfg.BackoffBase < 0 {
		cfg.BackoffBase = 0
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = PolicyServerWins
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.PullPageSize <= 0 {
		cfg.PullPageSize = defaultPullPageSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{cfg: cfg, clock: clock, logger: logger}, nil
}

func (r *Reconciler) now() time.Time {
	return r.clock().UTC()
}

// Run executes one pass, waiting for any pass already running.
func (r *Reconciler) Run(ctx context.Context) (PassResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pass(ctx)
}

// TryRun executes one pass unless another one is running.
func (r *Reconciler) TryRun(ctx context.Context) (PassResult, error) {
	if !r.mu.TryLock() {
		return PassResult{}, ErrPassInProgress
	}
	defer r.mu.Unlock()
	return r.pass(ctx)
}

// Exclusive runs fn while holding the pass lock, so no pass overlaps it.
func (r *Reconciler) Exclusive(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

func (r *Reconciler) pass(ctx context.Context) (PassResult, error) {
	result := PassResult{StartedAt: r.now()}

	if err := r.drain(ctx, &result); err != nil {
		return r.finish(ctx, result, err)
	}
	if err := r.pull(ctx, &result); err != nil {
		return r.finish(ctx, result, err)
	}
	if r.cfg.Retention > 0 {
		purged, err := r.cfg.Store.Cleanup(ctx, r.now().Add(-r.cfg.Retention))
		if err != nil {
			return r.finish(ctx, result, err)
		}
		result.Purged = purged
	}
	return r.finish(ctx, result, nil)
}

func (r *Reconciler) finish(ctx context.Context, result PassResult, err error) (PassResult, error) {
	result.FinishedAt = r.now()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		result.Canceled = true
	}
	if err != nil && result.LastError == "" {
		result.LastError = err.Error()
	}

	summary, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		if saveErr := r.cfg.Store.UpsertMetadata(context.WithoutCancel(ctx), localstore.KeyLastPassSummary, string(summary)); saveErr != nil {
			r.logger.Warn("pass summary not saved", zap.Error(saveErr))
		}
	}

	fields := []zap.Field{
		zap.Int("pushed", result.Pushed),
		zap.Int("failed", result.Failed),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("pulled", result.Pulled),
		zap.Int("pull_skipped", result.PullSkipped),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	}
	switch {
	case result.Canceled:
		r.logger.Info("sync pass canceled", fields...)
	case err != nil:
		r.logger.Error("sync pass aborted", append(fields, zap.Error(err))...)
	default:
		r.logger.Info("sync pass completed", fields...)
	}
	return result, err
}

type dispatchOutcome struct {
	entry  localstore.MutationEntry
	record remote.Record
	err    error
}

func (r *Reconciler) drain(ctx context.Context, result *PassResult) error {
	state := newDrainState()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending, err := r.cfg.Store.Pending(ctx)
		if err != nil {
			return fmt.Errorf("reconciler: load pending: %w", err)
		}
		wave := state.nextWave(pending, r.now(), r.cfg.MaxConcurrency)
		if len(wave) == 0 {
			return nil
		}

		outcomes := make([]dispatchOutcome, len(wave))
		group := new(errgroup.Group)
		group.SetLimit(r.cfg.MaxConcurrency)
		for index, entry := range wave {
			state.attempted[entry.ID] = struct{}{}
			group.Go(func() error {
				outcomes[index] = r.dispatch(ctx, entry)
				return nil
			})
		}
		_ = group.Wait()

		for _, outcome := range outcomes {
			settled, err := r.settle(ctx, outcome, result)
			if err != nil {
				return err
			}
			if !settled {
				state.block(outcome.entry)
			}
		}
	}
}

// dispatch performs the remote call under the pass context. A canceled call leaves the entry as it
// was; a create the server applied anyway is deduplicated by its local id on replay.
func (r *Reconciler) dispatch(ctx context.Context, entry localstore.MutationEntry) dispatchOutcome {
	payload := json.RawMessage(entry.JSONData)
	outcome := dispatchOutcome{entry: entry}
	switch entry.Operation {
	case localstore.OperationCreate:
		localID := entry.EntityID
		if entry.LocalID != nil {
			localID = *entry.LocalID
		}
		outcome.record, outcome.err = r.cfg.API.Create(ctx, entry.Type(), localID, payload)
	case localstore.OperationUpdate:
		outcome.record, outcome.err = r.cfg.API.Update(ctx, entry.Type(), entry.EntityID, entry.BaseVersion, payload)
	case localstore.OperationDelete:
		outcome.err = r.cfg.API.Delete(ctx, entry.Type(), entry.EntityID, entry.BaseVersion)
	default:
		outcome.err = &remote.APIError{StatusCode: 400, Code: remote.CodeInvalid, Message: fmt.Sprintf("unknown operation %q", entry.Operation)}
	}
	return outcome
}

// settle records the outcome of one dispatched entry. It reports whether the entry left the pending
// set. An outcome the store cannot record parks the entry; only failing to park it aborts the pass.
func (r *Reconciler) settle(ctx context.Context, outcome dispatchOutcome, result *PassResult) (bool, error) {
	entry := outcome.entry
	storeCtx := context.WithoutCancel(ctx)

	switch kind := remote.Classify(outcome.err); kind {
	case remote.KindNone:
		if err := r.cfg.Store.Confirm(storeCtx, entry.ID, confirmation(entry, outcome.record)); err != nil {
			return false, r.parkAfterStoreError(storeCtx, entry, "confirm", err, result)
		}
		result.Pushed++
		return true, nil

	case remote.KindNotFound:
		switch entry.Operation {
		case localstore.OperationDelete:
			if err := r.cfg.Store.Confirm(storeCtx, entry.ID, localstore.Confirmation{}); err != nil {
				return false, r.parkAfterStoreError(storeCtx, entry, "confirm", err, result)
			}
			result.Pushed++
			return true, nil
		case localstore.OperationUpdate:
			return r.resolveConflict(storeCtx, entry, outcome.err, result)
		}
		return false, r.recordFailure(storeCtx, entry, remote.KindPermanent, outcome.err, result)

	case remote.KindConflict:
		return r.resolveConflict(storeCtx, entry, outcome.err, result)

	case remote.KindCanceled:
		return false, nil

	default:
		return false, r.recordFailure(storeCtx, entry, kind, outcome.err, result)
	}
}

func confirmation(entry localstore.MutationEntry, record remote.Record) localstore.Confirmation {
	confirmed := localstore.Confirmation{
		ServerVersion: record.Version,
		ServerPayload: record.Data,
	}
	if entry.Operation == localstore.OperationCreate && record.ID != "" && record.ID != entry.EntityID {
		confirmed.ServerEntityID = record.ID
	}
	return confirmed
}

func (r *Reconciler) resolveConflict(ctx context.Context, entry localstore.MutationEntry, cause error, result *PassResult) (bool, error) {
	current := remote.CurrentRecord(cause)
	serverVersion := int64(0)
	if current != nil {
		serverVersion = current.Version
	}
	reason := fmt.Sprintf("conflict: %s %s %s with base version %d, server version %d: %v",
		entry.Operation, entry.EntityType, entry.EntityID, entry.BaseVersion, serverVersion, cause)
	result.Conflicts++

	r.logger.Warn("sync conflict",
		zap.Int64("entry_id", entry.ID),
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("operation", string(entry.Operation)),
		zap.Int64("base_version", entry.BaseVersion),
		zap.Int64("server_version", serverVersion),
		zap.String("policy", string(r.cfg.ConflictPolicy)))

	if r.cfg.ConflictPolicy == PolicyManual {
		_, err := r.cfg.Store.RecordFailure(ctx, entry.ID, localstore.Failure{Message: reason, Terminal: true})
		if err != nil {
			return false, fmt.Errorf("reconciler: park conflicting entry %d: %w", entry.ID, err)
		}
		return false, nil
	}

	var server *localstore.ServerRecord
	if current != nil {
		converted := serverRecord(*current)
		server = &converted
	}
	if err := r.cfg.Store.DiscardForConflict(ctx, entry.ID, server, reason); err != nil {
		return false, r.parkAfterStoreError(ctx, entry, "discard conflicting", err, result)
	}
	return true, nil
}

func (r *Reconciler) parkAfterStoreError(ctx context.Context, entry localstore.MutationEntry, action string, cause error, result *PassResult) error {
	message := fmt.Sprintf("local store: %s: %v", action, cause)
	if _, err := r.cfg.Store.RecordFailure(ctx, entry.ID, localstore.Failure{Message: message, Terminal: true}); err != nil {
		return fmt.Errorf("reconciler: %s entry %d: %w", action, entry.ID, errors.Join(cause, err))
	}
	result.Failed++
	result.LastError = message
	r.logger.Error("mutation needs attention",
		zap.Int64("entry_id", entry.ID),
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("action", action),
		zap.Error(cause))
	return nil
}

func (r *Reconciler) recordFailure(ctx context.Context, entry localstore.MutationEntry, kind remote.Kind, cause error, result *PassResult) error {
	attempt := entry.RetryCount + 1
	ceiling := r.cfg.RetryCeiling
	if kind == remote.KindPermanent {
		ceiling = r.cfg.RejectionCeiling
	}
	failure := localstore.Failure{
		Message:  fmt.Sprintf("%s: %v", kind, cause),
		Terminal: attempt >= ceiling,
	}
	if !failure.Terminal {
		next := r.now().Add(backoffDelay(r.cfg.BackoffBase, r.cfg.BackoffMax, entry.RetryCount))
		failure.NextAttemptAt = &next
	}
	if _, err := r.cfg.Store.RecordFailure(ctx, entry.ID, failure); err != nil {
		return fmt.Errorf("reconciler: record failure of entry %d: %w", entry.ID, err)
	}
	result.Failed++
	result.LastError = failure.Message

	fields := []zap.Field{
		zap.Int64("entry_id", entry.ID),
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("kind", kind.String()),
		zap.Int("retry_count", attempt),
		zap.Error(cause),
	}
	if failure.Terminal {
		r.logger.Error("mutation needs attention", fields...)
	} else {
		r.logger.Warn("mutation failed, will retry", append(fields, zap.Time("next_attempt_at", *failure.NextAttemptAt))...)
	}
	return nil
}

func (r *Reconciler) pull(ctx context.Context, result *PassResult) error {
	since, _, err := r.cfg.Store.LastSyncTime(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: load last sync time: %w", err)
	}

	var serverTime time.Time
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		feed, err := r.cfg.API.Changes(ctx, since, cursor, r.cfg.PullPageSize)
		if err != nil {
			if remote.Classify(err) == remote.KindCanceled {
				return err
			}
			// the next pass pulls again from the same timestamp
			result.LastError = fmt.Sprintf("pull: %v", err)
			r.logger.Warn("pull failed", zap.Error(err))
			return nil
		}
		if serverTime.IsZero() {
			serverTime = feed.ServerTime
		}
		for _, change := range feed.Changes {
			applied, err := r.cfg.Store.ApplyServerChange(ctx, serverRecord(change))
			if errors.Is(err, entities.ErrUnknownEntityType) {
				r.logger.Warn("pulled change of unknown type ignored",
					zap.String("entity_type", change.EntityType.String()),
					zap.String("entity_id", change.ID))
				continue
			}
			if err != nil {
				return fmt.Errorf("reconciler: apply %s %s: %w", change.EntityType, change.ID, err)
			}
			if applied {
				result.Pulled++
			} else {
				result.PullSkipped++
			}
		}
		if feed.NextCursor == "" {
			break
		}
		cursor = feed.NextCursor
	}

	if serverTime.IsZero() {
		return nil
	}
	if err := r.cfg.Store.SetLastSyncTime(ctx, serverTime); err != nil {
		return fmt.Errorf("reconciler: store last sync time: %w", err)
	}
	return nil
}

func serverRecord(record remote.Record) localstore.ServerRecord {
	return localstore.ServerRecord{
		EntityType: record.EntityType,
		ID:         record.ID,
		Version:    record.Version,
		Deleted:    record.Deleted,
		Payload:    record.Data,
		UpdatedAt:  record.UpdatedAt,
	}
}
