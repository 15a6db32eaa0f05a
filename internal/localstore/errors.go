package localstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that the entity does not exist locally.
	ErrNotFound = errors.New("localstore: record not found")
	// ErrEntryNotFound indicates that the queue entry does not exist.
	ErrEntryNotFound = errors.New("localstore: queue entry not found")
	// ErrAlreadySynced indicates that the queue entry was already confirmed by the server.
	ErrAlreadySynced = errors.New("localstore: queue entry already synced")
	// ErrNotRetryable indicates that the queue entry is not waiting for manual resolution.
	ErrNotRetryable = errors.New("localstore: queue entry is not awaiting resolution")
	// ErrInvalidRecord indicates that the record cannot be stored.
	ErrInvalidRecord = errors.New("localstore: invalid record")
	// ErrInvalidFilter indicates that a list filter references an unknown column.
	ErrInvalidFilter = errors.New("localstore: invalid filter")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// StoreError carries a stable "operation.reason" code for a failed local operation.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew           = "localstore.new"
	opWrite              = "localstore.write"
	opDelete             = "localstore.delete"
	opRead               = "localstore.read"
	opList               = "localstore.list"
	opClearAll           = "localstore.clear_all"
	opMarkClean          = "localstore.mark_clean"
	opApplyServerChange  = "localstore.apply_server_change"
	opPending            = "localstore.pending"
	opEntry              = "localstore.entry"
	opMarkSynced         = "localstore.mark_synced"
	opConfirm            = "localstore.confirm"
	opRecordFailure      = "localstore.record_failure"
	opDiscardForConflict = "localstore.discard_for_conflict"
	opRetry              = "localstore.retry"
	opDiscard            = "localstore.discard"
	opCleanup            = "localstore.cleanup"
	opStats              = "localstore.stats"
	opMetadataGet        = "localstore.metadata_get"
	opMetadataUpsert     = "localstore.metadata_upsert"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonUnknownType       = "unknown_entity_type"
	reasonInvalidRecord     = "invalid_record"
	reasonInvalidFilter     = "invalid_filter"
	reasonIDGeneration      = "id_generation_failed"
	reasonSelectFailed      = "select_failed"
	reasonSaveFailed        = "save_failed"
	reasonDeleteFailed      = "delete_failed"
	reasonEnqueueFailed     = "enqueue_failed"
	reasonEncodeFailed      = "encode_failed"
	reasonDecodeFailed      = "decode_failed"
	reasonNotFound          = "not_found"
	reasonEntryNotFound     = "entry_not_found"
	reasonAlreadySynced     = "already_synced"
	reasonNotRetryable      = "not_retryable"
	reasonRemapFailed       = "remap_failed"
	reasonUpdateFailed      = "update_failed"
	reasonQueryFailed       = "query_failed"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}
