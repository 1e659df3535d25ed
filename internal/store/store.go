package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAppendUpdate   = "store.append_update"
	opLoadUpdates    = "store.load_updates"
	opWriteSnapshot  = "store.write_snapshot"
	opLatestSnapshot = "store.latest_snapshot"
	opListVersions   = "store.list_versions"
	opCompactUpdates = "store.compact_updates"

	fieldDocumentID      = "document_id"
	columnClock          = "clock"
	columnVersion        = "version"
	queryDocument        = fieldDocumentID + " = ?"
	queryDocumentSince   = fieldDocumentID + " = ? AND " + columnClock + " > ?"
	queryCompactable     = fieldDocumentID + " = ? AND " + columnClock + " < ? AND applied_at_s < ?"
	orderClockAsc        = columnClock + " ASC"
	orderVersionDesc     = columnVersion + " DESC"
	selectMaxClock       = "COALESCE(MAX(" + columnClock + "), 0)"
	selectMaxVersion     = "COALESCE(MAX(" + columnVersion + "), 0)"
	selectVersionColumns = "document_id, version, through_clock, state_digest, byte_size, author_id, author_name, created_at_s"

	reasonMissingDatabase      = "missing_database"
	reasonPayloadEmpty         = "payload_empty"
	reasonStateEmpty           = "state_empty"
	reasonClockQueryFailed     = "clock_query_failed"
	reasonVersionQueryFailed   = "version_query_failed"
	reasonInsertFailed         = "insert_failed"
	reasonQueryFailed          = "query_failed"
	reasonSnapshotLookupFailed = "snapshot_lookup_failed"
	reasonDeleteFailed         = "delete_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errEmptyPayload    = errors.New("update payload is required")
	errEmptyState      = errors.New("snapshot state blob is required")
	noOpLogger         = zap.NewNop()

	// ErrNoSnapshot indicates that a document has no stored snapshot yet.
	ErrNoSnapshot = errors.New("store: no snapshot")
)

// StoreError carries the operation and reason code for a failed store call.
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

// Code returns the operation.reason code for the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies required to build a Store.
type StoreConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Logger    *zap.Logger
	OpTimeout time.Duration
}

// Store provides durable access to the update log and snapshot versions.
type Store struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	opTimeout time.Duration
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError("store.new", reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
		opTimeout: cfg.OpTimeout,
	}, nil
}

// AppendUpdate persists the payload under the next clock for the document and
// returns the assigned clock. Clock assignment happens inside the insert
// transaction, so clocks are strictly monotonic per document with no
// duplicates even under concurrent appends.
func (store *Store) AppendUpdate(ctx context.Context, documentID DocumentID, payload []byte) (int64, error) {
	if len(payload) == 0 {
		return 0, newStoreError(opAppendUpdate, reasonPayloadEmpty, errEmptyPayload)
	}

	opCtx, cancel := store.opContext(ctx)
	defer cancel()

	var assignedClock int64
	transactionError := store.db.WithContext(opCtx).Transaction(func(transaction *gorm.DB) error {
		var lastClock int64
		if err := transaction.Model(&UpdateRecord{}).
			Where(queryDocument, documentID.String()).
			Select(selectMaxClock).
			Scan(&lastClock).Error; err != nil {
			store.logError(opAppendUpdate, reasonClockQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newStoreError(opAppendUpdate, reasonClockQueryFailed, err)
		}

		record := UpdateRecord{
			DocumentID:       documentID.String(),
			Clock:            lastClock + 1,
			Payload:          payload,
			AppliedAtSeconds: store.clock().UTC().Unix(),
		}
		if err := transaction.Create(&record).Error; err != nil {
			store.logError(opAppendUpdate, reasonInsertFailed, err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.Int64(columnClock, record.Clock))
			return newStoreError(opAppendUpdate, reasonInsertFailed, err)
		}
		assignedClock = record.Clock
		return nil
	})

	if transactionError != nil {
		return 0, transactionError
	}
	return assignedClock, nil
}

// LoadUpdates returns updates with clock strictly greater than sinceClock in
// ascending clock order.
func (store *Store) LoadUpdates(ctx context.Context, documentID DocumentID, sinceClock int64) ([]UpdateRecord, error) {
	opCtx, cancel := store.opContext(ctx)
	defer cancel()

	var records []UpdateRecord
	if err := store.db.WithContext(opCtx).
		Where(queryDocumentSince, documentID.String(), sinceClock).
		Order(orderClockAsc).
		Find(&records).Error; err != nil {
		store.logError(opLoadUpdates, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newStoreError(opLoadUpdates, reasonQueryFailed, err)
	}
	return records, nil
}

// WriteSnapshot persists a new version folding the update log through the
// given clock and returns the assigned version number.
func (store *Store) WriteSnapshot(ctx context.Context, documentID DocumentID, stateBlob []byte, throughClock int64, author Authorship) (int64, error) {
	if len(stateBlob) == 0 {
		return 0, newStoreError(opWriteSnapshot, reasonStateEmpty, errEmptyState)
	}

	opCtx, cancel := store.opContext(ctx)
	defer cancel()

	digest := sha256.Sum256(stateBlob)
	var assignedVersion int64
	transactionError := store.db.WithContext(opCtx).Transaction(func(transaction *gorm.DB) error {
		var lastVersion int64
		if err := transaction.Model(&SnapshotRecord{}).
			Where(queryDocument, documentID.String()).
			Select(selectMaxVersion).
			Scan(&lastVersion).Error; err != nil {
			store.logError(opWriteSnapshot, reasonVersionQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newStoreError(opWriteSnapshot, reasonVersionQueryFailed, err)
		}

		record := SnapshotRecord{
			DocumentID:       documentID.String(),
			Version:          lastVersion + 1,
			StateBlob:        stateBlob,
			ThroughClock:     throughClock,
			StateDigest:      hex.EncodeToString(digest[:]),
			ByteSize:         int64(len(stateBlob)),
			AuthorID:         author.UserID,
			AuthorName:       author.UserName,
			CreatedAtSeconds: store.clock().UTC().Unix(),
		}
		if err := transaction.Create(&record).Error; err != nil {
			store.logError(opWriteSnapshot, reasonInsertFailed, err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.Int64(columnVersion, record.Version))
			return newStoreError(opWriteSnapshot, reasonInsertFailed, err)
		}
		assignedVersion = record.Version
		return nil
	})

	if transactionError != nil {
		return 0, transactionError
	}
	return assignedVersion, nil
}

// LatestSnapshot returns the highest numbered version for the document, or an
// error wrapping ErrNoSnapshot when none exists.
func (store *Store) LatestSnapshot(ctx context.Context, documentID DocumentID) (SnapshotRecord, error) {
	opCtx, cancel := store.opContext(ctx)
	defer cancel()

	var record SnapshotRecord
	err := store.db.WithContext(opCtx).
		Where(queryDocument, documentID.String()).
		Order(orderVersionDesc).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotRecord{}, fmt.Errorf("%w: %s", ErrNoSnapshot, documentID.String())
	}
	if err != nil {
		store.logError(opLatestSnapshot, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return SnapshotRecord{}, newStoreError(opLatestSnapshot, reasonQueryFailed, err)
	}
	return record, nil
}

// ListVersions returns version metadata for the document, newest first. State
// blobs are never loaded here.
func (store *Store) ListVersions(ctx context.Context, documentID DocumentID) ([]SnapshotRecord, error) {
	opCtx, cancel := store.opContext(ctx)
	defer cancel()

	var records []SnapshotRecord
	if err := store.db.WithContext(opCtx).
		Select(selectVersionColumns).
		Where(queryDocument, documentID.String()).
		Order(orderVersionDesc).
		Find(&records).Error; err != nil {
		store.logError(opListVersions, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newStoreError(opListVersions, reasonQueryFailed, err)
	}
	return records, nil
}

// CompactUpdates removes updates already folded into the latest snapshot and
// applied before the retention cutoff, returning the number removed. Updates
// at or beyond the latest snapshot clock are never touched, and compaction
// without a snapshot is a no-op.
func (store *Store) CompactUpdates(ctx context.Context, documentID DocumentID, retention time.Duration) (int64, error) {
	opCtx, cancel := store.opContext(ctx)
	defer cancel()

	cutoffSeconds := store.clock().UTC().Add(-retention).Unix()
	var removed int64
	transactionError := store.db.WithContext(opCtx).Transaction(func(transaction *gorm.DB) error {
		var latest SnapshotRecord
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocument, documentID.String()).
			Order(orderVersionDesc).
			Take(&latest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			store.logError(opCompactUpdates, reasonSnapshotLookupFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newStoreError(opCompactUpdates, reasonSnapshotLookupFailed, err)
		}

		deleteResult := transaction.
			Where(queryCompactable, documentID.String(), latest.ThroughClock, cutoffSeconds).
			Delete(&UpdateRecord{})
		if deleteResult.Error != nil {
			store.logError(opCompactUpdates, reasonDeleteFailed, deleteResult.Error, zap.String(fieldDocumentID, documentID.String()))
			return newStoreError(opCompactUpdates, reasonDeleteFailed, deleteResult.Error)
		}
		removed = deleteResult.RowsAffected
		return nil
	})

	if transactionError != nil {
		return 0, transactionError
	}
	return removed, nil
}

func (store *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if store.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, store.opTimeout)
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("document store error", attrs...)
}
