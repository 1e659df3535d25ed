// Package store persists document updates and snapshot versions. Updates are
// append-only and ordered by a per-document clock; snapshots fold a prefix of
// the update log into a single state blob so rooms hydrate without replaying
// full history.
package store

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is invalid.
	ErrInvalidDocumentID = errors.New("store: invalid document id")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(value string) (DocumentID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the identifier as a string.
func (id DocumentID) String() string {
	return string(id)
}

// Authorship records who drove the state captured by a snapshot.
type Authorship struct {
	UserID   string
	UserName string
}

// UpdateRecord stores one append-only document update.
type UpdateRecord struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Clock            int64  `gorm:"column:clock;primaryKey;autoIncrement:false;not null"`
	Payload          []byte `gorm:"column:payload;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateRecord) TableName() string {
	return "document_updates"
}

// SnapshotRecord stores one materialized document version. StateDigest and
// ByteSize are derived from the blob at write time; authorship is denormalized
// so version listings need no join.
type SnapshotRecord struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;primaryKey;autoIncrement:false;not null"`
	StateBlob        []byte `gorm:"column:state_blob;not null"`
	ThroughClock     int64  `gorm:"column:through_clock;not null"`
	StateDigest      string `gorm:"column:state_digest;size:64;not null"`
	ByteSize         int64  `gorm:"column:byte_size;not null"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	AuthorName       string `gorm:"column:author_name;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "document_versions"
}
