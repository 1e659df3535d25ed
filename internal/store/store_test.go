package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestAppendUpdateAssignsMonotonicClocks(testContext *testing.T) {
	documentStore := mustStore(testContext)
	manuscript := mustDocumentID(testContext, "manuscript-clocks")
	other := mustDocumentID(testContext, "manuscript-clocks-other")

	for expected := int64(1); expected <= 3; expected++ {
		clock, err := documentStore.AppendUpdate(context.Background(), manuscript, []byte{byte(expected)})
		if err != nil {
			testContext.Fatalf("append %d failed: %v", expected, err)
		}
		if clock != expected {
			testContext.Fatalf("expected clock %d, got %d", expected, clock)
		}
	}

	clock, err := documentStore.AppendUpdate(context.Background(), other, []byte{0xAA})
	if err != nil {
		testContext.Fatalf("append to second document failed: %v", err)
	}
	if clock != 1 {
		testContext.Fatalf("expected independent clock sequence, got %d", clock)
	}
}

func TestAppendUpdateRejectsEmptyPayload(testContext *testing.T) {
	documentStore := mustStore(testContext)
	manuscript := mustDocumentID(testContext, "manuscript-empty")

	if _, err := documentStore.AppendUpdate(context.Background(), manuscript, nil); err == nil {
		testContext.Fatalf("expected empty payload to be rejected")
	}
}

func TestLoadUpdatesRespectsSinceClock(testContext *testing.T) {
	documentStore := mustStore(testContext)
	manuscript := mustDocumentID(testContext, "manuscript-load")

	payloads := [][]byte{{0x01}, {0x02}, {0x03}, {0x04}}
	for _, payload := range payloads {
		if _, err := documentStore.AppendUpdate(context.Background(), manuscript, payload); err != nil {
			testContext.Fatalf("append failed: %v", err)
		}
	}

	records, err := documentStore.LoadUpdates(context.Background(), manuscript, 2)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected 2 records after clock 2, got %d", len(records))
	}
	if records[0].Clock != 3 || records[1].Clock != 4 {
		testContext.Fatalf("expected ascending clocks 3,4, got %d,%d", records[0].Clock, records[1].Clock)
	}
	if records[0].Payload[0] != 0x03 {
		testContext.Fatalf("expected payload 0x03, got 0x%02x", records[0].Payload[0])
	}

	all, err := documentStore.LoadUpdates(context.Background(), manuscript, 0)
	if err != nil {
		testContext.Fatalf("load all failed: %v", err)
	}
	if len(all) != len(payloads) {
		testContext.Fatalf("expected %d records, got %d", len(payloads), len(all))
	}
}

func TestWriteSnapshotIncrementsVersion(testContext *testing.T) {
	documentStore := mustStore(testContext)
	manuscript := mustDocumentID(testContext, "manuscript-versions")
	author := Authorship{UserID: "user-1", UserName: "Ada"}

	first, err := documentStore.WriteSnapshot(context.Background(), manuscript, []byte("state one"), 10, author)
	if err != nil {
		testContext.Fatalf("first snapshot failed: %v", err)
	}
	if first != 1 {
		testContext.Fatalf("expected version 1, got %d", first)
	}

	blob := []byte("state two")
	second, err := documentStore.WriteSnapshot(context.Background(), manuscript, blob, 20, author)
	if err != nil {
		testContext.Fatalf("second snapshot failed: %v", err)
	}
	if second != 2 {
		testContext.Fatalf("expected version 2, got %d", second)
	}

	latest, err := documentStore.LatestSnapshot(context.Background(), manuscript)
	if err != nil {
		testContext.Fatalf("latest snapshot failed: %v", err)
	}
	if latest.Version != 2 {
		testContext.Fatalf("expected latest version 2, got %d", latest.Version)
	}
	if latest.ThroughClock != 20 {
		testContext.Fatalf("expected through clock 20, got %d", latest.ThroughClock)
	}
	expectedDigest := sha256.Sum256(blob)
	if latest.StateDigest != hex.EncodeToString(expectedDigest[:]) {
		testContext.Fatalf("state digest mismatch")
	}
	if latest.ByteSize != int64(len(blob)) {
		testContext.Fatalf("expected byte size %d, got %d", len(blob), latest.ByteSize)
	}
	if latest.AuthorID != "user-1" || latest.AuthorName != "Ada" {
		testContext.Fatalf("authorship not recorded")
	}
}

func TestLatestSnapshotReportsMissing(testContext *testing.T) {
	documentStore := mustStore(testContext)
	manuscript := mustDocumentID(testContext, "manuscript-missing")

	if _, err := documentStore.LatestSnapshot(context.Background(), manuscript); !errors.Is(err, ErrNoSnapshot) {
		testContext.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestListVersionsOmitsStateBlob(testContext *testing.T) {
	documentStore := mustStore(testContext)
	manuscript := mustDocumentID(testContext, "manuscript-list")
	author := Authorship{UserID: "user-2", UserName: "Grace"}

	if _, err := documentStore.WriteSnapshot(context.Background(), manuscript, []byte("old"), 5, author); err != nil {
		testContext.Fatalf("first snapshot failed: %v", err)
	}
	if _, err := documentStore.WriteSnapshot(context.Background(), manuscript, []byte("new"), 9, author); err != nil {
		testContext.Fatalf("second snapshot failed: %v", err)
	}

	versions, err := documentStore.ListVersions(context.Background(), manuscript)
	if err != nil {
		testContext.Fatalf("list versions failed: %v", err)
	}
	if len(versions) != 2 {
		testContext.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Version != 2 {
		testContext.Fatalf("expected newest first, got version %d", versions[0].Version)
	}
	for _, version := range versions {
		if len(version.StateBlob) != 0 {
			testContext.Fatalf("version listing leaked state blob")
		}
		if version.StateDigest == "" || version.ByteSize == 0 {
			testContext.Fatalf("version metadata missing")
		}
	}
}

func TestCompactUpdatesPreservesSnapshotTail(testContext *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	documentStore := mustStoreAt(testContext, func() time.Time { return now })
	manuscript := mustDocumentID(testContext, "manuscript-compact")

	for index := 0; index < 5; index++ {
		if _, err := documentStore.AppendUpdate(context.Background(), manuscript, []byte{byte(index + 1)}); err != nil {
			testContext.Fatalf("append failed: %v", err)
		}
	}
	author := Authorship{UserID: "user-3", UserName: "Edsger"}
	if _, err := documentStore.WriteSnapshot(context.Background(), manuscript, []byte("through three"), 3, author); err != nil {
		testContext.Fatalf("snapshot failed: %v", err)
	}

	now = now.Add(73 * time.Hour)
	removed, err := documentStore.CompactUpdates(context.Background(), manuscript, 72*time.Hour)
	if err != nil {
		testContext.Fatalf("compact failed: %v", err)
	}
	if removed != 2 {
		testContext.Fatalf("expected 2 removed updates, got %d", removed)
	}

	remaining, err := documentStore.LoadUpdates(context.Background(), manuscript, 0)
	if err != nil {
		testContext.Fatalf("load after compact failed: %v", err)
	}
	if len(remaining) != 3 {
		testContext.Fatalf("expected clocks 3,4,5 to survive, got %d records", len(remaining))
	}
	if remaining[0].Clock != 3 {
		testContext.Fatalf("expected first surviving clock 3, got %d", remaining[0].Clock)
	}
}

func TestCompactUpdatesWithoutSnapshotIsNoOp(testContext *testing.T) {
	documentStore := mustStore(testContext)
	manuscript := mustDocumentID(testContext, "manuscript-compact-none")

	if _, err := documentStore.AppendUpdate(context.Background(), manuscript, []byte{0x01}); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	removed, err := documentStore.CompactUpdates(context.Background(), manuscript, 0)
	if err != nil {
		testContext.Fatalf("compact failed: %v", err)
	}
	if removed != 0 {
		testContext.Fatalf("expected no-op without snapshot, removed %d", removed)
	}

	remaining, err := documentStore.LoadUpdates(context.Background(), manuscript, 0)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if len(remaining) != 1 {
		testContext.Fatalf("expected update to survive, got %d records", len(remaining))
	}
}

func TestCompactUpdatesHonorsRetentionWindow(testContext *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	documentStore := mustStoreAt(testContext, func() time.Time { return now })
	manuscript := mustDocumentID(testContext, "manuscript-retention")

	for index := 0; index < 3; index++ {
		if _, err := documentStore.AppendUpdate(context.Background(), manuscript, []byte{byte(index + 1)}); err != nil {
			testContext.Fatalf("append failed: %v", err)
		}
	}
	author := Authorship{UserID: "user-4", UserName: "Barbara"}
	if _, err := documentStore.WriteSnapshot(context.Background(), manuscript, []byte("all folded"), 3, author); err != nil {
		testContext.Fatalf("snapshot failed: %v", err)
	}

	removed, err := documentStore.CompactUpdates(context.Background(), manuscript, 72*time.Hour)
	if err != nil {
		testContext.Fatalf("compact failed: %v", err)
	}
	if removed != 0 {
		testContext.Fatalf("expected retention window to protect fresh updates, removed %d", removed)
	}
}

func TestNewDocumentIDValidation(testContext *testing.T) {
	if _, err := NewDocumentID("   "); !errors.Is(err, ErrInvalidDocumentID) {
		testContext.Fatalf("expected blank id to be rejected")
	}

	long := make([]byte, maxIdentifierLength+1)
	for index := range long {
		long[index] = 'a'
	}
	if _, err := NewDocumentID(string(long)); !errors.Is(err, ErrInvalidDocumentID) {
		testContext.Fatalf("expected oversized id to be rejected")
	}

	id, err := NewDocumentID("  manuscript-7  ")
	if err != nil {
		testContext.Fatalf("expected trimmed id to validate: %v", err)
	}
	if id.String() != "manuscript-7" {
		testContext.Fatalf("expected trimmed value, got %q", id.String())
	}
}

func mustStore(testContext *testing.T) *Store {
	testContext.Helper()
	return mustStoreAt(testContext, func() time.Time {
		return time.Unix(1700000000, 0).UTC()
	})
}

func mustStoreAt(testContext *testing.T, clock func() time.Time) *Store {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&UpdateRecord{}, &SnapshotRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	documentStore, err := NewStore(StoreConfig{
		Database: database,
		Clock:    clock,
	})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	return documentStore
}

func mustDocumentID(testContext *testing.T, value string) DocumentID {
	testContext.Helper()
	documentID, err := NewDocumentID(value)
	if err != nil {
		testContext.Fatalf("invalid document id: %v", err)
	}
	return documentID
}
