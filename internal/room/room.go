// Package room owns live document state. A Room is the only writer to its
// document: every inbound update is persisted, folded into the in-memory
// state, and relayed to peer sessions under a single mutex, which gives each
// document a total update order without cross-document contention. The
// Manager hydrates rooms from storage on demand and retires them when idle.
package room

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ScriptoriumLab/vellum/backend/internal/document"
	"github.com/ScriptoriumLab/vellum/backend/internal/metrics"
	"github.com/ScriptoriumLab/vellum/backend/internal/protocol"
	"github.com/ScriptoriumLab/vellum/backend/internal/store"
)

var (
	// ErrRoomClosed indicates the room was retired; callers resolve again.
	ErrRoomClosed = errors.New("room: closed")
)

var systemAuthor = store.Authorship{UserID: "system", UserName: "System"}

// Session is one connected editor attached to a room. Deliver and
// DeliverText report false when the session can no longer accept output.
type Session interface {
	ID() string
	UserID() string
	UserName() string
	Deliver(frame []byte) bool
	DeliverText(message []byte) bool
	Kick(reason string)
}

// UpdateStore is the slice of the persistence layer rooms depend on.
type UpdateStore interface {
	AppendUpdate(ctx context.Context, documentID store.DocumentID, payload []byte) (int64, error)
	LoadUpdates(ctx context.Context, documentID store.DocumentID, sinceClock int64) ([]store.UpdateRecord, error)
	WriteSnapshot(ctx context.Context, documentID store.DocumentID, stateBlob []byte, throughClock int64, author store.Authorship) (int64, error)
	LatestSnapshot(ctx context.Context, documentID store.DocumentID) (store.SnapshotRecord, error)
	CompactUpdates(ctx context.Context, documentID store.DocumentID, retention time.Duration) (int64, error)
}

// SnapshotOutcome reports what a snapshot pass wrote, if anything.
type SnapshotOutcome struct {
	Written      bool
	Version      int64
	ThroughClock int64
	ByteSize     int64
	StateDigest  string
	Author       store.Authorship
}

// Room holds the live state for one document.
type Room struct {
	name        store.DocumentID
	engine      document.Engine
	updateStore UpdateStore
	logger      *zap.Logger
	clock       func() time.Time
	collector   *metrics.Collector

	mu                 sync.Mutex
	state              document.State
	sessions           map[string]Session
	closed             bool
	lastActivity       time.Time
	lastClock          int64
	snapshottedThrough int64
	pendingUpdates     int
	lastAuthor         store.Authorship
}

type roomConfig struct {
	name               store.DocumentID
	engine             document.Engine
	updateStore        UpdateStore
	logger             *zap.Logger
	clock              func() time.Time
	collector          *metrics.Collector
	state              document.State
	lastClock          int64
	snapshottedThrough int64
	pendingUpdates     int
}

func newRoom(cfg roomConfig) *Room {
	return &Room{
		name:               cfg.name,
		engine:             cfg.engine,
		updateStore:        cfg.updateStore,
		logger:             cfg.logger,
		clock:              cfg.clock,
		collector:          cfg.collector,
		state:              cfg.state,
		sessions:           map[string]Session{},
		lastActivity:       cfg.clock(),
		lastClock:          cfg.lastClock,
		snapshottedThrough: cfg.snapshottedThrough,
		pendingUpdates:     cfg.pendingUpdates,
		lastAuthor:         systemAuthor,
	}
}

// Name returns the document name the room serves.
func (room *Room) Name() string {
	return room.name.String()
}

// Attach registers a session and immediately sends it the room's state vector
// so the client can begin the sync exchange.
func (room *Room) Attach(session Session) error {
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return ErrRoomClosed
	}
	room.sessions[session.ID()] = session
	room.lastActivity = room.clock()
	vector := room.state.Vector()
	room.mu.Unlock()

	session.Deliver(protocol.EncodeFrame(protocol.TagVectorRequest, vector))
	return nil
}

// Detach removes a session. Safe to call for sessions that never attached.
func (room *Room) Detach(sessionID string) {
	room.mu.Lock()
	delete(room.sessions, sessionID)
	room.lastActivity = room.clock()
	room.mu.Unlock()
}

// SessionCount returns the number of attached sessions.
func (room *Room) SessionCount() int {
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.sessions)
}

// PendingUpdates returns the number of persisted updates not yet covered by a
// snapshot.
func (room *Room) PendingUpdates() int {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.pendingUpdates
}

// AdmitUpdate persists the payload, folds it into the room state, and relays
// it to every session except the sender. The update is durable before any
// peer sees it; a persistence failure leaves the room state untouched and the
// sender unacknowledged, so its client re-syncs on reconnect.
func (room *Room) AdmitUpdate(ctx context.Context, senderID string, payload []byte) (int64, error) {
	if _, err := room.engine.Merge(payload); err != nil {
		room.collector.UpdateFailures.Inc()
		return 0, err
	}

	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return 0, ErrRoomClosed
	}

	clock, err := room.updateStore.AppendUpdate(ctx, room.name, payload)
	if err != nil {
		room.mu.Unlock()
		room.collector.UpdateFailures.Inc()
		room.logger.Error("update persistence failed",
			zap.String("document", room.name.String()),
			zap.String("session", senderID),
			zap.Error(err))
		return 0, err
	}

	if applyErr := room.state.Apply(payload); applyErr != nil {
		// Validated above, so this means the engine and state disagree.
		room.logger.Error("update apply failed after persist",
			zap.String("document", room.name.String()),
			zap.Int64("clock", clock),
			zap.Error(applyErr))
	}
	room.lastClock = clock
	room.pendingUpdates++
	room.lastActivity = room.clock()
	if sender, ok := room.sessions[senderID]; ok {
		room.lastAuthor = store.Authorship{UserID: sender.UserID(), UserName: sender.UserName()}
	}
	receivers := room.peersLocked(senderID)
	room.mu.Unlock()

	room.collector.UpdatesPersisted.Inc()
	frame := protocol.EncodeFrame(protocol.TagUpdate, payload)
	for _, peer := range receivers {
		if peer.Deliver(frame) {
			room.collector.UpdatesRelayed.Inc()
			continue
		}
		room.logger.Warn("session dropped as slow consumer",
			zap.String("document", room.name.String()),
			zap.String("session", peer.ID()))
		peer.Kick("outbound queue overflow")
	}
	return clock, nil
}

// VectorReply computes the update that brings the owner of the given vector
// up to date with the room state.
func (room *Room) VectorReply(requesterVector []byte) ([]byte, error) {
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return nil, ErrRoomClosed
	}
	return room.state.Diff(requesterVector)
}

// RelayAwareness forwards an awareness payload to every session except the
// sender. Awareness is ephemeral: it is never persisted and does not count as
// document activity.
func (room *Room) RelayAwareness(senderID string, payload []byte) {
	room.mu.Lock()
	receivers := room.peersLocked(senderID)
	room.mu.Unlock()

	frame := protocol.EncodeFrame(protocol.TagAwareness, payload)
	for _, peer := range receivers {
		if !peer.Deliver(frame) {
			peer.Kick("outbound queue overflow")
		}
	}
}

// BroadcastPresence sends the join/leave text event to every session except
// the one identified by exceptSessionID.
func (room *Room) BroadcastPresence(userID, action, exceptSessionID string) {
	encoded, err := protocol.NewPresenceEvent(userID, action, room.clock().UTC()).Encode()
	if err != nil {
		room.logger.Error("presence event encoding failed", zap.Error(err))
		return
	}

	room.mu.Lock()
	receivers := room.peersLocked(exceptSessionID)
	room.mu.Unlock()

	for _, peer := range receivers {
		peer.DeliverText(encoded)
	}
}

// Snapshot writes the current state as a new version unless every persisted
// update is already covered by an existing snapshot.
func (room *Room) Snapshot(ctx context.Context) (SnapshotOutcome, error) {
	room.mu.Lock()
	if room.lastClock <= room.snapshottedThrough {
		room.mu.Unlock()
		return SnapshotOutcome{}, nil
	}
	blob := room.state.Encode()
	throughClock := room.lastClock
	author := room.lastAuthor
	room.mu.Unlock()

	version, err := room.updateStore.WriteSnapshot(ctx, room.name, blob, throughClock, author)
	if err != nil {
		room.logger.Error("snapshot write failed",
			zap.String("document", room.name.String()),
			zap.Int64("through_clock", throughClock),
			zap.Error(err))
		return SnapshotOutcome{}, err
	}

	room.mu.Lock()
	if throughClock > room.snapshottedThrough {
		room.snapshottedThrough = throughClock
	}
	room.pendingUpdates = 0
	room.mu.Unlock()

	room.collector.SnapshotsWritten.Inc()
	room.logger.Info("snapshot written",
		zap.String("document", room.name.String()),
		zap.Int64("version", version),
		zap.Int64("through_clock", throughClock))

	return SnapshotOutcome{
		Written:      true,
		Version:      version,
		ThroughClock: throughClock,
		ByteSize:     int64(len(blob)),
		StateDigest:  stateDigest(blob),
		Author:       author,
	}, nil
}

func (room *Room) peersLocked(exceptSessionID string) []Session {
	receivers := make([]Session, 0, len(room.sessions))
	for sessionID, session := range room.sessions {
		if sessionID == exceptSessionID {
			continue
		}
		receivers = append(receivers, session)
	}
	return receivers
}

func (room *Room) closeIfIdle(idleBefore time.Time) bool {
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed || len(room.sessions) > 0 {
		return false
	}
	if !room.lastActivity.Before(idleBefore) {
		return false
	}
	room.closed = true
	return true
}

func (room *Room) forceClose() {
	room.mu.Lock()
	room.closed = true
	room.mu.Unlock()
}

func (room *Room) kickAll(reason string) {
	room.mu.Lock()
	sessions := make([]Session, 0, len(room.sessions))
	for _, session := range room.sessions {
		sessions = append(sessions, session)
	}
	room.sessions = map[string]Session{}
	room.mu.Unlock()

	for _, session := range sessions {
		session.Kick(reason)
	}
}

func stateDigest(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
