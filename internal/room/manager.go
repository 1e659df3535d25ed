package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ScriptoriumLab/vellum/backend/internal/artifact"
	"github.com/ScriptoriumLab/vellum/backend/internal/document"
	"github.com/ScriptoriumLab/vellum/backend/internal/metrics"
	"github.com/ScriptoriumLab/vellum/backend/internal/store"
)

const (
	defaultSnapshotUpdateThreshold = 500
	defaultCompactionRetention     = 72 * time.Hour
)

var (
	errMissingEngine = errors.New("document engine is required")
	errMissingStore  = errors.New("update store is required")
	noOpLogger       = zap.NewNop()

	// ErrManagerClosed indicates the manager stopped accepting resolves.
	ErrManagerClosed = errors.New("room: manager closed")
)

// ArtifactPublisher receives snapshot manifests. Publishing is best effort;
// failures never block or fail the snapshot itself.
type ArtifactPublisher interface {
	PublishManifest(ctx context.Context, manifest artifact.Manifest) error
}

// ManagerConfig describes the dependencies required to build a Manager.
type ManagerConfig struct {
	Engine                  document.Engine
	Store                   UpdateStore
	Artifacts               ArtifactPublisher
	Logger                  *zap.Logger
	Clock                   func() time.Time
	Metrics                 *metrics.Collector
	SnapshotUpdateThreshold int
	CompactionRetention     time.Duration
}

// Manager tracks the live rooms of this process, one per document.
type Manager struct {
	engine            document.Engine
	updateStore       UpdateStore
	artifacts         ArtifactPublisher
	logger            *zap.Logger
	clock             func() time.Time
	collector         *metrics.Collector
	snapshotThreshold int
	retention         time.Duration

	mu     sync.RWMutex
	rooms  map[string]*Room
	closed bool

	hydration singleflight.Group
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}
	threshold := cfg.SnapshotUpdateThreshold
	if threshold <= 0 {
		threshold = defaultSnapshotUpdateThreshold
	}
	retention := cfg.CompactionRetention
	if retention <= 0 {
		retention = defaultCompactionRetention
	}

	return &Manager{
		engine:            cfg.Engine,
		updateStore:       cfg.Store,
		artifacts:         cfg.Artifacts,
		logger:            logger,
		clock:             clock,
		collector:         collector,
		snapshotThreshold: threshold,
		retention:         retention,
		rooms:             map[string]*Room{},
	}, nil
}

// Resolve returns the live room for the document, hydrating it from storage
// if needed. Concurrent resolves for the same document share one hydration;
// a hydration failure fails every waiter and publishes nothing, so the next
// resolve retries cleanly.
func (manager *Manager) Resolve(ctx context.Context, name string) (*Room, error) {
	documentID, err := store.NewDocumentID(name)
	if err != nil {
		return nil, err
	}
	key := documentID.String()

	if existing, ok := manager.lookup(key); ok {
		return existing, nil
	}

	result, err, _ := manager.hydration.Do(key, func() (any, error) {
		if existing, ok := manager.lookup(key); ok {
			return existing, nil
		}

		hydrated, hydrateErr := manager.hydrate(ctx, documentID)
		if hydrateErr != nil {
			return nil, hydrateErr
		}

		manager.mu.Lock()
		if manager.closed {
			manager.mu.Unlock()
			return nil, ErrManagerClosed
		}
		manager.rooms[key] = hydrated
		manager.mu.Unlock()

		manager.collector.RoomsActive.Inc()
		return hydrated, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Room), nil
}

func (manager *Manager) lookup(key string) (*Room, bool) {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	if manager.closed {
		return nil, false
	}
	existing, ok := manager.rooms[key]
	return existing, ok
}

func (manager *Manager) hydrate(ctx context.Context, documentID store.DocumentID) (*Room, error) {
	manager.mu.RLock()
	if manager.closed {
		manager.mu.RUnlock()
		return nil, ErrManagerClosed
	}
	manager.mu.RUnlock()

	state := manager.engine.NewState()
	sinceClock := int64(0)

	snapshot, err := manager.updateStore.LatestSnapshot(ctx, documentID)
	switch {
	case err == nil:
		decoded, decodeErr := manager.engine.DecodeState(snapshot.StateBlob)
		if decodeErr != nil {
			manager.logger.Error("snapshot decode failed",
				zap.String("document", documentID.String()),
				zap.Int64("version", snapshot.Version),
				zap.Error(decodeErr))
			return nil, fmt.Errorf("hydrate %s: %w", documentID.String(), decodeErr)
		}
		state = decoded
		sinceClock = snapshot.ThroughClock
	case errors.Is(err, store.ErrNoSnapshot):
		// Fresh document: replay everything.
	default:
		return nil, fmt.Errorf("hydrate %s: %w", documentID.String(), err)
	}

	records, err := manager.updateStore.LoadUpdates(ctx, documentID, sinceClock)
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", documentID.String(), err)
	}
	lastClock := sinceClock
	for _, record := range records {
		if applyErr := state.Apply(record.Payload); applyErr != nil {
			manager.logger.Error("stored update replay failed",
				zap.String("document", documentID.String()),
				zap.Int64("clock", record.Clock),
				zap.Error(applyErr))
			return nil, fmt.Errorf("hydrate %s at clock %d: %w", documentID.String(), record.Clock, applyErr)
		}
		lastClock = record.Clock
	}

	manager.logger.Info("room hydrated",
		zap.String("document", documentID.String()),
		zap.Int64("since_clock", sinceClock),
		zap.Int("replayed", len(records)))

	return newRoom(roomConfig{
		name:               documentID,
		engine:             manager.engine,
		updateStore:        manager.updateStore,
		logger:             manager.logger,
		clock:              manager.clock,
		collector:          manager.collector,
		state:              state,
		lastClock:          lastClock,
		snapshottedThrough: sinceClock,
		pendingUpdates:     len(records),
	}), nil
}

// EvictIdle retires rooms that have no sessions and no activity since
// idleBefore, writing a final snapshot for each before it is forgotten.
// Rooms with even one session are never evicted.
func (manager *Manager) EvictIdle(ctx context.Context, idleBefore time.Time) int {
	manager.mu.Lock()
	var evicted []*Room
	for key, candidate := range manager.rooms {
		if candidate.closeIfIdle(idleBefore) {
			delete(manager.rooms, key)
			evicted = append(evicted, candidate)
		}
	}
	manager.mu.Unlock()

	for _, retired := range evicted {
		outcome, err := retired.Snapshot(ctx)
		if err != nil {
			// Updates are individually durable, so eviction loses nothing.
			manager.logger.Error("final snapshot failed during eviction",
				zap.String("document", retired.Name()),
				zap.Error(err))
		}
		manager.publishManifest(ctx, retired.Name(), outcome)
		manager.collector.RoomsEvicted.Inc()
		manager.collector.RoomsActive.Dec()
		manager.logger.Info("idle room evicted", zap.String("document", retired.Name()))
	}
	return len(evicted)
}

// SnapshotActive writes snapshots for live rooms whose unsnapshotted update
// count crossed the threshold and compacts their update logs.
func (manager *Manager) SnapshotActive(ctx context.Context) int {
	manager.mu.RLock()
	candidates := make([]*Room, 0, len(manager.rooms))
	for _, liveRoom := range manager.rooms {
		if liveRoom.PendingUpdates() >= manager.snapshotThreshold {
			candidates = append(candidates, liveRoom)
		}
	}
	manager.mu.RUnlock()

	written := 0
	for _, liveRoom := range candidates {
		outcome, err := liveRoom.Snapshot(ctx)
		if err != nil || !outcome.Written {
			continue
		}
		written++
		manager.publishManifest(ctx, liveRoom.Name(), outcome)

		documentID, idErr := store.NewDocumentID(liveRoom.Name())
		if idErr != nil {
			continue
		}
		removed, compactErr := manager.updateStore.CompactUpdates(ctx, documentID, manager.retention)
		if compactErr != nil {
			manager.logger.Error("compaction failed",
				zap.String("document", liveRoom.Name()),
				zap.Error(compactErr))
			continue
		}
		if removed > 0 {
			manager.logger.Info("update log compacted",
				zap.String("document", liveRoom.Name()),
				zap.Int64("removed", removed))
		}
	}
	return written
}

// BroadcastPresence forwards a presence event into the named room if it is
// live. Used by the presence sweeper to announce expired users.
func (manager *Manager) BroadcastPresence(roomName, userID, action string) {
	manager.mu.RLock()
	liveRoom, ok := manager.rooms[roomName]
	manager.mu.RUnlock()
	if ok {
		liveRoom.BroadcastPresence(userID, action, "")
	}
}

// RoomCount returns the number of live rooms.
func (manager *Manager) RoomCount() int {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	return len(manager.rooms)
}

// Shutdown stops accepting resolves, writes a final snapshot for every live
// room, and only then closes their sessions.
func (manager *Manager) Shutdown(ctx context.Context) {
	manager.mu.Lock()
	manager.closed = true
	remaining := make([]*Room, 0, len(manager.rooms))
	for _, liveRoom := range manager.rooms {
		remaining = append(remaining, liveRoom)
	}
	manager.rooms = map[string]*Room{}
	manager.mu.Unlock()

	for _, liveRoom := range remaining {
		liveRoom.forceClose()
		outcome, err := liveRoom.Snapshot(ctx)
		if err != nil {
			manager.logger.Error("final snapshot failed during shutdown",
				zap.String("document", liveRoom.Name()),
				zap.Error(err))
		}
		manager.publishManifest(ctx, liveRoom.Name(), outcome)
	}

	for _, liveRoom := range remaining {
		liveRoom.kickAll("server shutting down")
		manager.collector.RoomsActive.Dec()
	}
}

func (manager *Manager) publishManifest(ctx context.Context, documentName string, outcome SnapshotOutcome) {
	if manager.artifacts == nil || !outcome.Written {
		return
	}
	manifest := artifact.Manifest{
		DocumentID:   documentName,
		Version:      outcome.Version,
		ThroughClock: outcome.ThroughClock,
		AuthorID:     outcome.Author.UserID,
		AuthorName:   outcome.Author.UserName,
		ByteSize:     outcome.ByteSize,
		StateDigest:  outcome.StateDigest,
		SnapshotAt:   manager.clock().UTC().Unix(),
	}
	if err := manager.artifacts.PublishManifest(ctx, manifest); err != nil {
		manager.logger.Warn("artifact manifest publish failed",
			zap.String("document", documentName),
			zap.Int64("version", outcome.Version),
			zap.Error(err))
	}
}
