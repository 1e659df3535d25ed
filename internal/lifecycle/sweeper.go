// Package lifecycle runs the background maintenance loops of the
// collaboration service: periodic snapshots for busy rooms, eviction of idle
// ones, and expiry of presence entries whose sessions stopped heartbeating.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ScriptoriumLab/vellum/backend/internal/metrics"
	"github.com/ScriptoriumLab/vellum/backend/internal/presence"
	"github.com/ScriptoriumLab/vellum/backend/internal/protocol"
)

const (
	defaultRoomIdleTimeout       = 10 * time.Minute
	defaultRoomSweepInterval     = time.Minute
	defaultPresenceStaleTimeout  = time.Minute
	defaultPresenceSweepInterval = 30 * time.Second
)

var (
	errMissingRooms    = errors.New("room keeper is required")
	errMissingPresence = errors.New("presence keeper is required")

	noOpLogger = zap.NewNop()
)

// RoomKeeper is the slice of the room manager the sweeper drives.
type RoomKeeper interface {
	SnapshotActive(ctx context.Context) int
	EvictIdle(ctx context.Context, idleBefore time.Time) int
	BroadcastPresence(roomName, userID, action string)
}

// PresenceKeeper is the slice of the presence tracker the sweeper drives.
type PresenceKeeper interface {
	SweepStale(staleBefore time.Time) []presence.Removal
}

// SweeperConfig describes the dependencies and cadence of the sweeper.
type SweeperConfig struct {
	Rooms                 RoomKeeper
	Presence              PresenceKeeper
	Logger                *zap.Logger
	Clock                 func() time.Time
	Metrics               *metrics.Collector
	RoomIdleTimeout       time.Duration
	RoomSweepInterval     time.Duration
	PresenceStaleTimeout  time.Duration
	PresenceSweepInterval time.Duration
}

// Sweeper owns the two maintenance loops. Start launches them, Stop cancels
// and waits for both to drain.
type Sweeper struct {
	rooms     RoomKeeper
	presence  PresenceKeeper
	logger    *zap.Logger
	clock     func() time.Time
	collector *metrics.Collector

	roomIdleTimeout       time.Duration
	roomSweepInterval     time.Duration
	presenceStaleTimeout  time.Duration
	presenceSweepInterval time.Duration

	cancel  context.CancelFunc
	stopped sync.WaitGroup
}

// NewSweeper validates the configuration and returns a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Rooms == nil {
		return nil, errMissingRooms
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
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

	sweeper := &Sweeper{
		rooms:                 cfg.Rooms,
		presence:              cfg.Presence,
		logger:                logger,
		clock:                 clock,
		collector:             collector,
		roomIdleTimeout:       cfg.RoomIdleTimeout,
		roomSweepInterval:     cfg.RoomSweepInterval,
		presenceStaleTimeout:  cfg.PresenceStaleTimeout,
		presenceSweepInterval: cfg.PresenceSweepInterval,
	}
	if sweeper.roomIdleTimeout <= 0 {
		sweeper.roomIdleTimeout = defaultRoomIdleTimeout
	}
	if sweeper.roomSweepInterval <= 0 {
		sweeper.roomSweepInterval = defaultRoomSweepInterval
	}
	if sweeper.presenceStaleTimeout <= 0 {
		sweeper.presenceStaleTimeout = defaultPresenceStaleTimeout
	}
	if sweeper.presenceSweepInterval <= 0 {
		sweeper.presenceSweepInterval = defaultPresenceSweepInterval
	}
	return sweeper, nil
}

// Start launches the maintenance loops.
func (sweeper *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sweeper.cancel = cancel
	sweeper.stopped.Add(2)
	go sweeper.runRoomLoop(ctx)
	go sweeper.runPresenceLoop(ctx)
}

// Stop cancels the loops and waits for both to exit.
func (sweeper *Sweeper) Stop() {
	if sweeper.cancel == nil {
		return
	}
	sweeper.cancel()
	sweeper.stopped.Wait()
}

func (sweeper *Sweeper) runRoomLoop(ctx context.Context) {
	defer sweeper.stopped.Done()
	ticker := time.NewTicker(sweeper.roomSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.sweepRoomsOnce(ctx, sweeper.clock())
		}
	}
}

func (sweeper *Sweeper) runPresenceLoop(ctx context.Context) {
	defer sweeper.stopped.Done()
	ticker := time.NewTicker(sweeper.presenceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.sweepPresenceOnce(sweeper.clock())
		}
	}
}

func (sweeper *Sweeper) sweepRoomsOnce(ctx context.Context, now time.Time) {
	written := sweeper.rooms.SnapshotActive(ctx)
	evicted := sweeper.rooms.EvictIdle(ctx, now.Add(-sweeper.roomIdleTimeout))
	if written > 0 || evicted > 0 {
		sweeper.logger.Info("room sweep finished",
			zap.Int("snapshots", written),
			zap.Int("evicted", evicted))
	}
}

func (sweeper *Sweeper) sweepPresenceOnce(now time.Time) {
	removals := sweeper.presence.SweepStale(now.Add(-sweeper.presenceStaleTimeout))
	if len(removals) == 0 {
		return
	}
	for _, removal := range removals {
		sweeper.rooms.BroadcastPresence(removal.Room, removal.UserID, protocol.PresenceActionLeft)
	}
	sweeper.collector.PresenceSwept.Add(float64(len(removals)))
	sweeper.logger.Info("stale presence swept", zap.Int("removed", len(removals)))
}
