// Package daemon provides the long-running replica process that wires the
// transport channels to the sync coordinator.
//
// The daemon:
// 1. Funnels inbound transport frames into the coordinator
// 2. Periodically flushes the delta outbox toward the producer
// 3. Periodically prunes stale snapshot chunks
// 4. Republishes status changes to the diagnostics server
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matchday/libsync/internal/diag"
	"github.com/matchday/libsync/internal/store"
	syncpkg "github.com/matchday/libsync/internal/sync"
	"github.com/matchday/libsync/internal/transport"
)

// Config holds configuration for the daemon.
type Config struct {
	// FlushInterval is how often the outbox is drained toward the peer.
	FlushInterval time.Duration

	// MaintenanceInterval is how often stale chunks are pruned and
	// spooled outbound traffic is retried.
	MaintenanceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:       15 * time.Second,
		MaintenanceInterval: 5 * time.Minute,
		Logger:              log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates transport, coordinator, and diagnostics.
type Daemon struct {
	coord   syncpkg.Coordinator
	adapter *transport.Adapter
	diag    *diag.Server
	config  *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. The diagnostics server may be nil.
func New(coord syncpkg.Coordinator, adapter *transport.Adapter, diagServer *diag.Server, config *Config) (*Daemon, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if adapter == nil {
		return nil, fmt.Errorf("adapter cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		coord:   coord,
		adapter: adapter,
		diag:    diagServer,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.diag != nil {
		d.coord.OnStatusChange(func(st store.SyncStatus) {
			d.diag.Broadcast(diag.EventFromStatus(st))
		})
	}

	d.wg.Add(2)
	go d.flushLoop()
	go d.maintenanceLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// FlushOutbox sends every pending delta and records the attempts.
// Callable directly for a manual flush.
func (d *Daemon) FlushOutbox(ctx context.Context) error {
	envelopes, err := d.coord.PendingDeltas(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pending deltas: %w", err)
	}
	if len(envelopes) == 0 {
		return nil
	}

	var attempted []uuid.UUID
	for _, e := range envelopes {
		if err := d.adapter.SendDelta(ctx, e); err != nil {
			d.config.Logger.Printf("Failed to send delta %s: %v", e.ID, err)
			continue
		}
		attempted = append(attempted, e.ID)
	}

	if len(attempted) == 0 {
		return nil
	}

	if err := d.coord.MarkDeltasAttempted(ctx, attempted); err != nil {
		return fmt.Errorf("failed to mark attempts: %w", err)
	}

	d.config.Logger.Printf("Flushed %d of %d pending deltas", len(attempted), len(envelopes))
	return nil
}

// flushLoop periodically drains the outbox.
func (d *Daemon) flushLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.FlushOutbox(d.ctx); err != nil {
				d.config.Logger.Printf("Outbox flush failed: %v", err)
			}
		}
	}
}

// maintenanceLoop prunes stale chunks and retries spooled traffic.
func (d *Daemon) maintenanceLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.coord.PruneStaleChunks(d.ctx); err != nil {
				d.config.Logger.Printf("Chunk prune failed: %v", err)
			}
			d.adapter.FlushSpooled(d.ctx)
		}
	}
}
