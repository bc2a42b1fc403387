package transport

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/matchday/libsync/internal/protocol"
	syncpkg "github.com/matchday/libsync/internal/sync"
)

// Adapter is the thin shim between the coordinator and the message
// channel. Outbound, it chooses immediate-send over the live channel when
// the peer is reachable and falls back to the durable spool otherwise (or
// when an immediate send fails). Inbound, it funnels frames from both the
// live channel and the spool onto the coordinator.
type Adapter struct {
	live   *WSChannel
	spool  *Spool
	coord  syncpkg.Coordinator
	logger *log.Logger
}

// NewAdapter wires a live channel and a spool to the coordinator.
// Either channel may be nil; at least one must be set.
func NewAdapter(live *WSChannel, spool *Spool, coord syncpkg.Coordinator, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}

	a := &Adapter{
		live:   live,
		spool:  spool,
		coord:  coord,
		logger: logger,
	}

	if live != nil {
		live.Handle(a.dispatch)
		live.OnReachability(a.reachabilityChanged)
	}
	if spool != nil {
		spool.Handle(a.dispatch)
	}

	return a
}

// dispatch routes one inbound frame to the coordinator. All failures are
// absorbed here: a bad frame costs only itself.
func (a *Adapter) dispatch(msg Message) {
	ctx := context.Background()

	switch msg.Kind {
	case KindSnapshot:
		if err := a.coord.IngestSnapshotData(ctx, msg.Body); err != nil {
			a.logger.Printf("Failed to ingest snapshot: %v", err)
		}

	case KindSyncStatus:
		var status protocol.ManualSyncStatus
		if err := json.Unmarshal(msg.Body, &status); err != nil {
			a.logger.Printf("Dropping unparseable sync status message: %v", err)
			return
		}
		if err := a.coord.IngestManualStatus(ctx, &status); err != nil {
			a.logger.Printf("Failed to merge sync status: %v", err)
		}

	default:
		// Deltas and sync requests flow the other way; anything else is
		// from a newer peer.
		a.logger.Printf("Ignoring inbound %q frame", msg.Kind)
	}
}

// reachabilityChanged records the transition on the status record and,
// when the peer comes back, pushes spooled outbound traffic through the
// live channel.
func (a *Adapter) reachabilityChanged(reachable bool) {
	ctx := context.Background()
	if err := a.coord.SetReachable(ctx, reachable); err != nil {
		a.logger.Printf("Failed to record reachability change: %v", err)
	}
	if reachable {
		a.FlushSpooled(ctx)
	}
}

// SendDelta encodes and delivers one delta envelope. Delivery is
// fire-and-forget: acknowledgment arrives later, embedded in a snapshot.
func (a *Adapter) SendDelta(ctx context.Context, e *protocol.DeltaEnvelope) error {
	body, err := protocol.EncodeDelta(e)
	if err != nil {
		return err
	}
	return a.send(ctx, Message{Kind: KindDelta, Body: body})
}

// RequestResync asks the producer to re-send a fresh full snapshot.
func (a *Adapter) RequestResync(ctx context.Context) error {
	return a.send(ctx, Message{Kind: KindSyncRequest})
}

// send tries the live channel first when reachable and spools otherwise.
func (a *Adapter) send(ctx context.Context, msg Message) error {
	if a.live != nil && a.live.Reachable() {
		if err := a.live.Send(ctx, msg); err == nil {
			return nil
		} else {
			a.logger.Printf("Immediate send failed, spooling %q frame: %v", msg.Kind, err)
		}
	}
	if a.spool == nil {
		return ErrUnreachable
	}
	return a.spool.Write(msg)
}

// FlushSpooled re-sends spooled outbound files over the live channel,
// removing each on success. Files stay spooled while the peer is away.
func (a *Adapter) FlushSpooled(ctx context.Context) {
	if a.spool == nil || a.live == nil || !a.live.Reachable() {
		return
	}

	paths, err := a.spool.PendingOutbound()
	if err != nil {
		a.logger.Printf("Failed to list spooled outbound: %v", err)
		return
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			a.logger.Printf("Failed to read spooled file %s: %v", path, err)
			continue
		}
		msg, err := UnmarshalMessage(data)
		if err != nil {
			a.logger.Printf("Skipping unparseable spooled file %s: %v", path, err)
			continue
		}
		if err := a.live.Send(ctx, msg); err != nil {
			// Peer went away again; remaining files wait for the next flush.
			a.logger.Printf("Flush interrupted at %s: %v", path, err)
			return
		}
		if err := os.Remove(path); err != nil {
			a.logger.Printf("Failed to remove flushed spool file %s: %v", path, err)
		}
	}
}

// Reachable reports live-channel reachability.
func (a *Adapter) Reachable() bool {
	return a.live != nil && a.live.Reachable()
}
