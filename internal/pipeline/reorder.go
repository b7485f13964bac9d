package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mirrortalk/mirrortalk/internal/twerr"
	"github.com/mirrortalk/mirrortalk/internal/voicestream"
)

// chunkKey orders outbound chunks within a turn.
type chunkKey struct {
	unit  int
	chunk int
}

func (k chunkKey) less(o chunkKey) bool {
	if k.unit != o.unit {
		return k.unit < o.unit
	}
	return k.chunk < o.chunk
}

// reorderBuffer restores strict (unit, chunk) delivery order across
// concurrently synthesised units. Chunks whose key matches the cursor are
// forwarded immediately; later keys wait. A gap at the cursor lasting
// longer than the stall timeout logs a warning, and past twice the
// timeout aborts the turn with TTS_STALL.
//
// Safe for concurrent Offer calls; Out is consumed by one goroutine.
type reorderBuffer struct {
	stall   time.Duration
	out     chan voicestream.Frame
	advance chan struct{} // wakes the watchdog when the cursor moves

	mu      sync.Mutex
	cursor  chunkKey
	pending map[chunkKey]voicestream.Frame
	// skipUnits marks units dropped by the failure policy; the cursor
	// jumps over them.
	skipUnits map[int]bool
	closed    bool
	aborted   error
}

func newReorderBuffer(stall time.Duration) *reorderBuffer {
	return &reorderBuffer{
		stall:     stall,
		out:       make(chan voicestream.Frame, 8),
		advance:   make(chan struct{}, 1),
		pending:   make(map[chunkKey]voicestream.Frame),
		skipUnits: make(map[int]bool),
	}
}

// Out emits frames in strict key order.
func (b *reorderBuffer) Out() <-chan voicestream.Frame { return b.out }

// Offer inserts one frame, forwarding it and any now-contiguous pending
// frames if it lands on the cursor.
func (b *reorderBuffer) Offer(ctx context.Context, f voicestream.Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return b.aborted
	}
	key := chunkKey{unit: f.Unit, chunk: f.Chunk}
	// A retried unit re-emits chunks the first attempt already delivered;
	// anything behind the cursor is a duplicate.
	if key.less(b.cursor) {
		b.mu.Unlock()
		return nil
	}
	b.pending[key] = f
	ready := b.takeReadyLocked()
	b.mu.Unlock()

	return b.forward(ctx, ready)
}

// SkipUnit marks a unit as dropped so the cursor can pass it. Called by
// the failure policy after a unit fails synthesis twice.
func (b *reorderBuffer) SkipUnit(ctx context.Context, unit int) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return b.aborted
	}
	b.skipUnits[unit] = true
	ready := b.takeReadyLocked()
	b.mu.Unlock()

	return b.forward(ctx, ready)
}

// takeReadyLocked drains the contiguous run at the cursor. The Final
// flag on a unit's last frame moves the cursor to the next unit.
func (b *reorderBuffer) takeReadyLocked() []voicestream.Frame {
	var ready []voicestream.Frame
	for {
		// A skipped unit may have emitted a partial prefix before
		// failing; abandon whatever remains of it.
		if b.skipUnits[b.cursor.unit] {
			skipped := b.cursor.unit
			delete(b.skipUnits, skipped)
			for k := range b.pending {
				if k.unit == skipped {
					delete(b.pending, k)
				}
			}
			b.cursor = chunkKey{unit: skipped + 1}
			continue
		}
		f, ok := b.pending[b.cursor]
		if !ok {
			break
		}
		delete(b.pending, b.cursor)
		ready = append(ready, f)
		if f.Final {
			b.cursor = chunkKey{unit: b.cursor.unit + 1}
		} else {
			b.cursor = chunkKey{unit: b.cursor.unit, chunk: b.cursor.chunk + 1}
		}
	}
	if len(ready) > 0 {
		select {
		case b.advance <- struct{}{}:
		default:
		}
	}
	return ready
}

func (b *reorderBuffer) forward(ctx context.Context, frames []voicestream.Frame) error {
	for _, f := range frames {
		select {
		case b.out <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Watch runs the stall watchdog until ctx ends or the buffer aborts.
// warn is called once per stall episode at the stall timeout.
func (b *reorderBuffer) Watch(ctx context.Context, warn func(gap chunkKey, waited time.Duration)) error {
	warnTimer := time.NewTimer(b.stall)
	defer warnTimer.Stop()
	abortTimer := time.NewTimer(2 * b.stall)
	defer abortTimer.Stop()

	reset := func() {
		if !warnTimer.Stop() {
			select {
			case <-warnTimer.C:
			default:
			}
		}
		warnTimer.Reset(b.stall)
		if !abortTimer.Stop() {
			select {
			case <-abortTimer.C:
			default:
			}
		}
		abortTimer.Reset(2 * b.stall)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.advance:
			reset()
		case <-warnTimer.C:
			if b.waitingOnGap() {
				b.mu.Lock()
				cursor := b.cursor
				b.mu.Unlock()
				warn(cursor, b.stall)
			}
		case <-abortTimer.C:
			if !b.waitingOnGap() {
				reset()
				continue
			}
			err := twerr.New(twerr.CodeTTSStall,
				fmt.Errorf("pipeline: reorder stall at unit %d chunk %d", b.cursorSnapshot().unit, b.cursorSnapshot().chunk))
			b.Abort(err)
			return err
		}
	}
}

// waitingOnGap reports whether frames are parked behind a missing key.
func (b *reorderBuffer) waitingOnGap() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0 && !b.closed
}

func (b *reorderBuffer) cursorSnapshot() chunkKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Close marks the input complete and closes Out once everything
// contiguous has been forwarded. Remaining out-of-order frames (a gap at
// end of turn) are discarded.
func (b *reorderBuffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.pending = make(map[chunkKey]voicestream.Frame)
	b.mu.Unlock()
	close(b.out)
}

// Abort discards everything and closes Out. Subsequent Offer calls
// return err.
func (b *reorderBuffer) Abort(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.aborted = err
	b.pending = make(map[chunkKey]voicestream.Frame)
	b.mu.Unlock()
	close(b.out)
}

// pendingKeys returns the parked keys in sorted order, for logging.
func (b *reorderBuffer) pendingKeys() []chunkKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]chunkKey, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}
