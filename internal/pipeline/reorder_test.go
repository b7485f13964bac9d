package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mirrortalk/mirrortalk/internal/twerr"
	"github.com/mirrortalk/mirrortalk/internal/voicestream"
)

func collectFrames(t *testing.T, buf *reorderBuffer, want int) []voicestream.Frame {
	t.Helper()
	var got []voicestream.Frame
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-buf.Out():
			if !ok {
				return got
			}
			got = append(got, f)
			if want > 0 && len(got) == want {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out with %d of %d frames", len(got), want)
		}
	}
}

func TestReorderEmitsSortedOrderForAnyArrival(t *testing.T) {
	// Three units of three chunks each, offered in a shuffled order from
	// concurrent producers, must come out in (unit, chunk) order.
	var frames []voicestream.Frame
	for unit := 0; unit < 3; unit++ {
		for chunk := 0; chunk < 3; chunk++ {
			frames = append(frames, voicestream.Frame{
				Unit:  unit,
				Chunk: chunk,
				Audio: []byte(fmt.Sprintf("u%dc%d", unit, chunk)),
				Final: chunk == 2,
			})
		}
	}

	for trial := 0; trial < 20; trial++ {
		shuffled := append([]voicestream.Frame(nil), frames...)
		rnd := rand.New(rand.NewSource(int64(trial)))
		rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		buf := newReorderBuffer(time.Minute)
		var wg sync.WaitGroup
		for _, f := range shuffled {
			wg.Add(1)
			go func(f voicestream.Frame) {
				defer wg.Done()
				if err := buf.Offer(context.Background(), f); err != nil {
					t.Errorf("trial %d: offer %d/%d: %v", trial, f.Unit, f.Chunk, err)
				}
			}(f)
		}

		got := collectFrames(t, buf, len(frames))
		wg.Wait()
		buf.Close()

		if !sort.SliceIsSorted(got, func(i, j int) bool {
			a := chunkKey{unit: got[i].Unit, chunk: got[i].Chunk}
			b := chunkKey{unit: got[j].Unit, chunk: got[j].Chunk}
			return a.less(b)
		}) {
			t.Fatalf("trial %d: frames out of order: %+v", trial, got)
		}
		if len(got) != len(frames) {
			t.Fatalf("trial %d: got %d frames, want %d", trial, len(got), len(frames))
		}
	}
}

func TestReorderSkipUnitUnblocksSuccessors(t *testing.T) {
	buf := newReorderBuffer(time.Minute)
	ctx := context.Background()

	// Unit 1 arrives complete while unit 0 is still pending.
	if err := buf.Offer(ctx, voicestream.Frame{Unit: 1, Chunk: 0, Audio: []byte("b"), Final: true}); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-buf.Out():
		t.Fatalf("frame %d/%d emitted before cursor reached it", f.Unit, f.Chunk)
	case <-time.After(20 * time.Millisecond):
	}

	if err := buf.SkipUnit(ctx, 0); err != nil {
		t.Fatal(err)
	}
	got := collectFrames(t, buf, 1)
	if got[0].Unit != 1 || got[0].Chunk != 0 {
		t.Fatalf("got frame %d/%d, want 1/0", got[0].Unit, got[0].Chunk)
	}
	buf.Close()
}

func TestReorderSkipDiscardsPartialUnit(t *testing.T) {
	buf := newReorderBuffer(time.Minute)
	ctx := context.Background()

	// Unit 0 delivered chunk 0 before its synthesis failed.
	if err := buf.Offer(ctx, voicestream.Frame{Unit: 0, Chunk: 0, Audio: []byte("a0")}); err != nil {
		t.Fatal(err)
	}
	if err := buf.Offer(ctx, voicestream.Frame{Unit: 1, Chunk: 0, Audio: []byte("b0"), Final: true}); err != nil {
		t.Fatal(err)
	}
	if err := buf.SkipUnit(ctx, 0); err != nil {
		t.Fatal(err)
	}

	got := collectFrames(t, buf, 2)
	if got[0].Unit != 0 || got[1].Unit != 1 {
		t.Fatalf("got units %d,%d; want 0,1", got[0].Unit, got[1].Unit)
	}
	buf.Close()
}

func TestReorderDropsDuplicateBehindCursor(t *testing.T) {
	buf := newReorderBuffer(time.Minute)
	ctx := context.Background()

	if err := buf.Offer(ctx, voicestream.Frame{Unit: 0, Chunk: 0, Audio: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	_ = collectFrames(t, buf, 1)

	// A retried unit re-emits chunk 0; it must vanish, not wedge the cursor.
	if err := buf.Offer(ctx, voicestream.Frame{Unit: 0, Chunk: 0, Audio: []byte("a-again")}); err != nil {
		t.Fatal(err)
	}
	if err := buf.Offer(ctx, voicestream.Frame{Unit: 0, Chunk: 1, Audio: []byte("b"), Final: true}); err != nil {
		t.Fatal(err)
	}
	got := collectFrames(t, buf, 1)
	if got[0].Chunk != 1 {
		t.Fatalf("got chunk %d, want 1", got[0].Chunk)
	}
	buf.Close()
}

func TestReorderWatchWarnsThenAborts(t *testing.T) {
	buf := newReorderBuffer(30 * time.Millisecond)
	ctx := context.Background()

	warned := make(chan chunkKey, 4)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- buf.Watch(ctx, func(gap chunkKey, _ time.Duration) {
			warned <- gap
		})
	}()

	// Park a frame behind a gap at (0,0) and never fill it.
	if err := buf.Offer(ctx, voicestream.Frame{Unit: 0, Chunk: 1, Audio: []byte("late")}); err != nil {
		t.Fatal(err)
	}

	select {
	case gap := <-warned:
		if gap.unit != 0 || gap.chunk != 0 {
			t.Fatalf("warned about %v, want gap at 0/0", gap)
		}
	case <-time.After(time.Second):
		t.Fatal("no stall warning")
	}

	select {
	case err := <-watchErr:
		if twerr.CodeOf(err) != twerr.CodeTTSStall {
			t.Fatalf("abort code = %s, want %s", twerr.CodeOf(err), twerr.CodeTTSStall)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog never aborted")
	}

	// The buffer is dead: offers report the abort.
	err := buf.Offer(ctx, voicestream.Frame{Unit: 0, Chunk: 0})
	if twerr.CodeOf(err) != twerr.CodeTTSStall {
		t.Fatalf("post-abort offer error = %v", err)
	}
	if _, ok := <-buf.Out(); ok {
		t.Fatal("out channel still open after abort")
	}
}

func TestReorderWatchQuietWhenCursorAdvances(t *testing.T) {
	buf := newReorderBuffer(40 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	warned := make(chan chunkKey, 16)
	done := make(chan error, 1)
	go func() {
		done <- buf.Watch(ctx, func(gap chunkKey, _ time.Duration) { warned <- gap })
	}()

	go func() {
		for i := 0; i < 6; i++ {
			time.Sleep(15 * time.Millisecond)
			_ = buf.Offer(ctx, voicestream.Frame{Unit: 0, Chunk: i, Audio: []byte("x")})
		}
		buf.Close()
	}()

	_ = collectFrames(t, buf, 0) // drain until close
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("watch returned %v", err)
	}
	select {
	case gap := <-warned:
		t.Fatalf("spurious stall warning at %v", gap)
	default:
	}
}
