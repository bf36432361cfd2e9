package queue

import (
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/media"
)

func item(ref string) media.Item {
	return media.Item{SourceRef: ref, Kind: media.KindVideo, Title: ref, CanonicalRef: ref}
}

func items(refs ...string) []media.Item {
	out := make([]media.Item, 0, len(refs))
	for _, ref := range refs {
		out = append(out, item(ref))
	}
	return out
}

func newScheduler(watched WatchedFunc) *Scheduler {
	s := New(zerolog.Nop(), nil, watched)
	s.rng = rand.New(rand.NewSource(1))
	return s
}

func TestSequentialAdvanceAndExhaustion(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	if err := s.BuildQueue(context.Background(), items("A", "B", "C"), ModeSequential, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}

	got, ok := s.Current()
	if !ok || got.SourceRef != "A" {
		t.Fatalf("expected current A, got %v %v", got.SourceRef, ok)
	}

	for _, want := range []string{"B", "C"} {
		next, ok := s.Advance()
		if !ok || next.SourceRef != want {
			t.Fatalf("expected advance to %s, got %v %v", want, next.SourceRef, ok)
		}
	}

	if _, ok := s.Advance(); ok {
		t.Fatal("expected exhaustion after final item")
	}
	// Index stays in bounds even at exhaustion.
	if idx := s.Index(); idx < 0 || idx >= s.Len() {
		t.Fatalf("index %d out of bounds for len %d", idx, s.Len())
	}
}

func TestIndexStaysInBoundsUnderMixedOps(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	if err := s.BuildQueue(context.Background(), items("A", "B", "C", "D", "E"), ModeSequential, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}

	ops := []func(){
		func() { s.Advance() },
		func() { s.SkipBy(3) },
		func() { s.SkipBy(-10) },
		func() { s.SkipBy(99) },
		func() { _ = s.JumpTo(2) },
		func() { s.Advance() },
		func() { s.SkipBy(-1) },
	}
	for i, op := range ops {
		op()
		if idx := s.Index(); idx < 0 || idx >= s.Len() {
			t.Fatalf("after op %d: index %d out of bounds for len %d", i, idx, s.Len())
		}
	}
}

func TestJumpToRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	if err := s.BuildQueue(context.Background(), items("A", "B"), ModeSequential, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}

	before := s.Index()
	if err := s.JumpTo(5); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := s.JumpTo(-1); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if s.Index() != before {
		t.Fatal("rejected jump must leave the position unchanged")
	}
	if err := s.JumpTo(1); err != nil {
		t.Fatalf("valid jump failed: %v", err)
	}
}

func TestSkipByClampsWithoutWraparound(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	if err := s.BuildQueue(context.Background(), items("A", "B", "C"), ModeSequential, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}

	if got, _ := s.SkipBy(10); got.SourceRef != "C" {
		t.Fatalf("forward skip should clamp to C, got %s", got.SourceRef)
	}
	if got, _ := s.SkipBy(-10); got.SourceRef != "A" {
		t.Fatalf("backward skip should clamp to A, got %s", got.SourceRef)
	}
}

func TestSmartShufflePartition(t *testing.T) {
	t.Parallel()

	finished := map[string]bool{"W1": true, "W2": true, "W3": true}
	s := newScheduler(func(ref string) bool { return finished[ref] })

	input := items("W1", "U1", "W2", "U2", "U3", "W3")
	if err := s.BuildQueue(context.Background(), input, ModeSmartShuffle, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}

	queue, _, _ := s.Snapshot()
	if len(queue) != 6 {
		t.Fatalf("expected 6 items, got %d", len(queue))
	}
	// All unwatched items come first.
	for i := 0; i < 3; i++ {
		if finished[queue[i].SourceRef] {
			t.Fatalf("finished item %s appears before unwatched block", queue[i].SourceRef)
		}
	}
	// Finished items keep their original relative order.
	want := []string{"W1", "W2", "W3"}
	for i := 3; i < 6; i++ {
		if queue[i].SourceRef != want[i-3] {
			t.Fatalf("finished block order changed: got %s at %d, want %s", queue[i].SourceRef, i, want[i-3])
		}
	}
}

func TestTrueRandomDrawsWithReplacement(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	if err := s.BuildQueue(context.Background(), items("A", "B"), ModeTrueRandom, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}

	seen := map[string]int{}
	for i := 0; i < 100; i++ {
		next, ok := s.Advance()
		if !ok {
			t.Fatal("true random never exhausts")
		}
		seen[next.SourceRef]++
		if idx := s.Index(); idx < 0 || idx >= s.Len() {
			t.Fatalf("index %d out of bounds for len %d", idx, s.Len())
		}
	}
	if seen["A"] == 0 || seen["B"] == 0 {
		t.Fatalf("expected both items drawn over 100 advances, got %v", seen)
	}
}

func TestTrueRandomModeSwitchLockedMidSession(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	if err := s.BuildQueue(context.Background(), items("A", "B", "C"), ModeSequential, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := s.RebuildForModeChange(ModeTrueRandom, Flags{}); err != ErrModeChangeLocked {
		t.Fatalf("expected ErrModeChangeLocked switching into true random, got %v", err)
	}

	s.Reset()
	if err := s.BuildQueue(context.Background(), items("A", "B", "C"), ModeTrueRandom, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := s.RebuildForModeChange(ModeSequential, Flags{}); err != ErrModeChangeLocked {
		t.Fatalf("expected ErrModeChangeLocked switching out of true random, got %v", err)
	}
}

func TestRebuildCustomToSequentialIsNoOpForSequentialRemainder(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	if err := s.BuildQueue(context.Background(), items("A", "B", "C", "D", "E"), ModeCustom, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}
	// Played prefix [A], current B.
	if _, ok := s.Advance(); !ok {
		t.Fatal("advance failed")
	}

	if err := s.RebuildForModeChange(ModeSequential, Flags{}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	queue, index, mode := s.Snapshot()
	wantOrder := []string{"A", "B", "C", "D", "E"}
	for i, want := range wantOrder {
		if queue[i].SourceRef != want {
			t.Fatalf("queue[%d] = %s, want %s", i, queue[i].SourceRef, want)
		}
	}
	if index != 1 {
		t.Fatalf("current index moved: got %d, want 1", index)
	}
	if mode != ModeSequential {
		t.Fatalf("mode not updated: %s", mode)
	}
	if got, _ := s.Current(); got.SourceRef != "B" {
		t.Fatalf("current item changed to %s", got.SourceRef)
	}
}

func TestRebuildPreservesPlayedPrefixUnderShuffle(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	if err := s.BuildQueue(context.Background(), items("A", "B", "C", "D", "E", "F"), ModeSequential, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}
	s.Advance() // B
	s.Advance() // C

	if err := s.RebuildForModeChange(ModeShuffleAll, Flags{}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	queue, index, _ := s.Snapshot()
	if queue[0].SourceRef != "A" || queue[1].SourceRef != "B" {
		t.Fatalf("played prefix changed: %s, %s", queue[0].SourceRef, queue[1].SourceRef)
	}
	if queue[index].SourceRef != "C" {
		t.Fatalf("current item changed: %s", queue[index].SourceRef)
	}
	rest := map[string]bool{}
	for _, it := range queue[index+1:] {
		rest[it.SourceRef] = true
	}
	for _, want := range []string{"D", "E", "F"} {
		if !rest[want] {
			t.Fatalf("suffix lost item %s: %v", want, rest)
		}
	}
}

func TestRebuildDegradesWhenCurrentMissingFromBacking(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	if err := s.BuildQueue(context.Background(), items("A", "B", "C", "D"), ModeSequential, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}
	s.Advance() // B

	// Simulate the current item disappearing from the backing list.
	s.mu.Lock()
	s.backing = items("A", "C", "D")
	s.mu.Unlock()

	if err := s.RebuildForModeChange(ModeSequential, Flags{}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	queue, index, _ := s.Snapshot()
	if queue[index].SourceRef != "B" {
		t.Fatalf("current changed: %s", queue[index].SourceRef)
	}
	// The remaining in-memory suffix is kept.
	if len(queue) != 4 || queue[2].SourceRef != "C" || queue[3].SourceRef != "D" {
		t.Fatalf("unexpected degraded rebuild: %v", queue)
	}
}

func TestPlaylistExpansionFailureFallsBackToSingleItem(t *testing.T) {
	t.Parallel()

	playlist := media.Item{
		SourceRef:    "https://www.youtube.com/playlist?list=PL1",
		Kind:         media.KindPlaylist,
		CanonicalRef: "https://www.youtube.com/playlist?list=PL1",
	}
	s := New(zerolog.Nop(), func(ctx context.Context, it media.Item) ([]media.Item, error) {
		// Echoing the input means extraction failed upstream.
		return []media.Item{it}, nil
	}, nil)
	s.rng = rand.New(rand.NewSource(1))

	if err := s.BuildQueue(context.Background(), []media.Item{playlist}, ModeSequential, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected single-item queue, got %d", s.Len())
	}
}

func TestPlaylistExpansionInlinesInPlace(t *testing.T) {
	t.Parallel()

	playlist := media.Item{
		SourceRef:    "https://www.youtube.com/playlist?list=PL1",
		Kind:         media.KindPlaylist,
		CanonicalRef: "https://www.youtube.com/playlist?list=PL1",
	}
	s := New(zerolog.Nop(), func(ctx context.Context, it media.Item) ([]media.Item, error) {
		return items("P1", "P2"), nil
	}, nil)
	s.rng = rand.New(rand.NewSource(1))

	input := []media.Item{item("A"), playlist, item("B")}
	if err := s.BuildQueue(context.Background(), input, ModeSequential, Flags{}); err != nil {
		t.Fatalf("build: %v", err)
	}

	queue, _, _ := s.Snapshot()
	want := []string{"A", "P1", "P2", "B"}
	if len(queue) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(queue))
	}
	for i, ref := range want {
		if queue[i].SourceRef != ref {
			t.Fatalf("queue[%d] = %s, want %s", i, queue[i].SourceRef, ref)
		}
	}
}
