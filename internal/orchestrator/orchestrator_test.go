package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/vidar_player/internal/config"
	"github.com/friendsincode/vidar_player/internal/media"
	"github.com/friendsincode/vidar_player/internal/models"
	"github.com/friendsincode/vidar_player/internal/player"
	"github.com/friendsincode/vidar_player/internal/progress"
	"github.com/friendsincode/vidar_player/internal/queue"
)

type fakeBackend struct {
	mu         sync.Mutex
	alive      bool
	paused     bool
	ended      bool
	position   float64
	duration   float64
	loaded     []media.Item
	loadStarts []float64
	loadErr    error
	playCalls  int
	pauseCalls int
}

func (f *fakeBackend) Load(ctx context.Context, item media.Item, startAt float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = append(f.loaded, item)
	f.loadStarts = append(f.loadStarts, startAt)
	f.ended = false
	f.paused = false
	return nil
}

func (f *fakeBackend) Play(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCalls++
	f.paused = false
	return nil
}

func (f *fakeBackend) Pause(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	f.paused = true
	return nil
}

func (f *fakeBackend) Seek(ctx context.Context, seconds float64) error { return nil }

func (f *fakeBackend) Position(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeBackend) Duration(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration, nil
}

func (f *fakeBackend) Paused(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, nil
}

func (f *fakeBackend) HasEnded(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func (f *fakeBackend) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	return nil
}

func (f *fakeBackend) lastLoaded(t *testing.T) media.Item {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.loaded) == 0 {
		t.Fatal("nothing loaded")
	}
	return f.loaded[len(f.loaded)-1]
}

type fakeProvider struct {
	backend *fakeBackend
	closes  int
}

func (p *fakeProvider) Acquire(ctx context.Context, item media.Item) (player.Backend, error) {
	p.backend.mu.Lock()
	p.backend.alive = true
	p.backend.mu.Unlock()
	return p.backend, nil
}

func (p *fakeProvider) Close() error {
	p.closes++
	return p.backend.Close()
}

type fakeSource struct {
	items []media.Item
}

func (s *fakeSource) Items(ctx context.Context) ([]media.Item, error) {
	return s.items, nil
}

func testItems(refs ...string) []media.Item {
	out := make([]media.Item, 0, len(refs))
	for _, ref := range refs {
		out = append(out, media.Item{SourceRef: ref, Kind: media.KindVideo, Title: ref, CanonicalRef: ref})
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	backend  *fakeBackend
	provider *fakeProvider
	store    *progress.Store
	cur      time.Time
}

func newFixture(t *testing.T, refs ...string) *fixture {
	t.Helper()

	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	store := progress.NewStore(database, zerolog.Nop())

	backend := &fakeBackend{duration: 100}
	provider := &fakeProvider{backend: backend}

	cfg := &config.Config{
		SaveTimestamps:     true,
		SyncPlayerPause:    true,
		AutoSkip:           true,
		PersistInterval:    10 * time.Second,
		FinishedPercentage: 95,
	}

	f := &fixture{
		backend:  backend,
		provider: provider,
		store:    store,
		cur:      time.Now(),
	}
	f.orch = New(Deps{
		Config:    cfg,
		Scheduler: queue.New(zerolog.Nop(), nil, nil),
		Backends:  provider,
		Progress:  store,
		Source:    &fakeSource{items: testItems(refs...)},
		Logger:    zerolog.Nop(),
	})
	f.orch.now = func() time.Time { return f.cur }
	return f
}

func (f *fixture) tick() {
	f.orch.tick(context.Background())
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.orch.RequestStart(false)
	f.tick()
	if got := f.orch.Snapshot().State; got != StateMonitoring {
		t.Fatalf("expected monitoring after start, got %s", got)
	}
}

func TestStartLoadsFirstItem(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A", "B", "C")
	f.start(t)

	if got := f.backend.lastLoaded(t); got.SourceRef != "A" {
		t.Fatalf("expected A loaded, got %s", got.SourceRef)
	}
	snap := f.orch.Snapshot()
	if snap.Current == nil || snap.Current.SourceRef != "A" {
		t.Fatalf("snapshot current mismatch: %+v", snap.Current)
	}
	if snap.QueueLength != 3 || snap.QueueIndex != 0 {
		t.Fatalf("unexpected queue position: %d/%d", snap.QueueIndex, snap.QueueLength)
	}
}

func TestEndedAdvancesAndRecordsFinished(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A", "B")
	f.start(t)
	ctx := context.Background()

	f.backend.mu.Lock()
	f.backend.ended = true
	f.backend.mu.Unlock()
	f.tick()

	status, err := f.store.LookupStatus(ctx, "A")
	if err != nil || !status.Finished() {
		t.Fatalf("A not recorded finished: %+v %v", status, err)
	}
	if got := f.backend.lastLoaded(t); got.SourceRef != "B" {
		t.Fatalf("expected B loaded, got %s", got.SourceRef)
	}

	// Last item ending exhausts the queue and stops the session.
	f.backend.mu.Lock()
	f.backend.ended = true
	f.backend.mu.Unlock()
	f.tick()

	if got := f.orch.Snapshot().State; got != StateIdle {
		t.Fatalf("expected idle after exhaustion, got %s", got)
	}
	if f.provider.closes == 0 {
		t.Fatal("backend not released on stop")
	}
}

func TestReconcileAdoptsNativePauseWithoutEcho(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A")
	f.start(t)

	f.backend.mu.Lock()
	f.backend.paused = true
	f.backend.mu.Unlock()
	f.tick()

	if got := f.orch.Snapshot().State; got != StatePaused {
		t.Fatalf("expected paused after native pause, got %s", got)
	}
	if f.backend.pauseCalls != 0 {
		t.Fatalf("reconciliation must not echo the pause command, got %d calls", f.backend.pauseCalls)
	}

	f.backend.mu.Lock()
	f.backend.paused = false
	f.backend.mu.Unlock()
	f.tick()

	if got := f.orch.Snapshot().State; got != StateMonitoring {
		t.Fatalf("expected monitoring after native resume, got %s", got)
	}
	if f.backend.playCalls != 0 {
		t.Fatalf("reconciliation must not echo the play command, got %d calls", f.backend.playCalls)
	}
}

func TestUserPauseResumeIssuesCommands(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A")
	f.start(t)

	f.orch.RequestPause()
	f.tick()
	if got := f.orch.Snapshot().State; got != StatePaused {
		t.Fatalf("expected paused, got %s", got)
	}
	if f.backend.pauseCalls != 1 {
		t.Fatalf("expected one pause command, got %d", f.backend.pauseCalls)
	}

	f.orch.RequestResume()
	f.tick()
	if got := f.orch.Snapshot().State; got != StateMonitoring {
		t.Fatalf("expected monitoring, got %s", got)
	}
	if f.backend.playCalls != 1 {
		t.Fatalf("expected one play command, got %d", f.backend.playCalls)
	}
}

func TestSkipAppliesAndCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A", "B", "C")
	f.start(t)
	ctx := context.Background()

	f.orch.RequestSkip(1)
	f.tick()

	if got := f.backend.lastLoaded(t); got.SourceRef != "B" {
		t.Fatalf("expected B after skip, got %s", got.SourceRef)
	}
	days, err := f.store.Totals(ctx, 0)
	if err != nil || len(days) == 0 {
		t.Fatalf("totals: %v %v", days, err)
	}
	if days[0].SkipCount != 1 {
		t.Fatalf("expected skip count 1, got %d", days[0].SkipCount)
	}
}

func TestJumpOutOfBoundsKeepsPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A", "B")
	f.start(t)

	f.orch.RequestJump(10)
	f.tick()

	snap := f.orch.Snapshot()
	if snap.QueueIndex != 0 {
		t.Fatalf("rejected jump moved the index to %d", snap.QueueIndex)
	}
	if got := f.backend.lastLoaded(t); got.SourceRef != "A" {
		t.Fatalf("rejected jump reloaded %s", got.SourceRef)
	}
}

func TestTriggerRouting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A", "B")
	f.start(t)
	ctx := context.Background()

	// Monitoring: trigger advances.
	f.orch.mu.Lock()
	f.orch.pend.trigger = true
	f.orch.mu.Unlock()
	f.tick()
	if got := f.backend.lastLoaded(t); got.SourceRef != "B" {
		t.Fatalf("expected advance to B on trigger, got %s", got.SourceRef)
	}
	days, _ := f.store.Totals(ctx, 0)
	if len(days) == 0 || days[0].TriggerCount != 1 {
		t.Fatalf("trigger not counted: %+v", days)
	}

	// Paused: trigger ignored.
	f.orch.RequestPause()
	f.tick()
	f.orch.mu.Lock()
	f.orch.pend.trigger = true
	f.orch.mu.Unlock()
	f.tick()
	if got := f.backend.lastLoaded(t); got.SourceRef != "B" {
		t.Fatalf("paused trigger must not advance, got %s", got.SourceRef)
	}
}

func TestBackendDeathStopsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A")
	f.start(t)

	f.backend.mu.Lock()
	f.backend.alive = false
	f.backend.mu.Unlock()
	f.tick()

	if got := f.orch.Snapshot().State; got != StateIdle {
		t.Fatalf("expected idle after backend death, got %s", got)
	}
	if f.provider.closes == 0 {
		t.Fatal("backend not released")
	}
}

func TestResumeFromSavedPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A")
	ctx := context.Background()
	if err := f.store.RecordPosition(ctx, "A", 120); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	f.start(t)
	if f.backend.loadStarts[0] != 120 {
		t.Fatalf("expected resume at 120s, got %v", f.backend.loadStarts[0])
	}
}

func TestFromBeginningBypassesLookup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A")
	ctx := context.Background()
	if err := f.store.RecordPosition(ctx, "A", 120); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	f.orch.RequestStart(true)
	f.tick()
	if f.backend.loadStarts[0] != 0 {
		t.Fatalf("from-beginning session must start at 0, got %v", f.backend.loadStarts[0])
	}

	// History is not mutated by the bypass.
	status, err := f.store.LookupStatus(ctx, "A")
	if err != nil || status.Kind != progress.StatusPosition || status.Seconds != 120 {
		t.Fatalf("stored history changed: %+v %v", status, err)
	}
}

func TestAdvanceSkipsFinishedItems(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A", "B", "C")
	ctx := context.Background()
	if err := f.store.RecordFinished(ctx, "B"); err != nil {
		t.Fatalf("seed finished: %v", err)
	}

	f.start(t)
	f.backend.mu.Lock()
	f.backend.ended = true
	f.backend.mu.Unlock()
	f.tick()

	if got := f.backend.lastLoaded(t); got.SourceRef != "C" {
		t.Fatalf("expected finished B skipped, got %s", got.SourceRef)
	}
}

func TestPersistIntervalRecordsPositionAndTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A")
	f.start(t)
	ctx := context.Background()

	f.backend.mu.Lock()
	f.backend.position = 33
	f.backend.mu.Unlock()

	// Inside the interval nothing is written.
	f.cur = f.cur.Add(5 * time.Second)
	f.tick()
	status, _ := f.store.LookupStatus(ctx, "A")
	if status.Kind != progress.StatusNone {
		t.Fatalf("persisted too early: %+v", status)
	}

	f.cur = f.cur.Add(6 * time.Second)
	f.tick()
	status, err := f.store.LookupStatus(ctx, "A")
	if err != nil || status.Kind != progress.StatusPosition || status.Seconds != 33 {
		t.Fatalf("position not persisted: %+v %v", status, err)
	}

	days, err := f.store.Totals(ctx, 0)
	if err != nil || len(days) != 1 {
		t.Fatalf("totals: %v %v", days, err)
	}
	if days[0].TotalSeconds < 10 {
		t.Fatalf("watch time not accumulated: %v", days[0].TotalSeconds)
	}
}

func TestAFKPausesAndRestoresPriorState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A")
	f.start(t)

	f.orch.mu.Lock()
	f.orch.pend.afkChanged = true
	f.orch.pend.afkActive = true
	f.orch.mu.Unlock()
	f.tick()

	if got := f.orch.Snapshot().State; got != StateAfkPaused {
		t.Fatalf("expected afk_paused, got %s", got)
	}
	if f.backend.pauseCalls != 1 {
		t.Fatalf("expected afk pause command, got %d", f.backend.pauseCalls)
	}

	f.orch.mu.Lock()
	f.orch.pend.afkChanged = true
	f.orch.pend.afkActive = false
	f.orch.mu.Unlock()
	f.tick()

	snap := f.orch.Snapshot()
	if snap.State != StateMonitoring {
		t.Fatalf("expected monitoring restored, got %s", snap.State)
	}
	if f.backend.playCalls != 1 {
		t.Fatalf("expected afk resume command, got %d", f.backend.playCalls)
	}
}

func TestModeChangeWhileActiveRebuildsQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A", "B", "C", "D")
	f.start(t)

	f.orch.RequestSkip(1)
	f.tick() // now on B

	f.orch.RequestMode(queue.ModeShuffleAll, queue.Flags{})
	f.tick()

	snap := f.orch.Snapshot()
	if snap.Mode != queue.ModeShuffleAll {
		t.Fatalf("mode not applied: %s", snap.Mode)
	}
	if snap.Current == nil || snap.Current.SourceRef != "B" {
		t.Fatalf("current item changed by mode rebuild: %+v", snap.Current)
	}
}

func TestAdvanceTerminatesOnAllFinishedTrueRandomPool(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A", "B")
	ctx := context.Background()
	if err := f.store.RecordFinished(ctx, "A"); err != nil {
		t.Fatalf("record finished: %v", err)
	}
	if err := f.store.RecordFinished(ctx, "B"); err != nil {
		t.Fatalf("record finished: %v", err)
	}

	f.orch.RequestMode(queue.ModeTrueRandom, queue.Flags{})
	f.start(t)

	f.backend.mu.Lock()
	f.backend.ended = true
	f.backend.mu.Unlock()

	// True random appends a fresh draw on every Advance, so the skip scan
	// must bound itself instead of chasing the growing queue.
	done := make(chan struct{})
	go func() {
		f.tick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tick did not return on an all-finished true random pool")
	}

	if got := f.orch.Snapshot().State; got != StateMonitoring {
		t.Fatalf("expected session to keep playing, got %s", got)
	}
}

func TestAfkDuringUserPauseKeepsOnePauseSpan(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A")
	f.start(t)

	f.orch.RequestPause()
	f.tick()
	if got := f.orch.Snapshot().State; got != StatePaused {
		t.Fatalf("expected paused, got %s", got)
	}

	f.cur = f.cur.Add(10 * time.Second)
	f.orch.mu.Lock()
	f.orch.pend.afkChanged = true
	f.orch.pend.afkActive = true
	f.orch.mu.Unlock()
	f.tick()
	if got := f.orch.Snapshot().State; got != StateAfkPaused {
		t.Fatalf("expected afk_paused, got %s", got)
	}

	f.cur = f.cur.Add(5 * time.Second)
	f.orch.mu.Lock()
	f.orch.pend.afkChanged = true
	f.orch.pend.afkActive = false
	f.orch.mu.Unlock()
	f.tick()

	snap := f.orch.Snapshot()
	if snap.State != StatePaused {
		t.Fatalf("expected paused restored, got %s", snap.State)
	}
	if snap.PausedSeconds != 15 {
		t.Fatalf("expected one 15s pause span, got %v", snap.PausedSeconds)
	}

	f.orch.RequestResume()
	f.tick()
	snap = f.orch.Snapshot()
	if snap.State != StateMonitoring {
		t.Fatalf("expected monitoring after resume, got %s", snap.State)
	}
	if snap.PausedSeconds != 15 {
		t.Fatalf("resume changed the accumulated pause: %v", snap.PausedSeconds)
	}
}

func TestLoadFailureStopsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "A", "B")
	f.backend.mu.Lock()
	f.backend.loadErr = errors.New("stream gone")
	f.backend.mu.Unlock()

	f.orch.RequestStart(false)
	f.tick()

	if got := f.orch.Snapshot().State; got != StateIdle {
		t.Fatalf("expected idle after load failure, got %s", got)
	}
	if f.provider.closes == 0 {
		t.Fatal("backend not released after load failure")
	}
}
