/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package orchestrator owns the playback session lifecycle: it polls the
// backend, reconciles pause state, reacts to silence triggers and the
// AFK gate, persists progress, and applies user commands. The tick
// goroutine is the sole mutator of the session, the queue, and the
// backend handle.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/afk"
	"github.com/friendsincode/vidar_player/internal/config"
	"github.com/friendsincode/vidar_player/internal/events"
	"github.com/friendsincode/vidar_player/internal/media"
	"github.com/friendsincode/vidar_player/internal/player"
	"github.com/friendsincode/vidar_player/internal/progress"
	"github.com/friendsincode/vidar_player/internal/queue"
	"github.com/friendsincode/vidar_player/internal/silence"
	"github.com/friendsincode/vidar_player/internal/telemetry"
)

// State names an orchestrator lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateMonitoring State = "monitoring"
	StatePaused     State = "paused"
	StateAfkPaused  State = "afk_paused"
	StateStopping   State = "stopping"
)

func (s State) ordinal() float64 {
	switch s {
	case StateStarting:
		return 1
	case StateMonitoring:
		return 2
	case StatePaused:
		return 3
	case StateAfkPaused:
		return 4
	case StateStopping:
		return 5
	default:
		return 0
	}
}

// playing reports whether a session exists in this state.
func (s State) playing() bool {
	switch s {
	case StateMonitoring, StatePaused, StateAfkPaused:
		return true
	}
	return false
}

// BackendProvider hands out playback backends. Satisfied by
// player.Manager.
type BackendProvider interface {
	Acquire(ctx context.Context, item media.Item) (player.Backend, error)
	Close() error
}

// ItemSource supplies the raw item list a session is built from.
// Satisfied by the backlog service.
type ItemSource interface {
	Items(ctx context.Context) ([]media.Item, error)
}

// session is the per-run playback accounting. Exactly one exists while
// the orchestrator is not idle.
type session struct {
	startedAt         time.Time
	pauseStartedAt    time.Time
	accumulatedPaused time.Duration
	fromBeginning     bool
}

// pending holds command-intake flags the tick loop drains. Requests are
// applied by the tick, never by the caller's goroutine.
type pending struct {
	start         bool
	fromBeginning bool
	stop          bool
	pause         bool
	resume        bool
	skipDelta     int
	jumpTo        int // -1 when unset
	trigger       bool
	afkChanged    bool
	afkActive     bool
	modeChange    bool
	mode          queue.Mode
	flags         queue.Flags
}

// Snapshot is the externally visible orchestrator state.
type Snapshot struct {
	State         State       `json:"state"`
	Status        string      `json:"status"`
	Current       *media.Item `json:"current,omitempty"`
	QueueIndex    int         `json:"queue_index"`
	QueueLength   int         `json:"queue_length"`
	Mode          queue.Mode  `json:"mode"`
	AfkActive     bool        `json:"afk_active"`
	Silent        bool        `json:"silent"`
	AudioLevel    float64     `json:"audio_level"`
	PausedSeconds float64     `json:"paused_seconds"`
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Config    *config.Config
	Scheduler *queue.Scheduler
	Backends  BackendProvider
	Progress  *progress.Store
	Monitor   *silence.Monitor
	Gate      *afk.Gate
	Source    ItemSource
	Bus       *events.Bus
	Logger    zerolog.Logger
}

// Orchestrator is the playback state machine.
type Orchestrator struct {
	mu sync.Mutex

	cfg       *config.Config
	logger    zerolog.Logger
	bus       *events.Bus
	scheduler *queue.Scheduler
	backends  BackendProvider
	progress  *progress.Store
	monitor   *silence.Monitor
	gate      *afk.Gate
	source    ItemSource

	state       State
	statusText  string
	priorState  State  // state before AfkPaused
	priorStatus string // status line before AfkPaused
	current     media.Item
	backend     player.Backend
	sess        session
	pend        pending
	lastPersist time.Time
	mode        queue.Mode
	flags       queue.Flags

	now  func() time.Time
	wake chan struct{}
	done chan struct{}
}

// New creates an orchestrator in the idle state.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:       deps.Config,
		logger:    deps.Logger.With().Str("component", "orchestrator").Logger(),
		bus:       deps.Bus,
		scheduler: deps.Scheduler,
		backends:  deps.Backends,
		progress:  deps.Progress,
		monitor:   deps.Monitor,
		gate:      deps.Gate,
		source:    deps.Source,
		state:     StateIdle,
		mode:      queue.ModeSequential,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	o.pend.jumpTo = -1
	if o.gate != nil {
		o.gate.OnChange(o.onAFKChange)
	}
	return o
}

// onAFKChange runs on the gate's polling goroutine: it records the flip
// for the tick loop and resets the silence decision immediately.
func (o *Orchestrator) onAFKChange(active bool) {
	if o.monitor != nil {
		o.monitor.NotifyAFKChange()
	}
	if active {
		telemetry.AfkActive.Set(1)
	} else {
		telemetry.AfkActive.Set(0)
	}
	o.mu.Lock()
	o.pend.afkChanged = true
	o.pend.afkActive = active
	o.mu.Unlock()
	o.poke()
}

func (o *Orchestrator) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// RequestStart asks the tick loop to build a queue and begin playback.
func (o *Orchestrator) RequestStart(fromBeginning bool) {
	o.mu.Lock()
	o.pend.start = true
	o.pend.fromBeginning = fromBeginning
	o.mu.Unlock()
	o.poke()
}

// RequestStop asks the tick loop to end the session.
func (o *Orchestrator) RequestStop() {
	o.mu.Lock()
	o.pend.stop = true
	o.mu.Unlock()
	o.poke()
}

// RequestPause asks for a user pause.
func (o *Orchestrator) RequestPause() {
	o.mu.Lock()
	o.pend.pause = true
	o.pend.resume = false
	o.mu.Unlock()
	o.poke()
}

// RequestResume asks for a user resume.
func (o *Orchestrator) RequestResume() {
	o.mu.Lock()
	o.pend.resume = true
	o.pend.pause = false
	o.mu.Unlock()
	o.poke()
}

// RequestSkip moves by delta items. Applied within about a second.
func (o *Orchestrator) RequestSkip(delta int) {
	if delta == 0 {
		return
	}
	o.mu.Lock()
	o.pend.skipDelta = delta
	o.mu.Unlock()
	o.poke()
}

// RequestJump moves to an absolute queue index.
func (o *Orchestrator) RequestJump(index int) {
	o.mu.Lock()
	o.pend.jumpTo = index
	o.mu.Unlock()
	o.poke()
}

// RequestMode changes the playback mode, rebuilding the queue when a
// session is active.
func (o *Orchestrator) RequestMode(mode queue.Mode, flags queue.Flags) {
	o.mu.Lock()
	o.pend.modeChange = true
	o.pend.mode = mode
	o.pend.flags = flags
	o.mu.Unlock()
	o.poke()
}

// Snapshot returns the current state without touching the backend.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	state := o.state
	status := o.statusText
	current := o.current
	paused := o.sess.accumulatedPaused
	if !o.sess.pauseStartedAt.IsZero() {
		paused += o.now().Sub(o.sess.pauseStartedAt)
	}
	o.mu.Unlock()

	snap := Snapshot{State: state, Status: status, PausedSeconds: paused.Seconds()}
	if state.playing() {
		item := current
		snap.Current = &item
	}
	if o.scheduler != nil {
		_, index, mode := o.scheduler.Snapshot()
		snap.QueueIndex = index
		snap.QueueLength = o.scheduler.Len()
		snap.Mode = mode
	}
	if o.gate != nil {
		snap.AfkActive = o.gate.Active()
	}
	if o.monitor != nil {
		snap.Silent = o.monitor.IsSilent()
		snap.AudioLevel = o.monitor.Level()
	}
	return snap
}

// Run executes the tick loop until the context is cancelled. The loop
// wakes early for pending requests and silence triggers so they apply
// within about a second.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var triggers <-chan time.Time
	if o.monitor != nil {
		triggers = o.monitor.Triggers()
	}

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case <-ticker.C:
		case <-o.wake:
		case <-triggers:
			o.mu.Lock()
			o.pend.trigger = true
			o.mu.Unlock()
		}
		o.tick(ctx)
	}
}

// Stop cancels the loop via the supplied cancel func and joins it. A
// loop that fails to stop within the timeout is abandoned rather than
// blocking shutdown.
func (o *Orchestrator) Stop(cancel context.CancelFunc) {
	cancel()
	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
		o.logger.Warn().Msg("tick loop did not stop in time, abandoning")
	}
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.playing() {
		o.stopSessionLocked(context.Background())
	}
	if err := o.backends.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("closing backend on shutdown")
	}
	o.logger.Info().Msg("orchestrator stopped")
}

// tick runs one pass of the state machine. Order matters: commands,
// liveness, reconcile, AFK, ended-check, persistence, then skip/jump.
func (o *Orchestrator) tick(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.drainCommandsLocked(ctx)

	if !o.state.playing() {
		return
	}

	if o.backend == nil || !o.backend.Alive() {
		o.logger.Warn().Msg("backend unresponsive, stopping")
		o.stopSessionLocked(ctx)
		return
	}

	o.reconcileLocked(ctx)
	o.applyAFKLocked(ctx)
	if o.checkEndedLocked(ctx) {
		return
	}
	o.persistLocked(ctx, false)
	o.applySkipLocked(ctx)
}

// drainCommandsLocked applies user commands and the silence trigger.
func (o *Orchestrator) drainCommandsLocked(ctx context.Context) {
	pend := o.pend
	o.pend.start = false
	o.pend.stop = false
	o.pend.pause = false
	o.pend.resume = false
	o.pend.trigger = false
	o.pend.modeChange = false

	if pend.stop {
		if o.state.playing() {
			o.stopSessionLocked(ctx)
		}
		return
	}

	if pend.modeChange {
		o.applyModeLocked(pend.mode, pend.flags)
	}

	if pend.start && o.state == StateIdle {
		o.startSessionLocked(ctx, pend.fromBeginning)
	}

	if pend.trigger {
		o.handleTriggerLocked(ctx)
	}

	if pend.pause && o.state == StateMonitoring {
		o.setPausedLocked(ctx, true, true)
	}
	if pend.resume && o.state == StatePaused {
		o.setPausedLocked(ctx, false, true)
	}
}

func (o *Orchestrator) applyModeLocked(mode queue.Mode, flags queue.Flags) {
	if o.state.playing() {
		if err := o.scheduler.RebuildForModeChange(mode, flags); err != nil {
			o.logger.Warn().Err(err).Str("mode", string(mode)).Msg("mode change rejected")
			return
		}
	}
	o.mode = mode
	o.flags = flags
	o.publishQueueLocked()
}

// handleTriggerLocked routes a silence trigger: idle acts as start,
// monitoring advances, paused states ignore it.
func (o *Orchestrator) handleTriggerLocked(ctx context.Context) {
	switch o.state {
	case StateIdle:
		o.logger.Info().Msg("silence trigger while idle, starting")
		o.startSessionLocked(ctx, false)
	case StateMonitoring:
		o.logger.Info().Msg("silence trigger, advancing")
		telemetry.SilenceTriggersTotal.Inc()
		if err := o.progress.AccumulateSession(ctx, 0, true, false); err != nil {
			o.logger.Warn().Err(err).Msg("recording trigger count")
		}
		o.advanceLocked(ctx)
	default:
		o.logger.Debug().Str("state", string(o.state)).Msg("silence trigger ignored")
	}
}

func (o *Orchestrator) startSessionLocked(ctx context.Context, fromBeginning bool) {
	o.setStateLocked(StateStarting, "building queue")

	items, err := o.source.Items(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("loading backlog")
		o.setStateLocked(StateIdle, "backlog unavailable")
		return
	}
	if err := o.scheduler.BuildQueue(ctx, items, o.mode, o.flags); err != nil {
		o.logger.Error().Err(err).Msg("building queue")
		o.setStateLocked(StateIdle, "queue build failed")
		return
	}

	o.sess = session{startedAt: o.now(), fromBeginning: fromBeginning}
	o.lastPersist = o.now()
	if o.monitor != nil {
		o.monitor.ResetSession()
	}

	current, ok := o.scheduler.Current()
	if !ok {
		o.setStateLocked(StateIdle, "queue empty")
		return
	}
	o.loadItemLocked(ctx, current)
}

// loadItemLocked acquires a backend for the item and starts it, resuming
// from the stored position when the session honours timestamps.
func (o *Orchestrator) loadItemLocked(ctx context.Context, item media.Item) {
	backend, err := o.backends.Acquire(ctx, item)
	if err != nil {
		o.logger.Error().Err(err).Str("item", item.SourceRef).Msg("acquiring backend")
		o.stopSessionLocked(ctx)
		return
	}
	o.backend = backend

	startAt := 0.0
	if o.cfg.SaveTimestamps && !o.sess.fromBeginning {
		status, err := o.progress.LookupStatus(ctx, item.CanonicalRef)
		if err != nil {
			o.logger.Warn().Err(err).Msg("progress lookup")
		} else if status.Kind == progress.StatusPosition {
			startAt = status.Seconds
		}
	}

	if err := backend.Load(ctx, item, startAt); err != nil {
		o.logger.Error().Err(err).Str("item", item.SourceRef).Msg("load failed, stopping session")
		o.stopSessionLocked(ctx)
		return
	}

	o.current = item
	o.setStateLocked(StateMonitoring, "playing "+displayName(item))
	o.publishQueueLocked()
	if o.bus != nil {
		o.bus.Publish(events.EventNowPlaying, events.Payload{
			"source_ref":    item.SourceRef,
			"canonical_ref": item.CanonicalRef,
			"title":         item.Title,
			"kind":          string(item.Kind),
			"resumed_at":    startAt,
		})
	}
}

func displayName(item media.Item) string {
	if item.Title != "" {
		return item.Title
	}
	return item.SourceRef
}

// reconcileLocked adopts the backend's own pause state. The backend is
// authoritative; no command is echoed back.
func (o *Orchestrator) reconcileLocked(ctx context.Context) {
	if !o.cfg.SyncPlayerPause || o.state == StateAfkPaused {
		return
	}
	paused, err := o.backend.Paused(ctx)
	if err != nil {
		return
	}
	if paused && o.state == StateMonitoring {
		o.logger.Debug().Msg("player paused natively, adopting")
		o.setPausedLocked(ctx, true, false)
	} else if !paused && o.state == StatePaused {
		o.logger.Debug().Msg("player resumed natively, adopting")
		o.setPausedLocked(ctx, false, false)
	}
}

// setPausedLocked switches Monitoring and Paused. issueCommand is false
// when the transition came from reconciliation.
func (o *Orchestrator) setPausedLocked(ctx context.Context, paused, issueCommand bool) {
	if paused {
		o.sess.pauseStartedAt = o.now()
		if issueCommand {
			if err := o.backend.Pause(ctx); err != nil {
				o.logger.Warn().Err(err).Msg("pause command")
			}
		}
		o.setStateLocked(StatePaused, "paused")
		return
	}
	if !o.sess.pauseStartedAt.IsZero() {
		o.sess.accumulatedPaused += o.now().Sub(o.sess.pauseStartedAt)
		o.sess.pauseStartedAt = time.Time{}
	}
	if issueCommand {
		if err := o.backend.Play(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("resume command")
		}
	}
	o.setStateLocked(StateMonitoring, "playing "+displayName(o.current))
}

// applyAFKLocked enters and leaves AfkPaused, saving and restoring the
// state that preceded it.
func (o *Orchestrator) applyAFKLocked(ctx context.Context) {
	if !o.pend.afkChanged {
		return
	}
	active := o.pend.afkActive
	o.pend.afkChanged = false

	if active && (o.state == StateMonitoring || o.state == StatePaused) {
		o.priorState = o.state
		o.priorStatus = o.statusText
		// A user pause that preceded AFK keeps its start time; the span is
		// one continuous pause.
		if o.sess.pauseStartedAt.IsZero() {
			o.sess.pauseStartedAt = o.now()
		}
		if err := o.backend.Pause(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("afk pause command")
		}
		o.setStateLocked(StateAfkPaused, "paused while away")
		return
	}
	if !active && o.state == StateAfkPaused {
		restored := o.priorState
		if restored == "" {
			restored = StateMonitoring
		}
		// Restoring to Paused leaves the pause clock running; the span
		// closes on the eventual resume.
		if restored == StateMonitoring {
			if !o.sess.pauseStartedAt.IsZero() {
				o.sess.accumulatedPaused += o.now().Sub(o.sess.pauseStartedAt)
				o.sess.pauseStartedAt = time.Time{}
			}
			if err := o.backend.Play(ctx); err != nil {
				o.logger.Warn().Err(err).Msg("afk resume command")
			}
		}
		o.setStateLocked(restored, o.priorStatus)
	}
}

// checkEndedLocked advances when the backend reports end-of-stream.
// Returns true when the tick should short-circuit because the session
// moved to a new item or stopped.
func (o *Orchestrator) checkEndedLocked(ctx context.Context) bool {
	if o.state != StateMonitoring || !o.cfg.AutoSkip {
		return false
	}
	if !o.backend.HasEnded(ctx) {
		return false
	}
	o.logger.Info().Str("item", o.current.CanonicalRef).Msg("item ended")
	if err := o.progress.RecordFinished(ctx, o.current.CanonicalRef); err != nil {
		o.logger.Warn().Err(err).Msg("recording finished")
	}
	o.advanceLocked(ctx)
	return true
}

// advanceLocked moves to the next item, skipping already-finished ones
// unless the session plays from the beginning. Stops on exhaustion.
func (o *Orchestrator) advanceLocked(ctx context.Context) {
	next, ok := o.scheduler.Advance()
	// Cap the finished-skip scan at the queue length seen on entry. A
	// true-random draw appends to the queue, so a live length check would
	// grow with every attempt and an all-finished pool would never stop.
	maxSkips := o.scheduler.Len()
	for attempts := 0; ok && !o.sess.fromBeginning && attempts < maxSkips; attempts++ {
		status, err := o.progress.LookupStatus(ctx, next.CanonicalRef)
		if err != nil || !status.Finished() {
			break
		}
		o.logger.Info().Str("item", next.CanonicalRef).Msg("skipping finished item")
		next, ok = o.scheduler.Advance()
	}
	if !ok {
		o.logger.Info().Msg("queue exhausted")
		o.stopSessionLocked(ctx)
		return
	}
	o.loadItemLocked(ctx, next)
}

// persistLocked saves position and accumulated totals when the save
// interval elapsed. force bypasses the interval on stop and skip.
func (o *Orchestrator) persistLocked(ctx context.Context, force bool) {
	now := o.now()
	if !force && now.Sub(o.lastPersist) < o.cfg.PersistInterval {
		return
	}
	elapsed := now.Sub(o.lastPersist)
	o.lastPersist = now

	if o.cfg.SaveTimestamps && o.backend != nil && o.current.CanonicalRef != "" {
		if position, err := o.backend.Position(ctx); err == nil {
			if err := o.progress.RecordPosition(ctx, o.current.CanonicalRef, position); err != nil {
				o.logger.Warn().Err(err).Msg("persisting position")
			}
		}
	}

	// Watch time accrues while monitoring, once confirmed sound armed
	// the session timer.
	if o.state == StateMonitoring && o.timerArmed() {
		seconds := elapsed.Seconds()
		if err := o.progress.AccumulateSession(ctx, seconds, false, false); err != nil {
			o.logger.Warn().Err(err).Msg("persisting session totals")
		} else {
			telemetry.WatchSecondsTotal.Add(seconds)
		}
	}

	if o.bus != nil {
		o.bus.Publish(events.EventProgress, events.Payload{"at": now.Unix()})
	}
}

func (o *Orchestrator) timerArmed() bool {
	if o.monitor == nil {
		return true
	}
	_, armed := o.monitor.FirstSoundAt()
	return armed
}

// applySkipLocked drains a pending skip or jump request.
func (o *Orchestrator) applySkipLocked(ctx context.Context) {
	delta := o.pend.skipDelta
	jump := o.pend.jumpTo
	o.pend.skipDelta = 0
	o.pend.jumpTo = -1
	if delta == 0 && jump < 0 {
		return
	}

	o.persistLocked(ctx, true)
	if err := o.progress.AccumulateSession(ctx, 0, false, true); err != nil {
		o.logger.Warn().Err(err).Msg("recording skip count")
	}
	telemetry.SkipsTotal.Inc()

	if jump >= 0 {
		if err := o.scheduler.JumpTo(jump); err != nil {
			o.logger.Warn().Err(err).Int("index", jump).Msg("jump rejected")
			return
		}
		if item, ok := o.scheduler.Current(); ok {
			o.loadItemLocked(ctx, item)
		}
		return
	}

	item, ok := o.scheduler.SkipBy(delta)
	if !ok {
		o.logger.Warn().Int("delta", delta).Msg("skip on empty queue")
		return
	}
	o.loadItemLocked(ctx, item)
}

// stopSessionLocked persists final state, releases the backend, and
// returns to idle.
func (o *Orchestrator) stopSessionLocked(ctx context.Context) {
	o.setStateLocked(StateStopping, "stopping")

	if o.backend != nil && o.backend.Alive() {
		o.persistLocked(ctx, true)
	}
	if err := o.backends.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("closing backend")
	}
	o.backend = nil
	o.scheduler.Reset()
	if o.monitor != nil {
		o.monitor.ResetSession()
	}
	o.sess = session{}
	o.current = media.Item{}
	o.priorState = ""
	o.priorStatus = ""
	o.setStateLocked(StateIdle, "stopped")
	o.publishQueueLocked()
}

func (o *Orchestrator) setStateLocked(state State, status string) {
	if o.state != state {
		o.logger.Info().Str("from", string(o.state)).Str("to", string(state)).Msg("state transition")
	}
	o.state = state
	o.statusText = status
	telemetry.OrchestratorState.Set(state.ordinal())
	if o.bus != nil {
		o.bus.Publish(events.EventStatus, events.Payload{
			"state":  string(state),
			"status": status,
		})
	}
}

func (o *Orchestrator) publishQueueLocked() {
	queueItems, index, mode := o.scheduler.Snapshot()
	telemetry.QueueLength.Set(float64(len(queueItems)))
	telemetry.QueueIndex.Set(float64(index))
	if o.bus != nil {
		o.bus.Publish(events.EventQueue, events.Payload{
			"index":  index,
			"length": len(queueItems),
			"mode":   string(mode),
		})
	}
}
