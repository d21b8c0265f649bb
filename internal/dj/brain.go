/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dj

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/config"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/library"
	"github.com/friendsincode/skald/internal/playout"
	"github.com/friendsincode/skald/internal/speech"
	"github.com/friendsincode/skald/internal/telemetry"
)

// Enqueuer is the slice of the playout engine the brain needs: queueing
// events and reading the queue back for diagnostics.
type Enqueuer interface {
	Enqueue(playout.AudioEvent) error
	Queue() []playout.AudioEvent
}

// defaultSelectionRetry is how long the brain waits before re-picking
// after both the main and fallback pools came up empty.
const defaultSelectionRetry = 30 * time.Second

// Options wires a Brain. Engine, Selector, Cache, Bus, and Logger are
// required; the rest degrade gracefully when absent: nil Generator means
// cache-only operation, nil Store means no persistence, nil Fallback
// means no safe-default pool.
type Options struct {
	Profile   config.Profile
	Engine    Enqueuer
	Selector  *library.Selector
	Fallback  *library.Selector
	Cache     *speech.Cache
	Generator *speech.Client
	Store     *Store
	Slots     *SlotSchedule
	Bus       *events.Bus
	Logger    zerolog.Logger
	RNG       *rand.Rand
	Now       func() time.Time
	// SelectionRetry overrides the re-pick interval used when every
	// selection pool is exhausted. Zero means the default.
	SelectionRetry time.Duration
}

// Brain plans what airs next. Segment boundaries are answered from the
// in-memory state and the asset cache alone; everything slow is deferred
// onto the tickler worker and harvested at the start of later segments.
type Brain struct {
	profile     config.Profile
	stationName string
	cadence     Cadence
	engine      Enqueuer
	selector    *library.Selector
	fallback    *library.Selector
	cache       *speech.Cache
	gen         *speech.Client
	store       *Store
	slots       *SlotSchedule
	bus         *events.Bus
	logger      zerolog.Logger
	rng         *rand.Rand
	now         func() time.Time
	retryDelay  time.Duration

	mu           sync.Mutex
	retryTimer   *time.Timer
	stopped      bool
	st           BrainState
	history      []PlayHistoryEntry // most recent first
	backlog      []Tickler
	inFlight     map[string]Tickler // dedupe key -> queued or running tickler
	pendingSlots []config.TalkSlot

	work         chan Tickler
	results      chan ticklerResult
	workerDone   chan struct{}
	workerCancel context.CancelFunc
}

func New(opts Options) *Brain {
	rng := opts.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retry := opts.SelectionRetry
	if retry <= 0 {
		retry = defaultSelectionRetry
	}
	return &Brain{
		profile:     opts.Profile,
		stationName: opts.Profile.Station.Name,
		cadence:     CadenceFromProfile(opts.Profile),
		engine:      opts.Engine,
		selector:    opts.Selector,
		fallback:    opts.Fallback,
		cache:       opts.Cache,
		gen:         opts.Generator,
		store:       opts.Store,
		slots:       opts.Slots,
		bus:         opts.Bus,
		logger:      opts.Logger,
		rng:         rng,
		now:         now,
		retryDelay:  retry,
		inFlight:    map[string]Tickler{},
		work:        make(chan Tickler, 16),
		results:     make(chan ticklerResult, 16),
		workerDone:  make(chan struct{}),
	}
}

// StationStart loads persisted state, starts the tickler worker, and
// queues the opening segments. Persistence problems fall back to a clean
// in-memory state with a warning; they never stop the station.
func (b *Brain) StationStart(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.store != nil {
		snap, err := b.store.Load(ctx)
		if err != nil {
			b.logger.Warn().Err(err).Msg("loading dj state failed, starting fresh")
		} else {
			b.st = snap.State
			b.history = snap.History
			for _, t := range snap.Backlog {
				b.pushTicklerLocked(t)
			}
		}
	}
	// Slot occurrences missed while the station was down are not replayed.
	b.st.LastSlotCheck = now

	workerCtx, cancel := context.WithCancel(ctx)
	b.workerCancel = cancel
	go b.runWorker(workerCtx)

	b.logger.Info().
		Int64("songs_played", b.st.SongsPlayed).
		Int64("talk_breaks", b.st.TalkBreaks).
		Int("history", len(b.history)).
		Int("backlog", len(b.backlog)).
		Msg("dj brain started")

	b.planBoundaryLocked(now)
	b.dispatchLocked()
}

// StationStop shuts the worker down, folds unfinished work back into the
// backlog, and persists a final snapshot.
func (b *Brain) StationStop(ctx context.Context) {
	b.mu.Lock()
	b.stopped = true
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	if b.workerCancel != nil {
		b.workerCancel()
		b.mu.Unlock()
		<-b.workerDone
		b.mu.Lock()
	}
	b.drainResultsLocked()

	queued := map[string]bool{}
	for _, t := range b.backlog {
		queued[t.DedupeKey()] = true
	}
	for _, t := range b.inFlight {
		if !queued[t.DedupeKey()] {
			b.backlog = append(b.backlog, t)
		}
	}

	snap := b.snapshotLocked()
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.Save(ctx, snap); err != nil {
			b.logger.Warn().Err(err).Msg("persisting dj state failed")
		}
	}

	for _, ev := range b.engine.Queue() {
		b.logger.Info().
			Str("kind", string(ev.Kind)).
			Str("path", ev.Path).
			Msg("unplayed at stop")
	}
	b.logger.Info().Int("backlog", len(snap.Backlog)).Msg("dj brain stopped")
}

// Persist writes the current snapshot, for the periodic crash-tolerance
// timer. Save failures are warnings, never fatal.
func (b *Brain) Persist(ctx context.Context) {
	b.mu.Lock()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if b.store == nil {
		return
	}
	ctx, span := telemetry.StartSpan(ctx, "dj", "state.persist")
	defer span.End()
	if err := b.store.Save(ctx, snap); err != nil {
		telemetry.RecordError(span, err)
		b.logger.Warn().Err(err).Msg("persisting dj state failed")
		return
	}
	b.bus.Publish(events.EventStatePersisted, events.Payload{
		"history": len(snap.History),
		"backlog": len(snap.Backlog),
	})
}

// History returns the recent play history, most recent first.
func (b *Brain) History(limit int) []PlayHistoryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]PlayHistoryEntry, limit)
	copy(out, b.history[:limit])
	return out
}

// BacklogLen reports how many ticklers are queued or running.
func (b *Brain) BacklogLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}

// Counters returns a copy of the rotation counters for the status API.
func (b *Brain) Counters() BrainState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// OnSegmentStarted is the prep window: harvest finished tickler results
// and feed the worker more of the backlog. Playback events are never
// queued from here.
func (b *Brain) OnSegmentStarted(ev playout.AudioEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drainResultsLocked()
	b.dispatchLocked()
}

// OnSegmentFinished is the transition window: decide what follows the
// finished segment using only cached assets and in-memory state.
func (b *Brain) OnSegmentFinished(ev playout.AudioEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch ev.Kind {
	case playout.SegmentSong:
		b.recordPlayLocked(ev, now)
		b.planBoundaryLocked(now)
	case playout.SegmentTalk:
		b.st.LastTalkAt = now
		b.st.SongsSinceTalk = 0
		b.st.TalkBreaks++
	case playout.SegmentIntro:
		b.st.LastIntroAt = now
		b.st.IntrosPlayed++
	case playout.SegmentOutro:
		b.st.LastOutroAt = now
		b.st.OutrosPlayed++
	}
}

func (b *Brain) recordPlayLocked(ev playout.AudioEvent, now time.Time) {
	entry := PlayHistoryEntry{
		ID:       uuid.NewString(),
		Path:     ev.Path,
		Title:    ev.Title,
		Artist:   ev.Artist,
		Slug:     library.Slugify(strings.TrimSpace(ev.Artist + " " + ev.Title)),
		PlayedAt: now,
	}
	b.history = append([]PlayHistoryEntry{entry}, b.history...)
	if len(b.history) > historyKeep {
		b.history = b.history[:historyKeep]
	}
	b.st.SongsPlayed++
	b.st.SongsSinceTalk++
}

// planBoundaryLocked picks and queues [speech?, song] for the next slot
// on air. At most one spoken segment airs per boundary; a scheduled talk
// slot beats the cadence roll, which beats the next song's intro, which
// beats the finished song's outro.
func (b *Brain) planBoundaryLocked(now time.Time) {
	b.collectDueSlotsLocked(now)

	next, ok := b.selectNextLocked()
	if !ok {
		// With an empty queue the engine never fires another boundary,
		// so a timer has to bring the brain back or the station stays
		// silent until restart.
		b.logger.Error().Dur("retry_in", b.retryDelay).Msg("no playable track available, scheduling re-selection")
		b.scheduleRetryLocked()
		return
	}

	if sp := b.chooseSpeechLocked(next, now); sp != nil {
		b.enqueueLocked(*sp)
	}
	b.enqueueLocked(playout.AudioEvent{
		Kind:     playout.SegmentSong,
		Path:     next.Path,
		Title:    next.Title,
		Artist:   next.Artist,
		Gain:     b.profile.Levels.MusicGain,
		Duration: next.Duration,
	})
}

// scheduleRetryLocked arms a single re-selection timer. The library can
// refill between attempts (a rescan swaps the selector's tracks), so the
// retry keeps going until a pick lands or the station stops.
func (b *Brain) scheduleRetryLocked() {
	if b.retryTimer != nil || b.stopped {
		return
	}
	b.retryTimer = time.AfterFunc(b.retryDelay, b.retrySelection)
}

func (b *Brain) retrySelection() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retryTimer = nil
	if b.stopped {
		return
	}
	if len(b.engine.Queue()) > 0 {
		// Something else got queued in the meantime; the next boundary
		// plans as usual.
		return
	}
	b.planBoundaryLocked(b.now())
	b.dispatchLocked()
}

func (b *Brain) collectDueSlotsLocked(now time.Time) {
	due := b.slots.Due(b.st.LastSlotCheck, now)
	b.st.LastSlotCheck = now
	for _, slot := range due {
		b.logger.Info().Str("slot", slot.Name).Msg("talk slot due")
		b.pendingSlots = append(b.pendingSlots, slot)
	}
}

func (b *Brain) chooseSpeechLocked(next library.Track, now time.Time) *playout.AudioEvent {
	gain := b.profile.Levels.SpeechGain

	for i := 0; i < len(b.pendingSlots); i++ {
		slot := b.pendingSlots[i]
		slug := SlotSlug(slot.Name)
		if path, ok := b.cache.Pick(slug, speech.KindIntro, b.rng); ok {
			b.pendingSlots = append(b.pendingSlots[:i], b.pendingSlots[i+1:]...)
			return &playout.AudioEvent{Kind: playout.SegmentTalk, Path: path, Title: slot.Name, Gain: gain}
		}
		if b.gen == nil {
			b.logger.Warn().Str("slot", slot.Name).Msg("talk slot asset missing and generation disabled")
			b.pendingSlots = append(b.pendingSlots[:i], b.pendingSlots[i+1:]...)
			i--
			continue
		}
		t := newTickler(TicklerPrepTalkSlot)
		t.Slug, t.Slot, t.Script = slug, slot.Name, slot.Script
		b.pushTicklerLocked(t)
	}

	if b.cadence.TalkDue(b.st.SongsSinceTalk, b.rng.Float64()) {
		if path, ok := b.cache.Pick(speech.GenericSlug, speech.KindIntro, b.rng); ok {
			return &playout.AudioEvent{Kind: playout.SegmentTalk, Path: path, Title: "talk break", Gain: gain}
		}
		b.pushTicklerLocked(newTickler(TicklerRefillGenericIntros))
	}

	if b.cadence.IntroAllowed(now, b.st.LastIntroAt) {
		if path, ok := b.cache.Pick(next.Slug, speech.KindIntro, b.rng); ok {
			return &playout.AudioEvent{Kind: playout.SegmentIntro, Path: path, Title: next.Title, Artist: next.Artist, Gain: gain}
		}
		t := newTickler(TicklerGenerateIntro)
		t.Slug, t.Title, t.Artist = next.Slug, next.Title, next.Artist
		b.pushTicklerLocked(t)
	}

	if last := b.lastPlayedLocked(); last != nil && b.cadence.OutroAllowed(now, b.st.LastOutroAt) {
		if path, ok := b.cache.Pick(last.Slug, speech.KindOutro, b.rng); ok {
			return &playout.AudioEvent{Kind: playout.SegmentOutro, Path: path, Title: last.Title, Artist: last.Artist, Gain: gain}
		}
		t := newTickler(TicklerGenerateOutros)
		t.Slug, t.Title, t.Artist = last.Slug, last.Title, last.Artist
		b.pushTicklerLocked(t)
	}
	return nil
}

func (b *Brain) selectNextLocked() (library.Track, bool) {
	window := b.profile.DJ.HistoryWindow
	if window > len(b.history) {
		window = len(b.history)
	}
	paths := make([]string, 0, window)
	for _, h := range b.history[:window] {
		paths = append(paths, h.Path)
	}

	tr, err := b.selector.Pick(paths)
	if err == nil {
		return tr, true
	}

	if b.fallback != nil {
		if tr, ferr := b.fallback.Pick(paths); ferr == nil {
			b.logger.Warn().Err(err).Str("path", tr.Path).Msg("selection exhausted, using fallback pool")
			b.bus.Publish(events.EventSelectionFallback, events.Payload{"path": tr.Path})
			return tr, true
		}
	}
	return library.Track{}, false
}

func (b *Brain) lastPlayedLocked() *PlayHistoryEntry {
	if len(b.history) == 0 {
		return nil
	}
	return &b.history[0]
}

func (b *Brain) enqueueLocked(ev playout.AudioEvent) {
	if err := b.engine.Enqueue(ev); err != nil {
		b.logger.Warn().Err(err).Str("path", ev.Path).Msg("enqueue rejected")
		return
	}
	b.logger.Debug().Str("kind", string(ev.Kind)).Str("path", ev.Path).Msg("queued")
}

func (b *Brain) pushTicklerLocked(t Tickler) {
	if b.gen == nil {
		b.logger.Debug().Str("kind", string(t.Kind)).Msg("generation disabled, skipping tickler")
		return
	}
	key := t.DedupeKey()
	if _, dup := b.inFlight[key]; dup {
		return
	}
	b.inFlight[key] = t
	b.backlog = append(b.backlog, t)
	b.bus.Publish(events.EventTicklerQueued, events.Payload{"kind": string(t.Kind), "slug": t.Slug})
	b.logger.Debug().Str("kind", string(t.Kind)).Str("slug", t.Slug).Msg("tickler queued")
}

func (b *Brain) drainResultsLocked() {
	for {
		select {
		case r := <-b.results:
			b.handleResultLocked(r)
		default:
			return
		}
	}
}

func (b *Brain) handleResultLocked(r ticklerResult) {
	key := r.tickler.DedupeKey()
	if r.err == nil {
		delete(b.inFlight, key)
		b.bus.Publish(events.EventTicklerExecuted, events.Payload{"kind": string(r.tickler.Kind), "slug": r.tickler.Slug})
		b.logger.Debug().Str("kind", string(r.tickler.Kind)).Str("slug", r.tickler.Slug).Msg("tickler done")
		return
	}

	r.tickler.Attempts++
	if r.tickler.Attempts < maxTicklerAttempts {
		b.inFlight[key] = r.tickler
		b.backlog = append(b.backlog, r.tickler)
		b.logger.Warn().Err(r.err).
			Str("kind", string(r.tickler.Kind)).
			Int("attempts", r.tickler.Attempts).
			Msg("tickler failed, will retry")
		return
	}

	delete(b.inFlight, key)
	if r.tickler.Kind == TicklerPrepTalkSlot {
		b.removePendingSlotLocked(r.tickler.Slot)
	}
	b.bus.Publish(events.EventTicklerDropped, events.Payload{"kind": string(r.tickler.Kind), "slug": r.tickler.Slug})
	b.logger.Warn().Err(r.err).
		Str("kind", string(r.tickler.Kind)).
		Str("slug", r.tickler.Slug).
		Msg("tickler dropped after repeated failures")
}

func (b *Brain) removePendingSlotLocked(name string) {
	for i, slot := range b.pendingSlots {
		if slot.Name == name {
			b.pendingSlots = append(b.pendingSlots[:i], b.pendingSlots[i+1:]...)
			return
		}
	}
}

func (b *Brain) dispatchLocked() {
	for len(b.backlog) > 0 {
		select {
		case b.work <- b.backlog[0]:
			b.backlog = b.backlog[1:]
		default:
			return
		}
	}
}

func (b *Brain) snapshotLocked() Snapshot {
	snap := Snapshot{State: b.st}
	snap.History = append(snap.History, b.history...)
	snap.Backlog = append(snap.Backlog, b.backlog...)
	return snap
}
