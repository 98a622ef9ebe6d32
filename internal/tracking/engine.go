package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"backend-activpal/internal/location"
	"backend-activpal/internal/routes"
	"backend-activpal/internal/shared/logging"

	"github.com/google/uuid"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrEngineClosed   = errors.New("tracking engine closed")
)

type Command int

const (
	CmdStart Command = iota
	CmdStartSimulated
	CmdPause
	CmdResume
	CmdStop
	CmdDiscard
	CmdRequestSnapshot
)

var commandNames = map[Command]string{
	CmdStart:           "start",
	CmdStartSimulated:  "start_simulated",
	CmdPause:           "pause",
	CmdResume:          "resume",
	CmdStop:            "stop",
	CmdDiscard:         "discard",
	CmdRequestSnapshot: "request_snapshot",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// ParseCommand accepts the action names in either case, e.g. "stop" or "STOP".
func ParseCommand(s string) (Command, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for c, n := range commandNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

type Options struct {
	Thresholds     Thresholds
	TickInterval   time.Duration
	StallAfter     time.Duration
	StopGrace      time.Duration
	PersistTimeout time.Duration
	Now            func() time.Time
	NewID          func() string
}

func DefaultOptions() Options {
	return Options{
		Thresholds:     DefaultThresholds(),
		TickInterval:   2 * time.Second,
		StallAfter:     7 * time.Second,
		StopGrace:      2 * time.Second,
		PersistTimeout: 10 * time.Second,
		Now:            time.Now,
		NewID:          uuid.NewString,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = def.Thresholds
	}
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.StallAfter <= 0 {
		o.StallAfter = def.StallAfter
	}
	if o.StopGrace <= 0 {
		o.StopGrace = def.StopGrace
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = def.PersistTimeout
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	if o.NewID == nil {
		o.NewID = def.NewID
	}
	return o
}

type EngineDeps struct {
	UserID     string
	Live       location.Source
	Simulated  location.Source
	Store      RouteSaver
	Publisher  Publisher
	Foreground Foreground
	Log        *slog.Logger
	Options    Options
}

type request struct {
	cmd   Command
	reply chan Snapshot
}

type fixKind int

const (
	fixStream fixKind = iota
	fixSeed
	fixPoll
	fixStreamEnded
)

type fixMsg struct {
	gen  uint64
	kind fixKind
	fix  location.Fix
	err  error
}

// Engine runs one user's tracking session. All session state is owned by
// the run goroutine; commands, fixes and ticks are serialized through it.
type Engine struct {
	userID string
	live   location.Source
	sim    location.Source
	store  RouteSaver
	pub    Publisher
	fg     Foreground
	log    *slog.Logger
	opts   Options
	acc    Accumulator

	cmds       chan request
	fixes      chan fixMsg
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	persisting sync.WaitGroup

	// owned by run
	session    *Session
	source     location.Source
	gen        uint64
	capability bool
	polling    bool
	streamLost bool
	cancelSub  context.CancelFunc
	subDone    chan struct{}
	ticker     *time.Ticker

	mu     sync.RWMutex
	latest Snapshot
	status Status
}

func NewEngine(deps EngineDeps) *Engine {
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = nopPublisher{}
	}
	fg := deps.Foreground
	if fg == nil {
		fg = NewLogForeground(log)
	}
	opts := deps.Options.withDefaults()

	e := &Engine{
		userID: deps.UserID,
		live:   deps.Live,
		sim:    deps.Simulated,
		store:  deps.Store,
		pub:    pub,
		fg:     fg,
		log:    log.With("component", "tracking", "user_id", deps.UserID),
		opts:   opts,
		acc:    NewAccumulator(opts.Thresholds),
		cmds:   make(chan request),
		fixes:  make(chan fixMsg, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.latest = buildSnapshot(e.acc, nil, opts.Now())
	go e.run()
	return e
}

// Do hands cmd to the engine and returns the snapshot after it was applied.
// It never waits on persistence or network I/O.
func (e *Engine) Do(ctx context.Context, cmd Command) (Snapshot, error) {
	req := request{cmd: cmd, reply: make(chan Snapshot, 1)}
	select {
	case e.cmds <- req:
	case <-e.done:
		return e.Latest(), ErrEngineClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Latest is the last snapshot the engine published.
func (e *Engine) Latest() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Close finalizes any live session as a normal stop and waits for pending
// route writes.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.done
	e.persisting.Wait()
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		var tick <-chan time.Time
		if e.ticker != nil {
			tick = e.ticker.C
		}
		select {
		case req := <-e.cmds:
			req.reply <- e.apply(req.cmd)
		case msg := <-e.fixes:
			e.handleFix(msg)
		case <-tick:
			e.onTick()
		case <-e.quit:
			if e.session != nil {
				e.log.Info("finalizing session on shutdown", "session_id", e.session.ID)
				e.finish(false)
			}
			return
		}
	}
}

func (e *Engine) apply(cmd Command) Snapshot {
	changed := false
	switch cmd {
	case CmdStart:
		changed = e.start(false)
	case CmdStartSimulated:
		changed = e.start(true)
	case CmdPause:
		changed = e.pause()
	case CmdResume:
		changed = e.resume()
	case CmdStop:
		return e.finish(false)
	case CmdDiscard:
		return e.finish(true)
	case CmdRequestSnapshot:
		changed = true
	}
	if !changed {
		e.log.Debug("command ignored", "command", cmd.String(), "status", e.currentStatus().String())
		return e.current()
	}
	return e.publish()
}

func (e *Engine) start(simulated bool) bool {
	if e.session != nil {
		e.log.Warn("start ignored, session already active", "session_id", e.session.ID)
		return false
	}
	src := e.live
	if simulated {
		src = e.sim
	}
	if src == nil {
		e.capability = true
		e.log.Warn("no fix source configured", "simulated", simulated)
		return true
	}

	e.gen++
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := src.Subscribe(ctx)
	if err != nil {
		cancel()
		e.capability = true
		e.log.Warn("fix source unavailable, staying idle", "simulated", simulated, "error", err)
		return true
	}

	now := e.opts.Now()
	e.capability = false
	e.session = NewSession(e.opts.NewID(), e.userID, simulated, now)
	e.source = src
	e.cancelSub = cancel
	e.subDone = make(chan struct{})
	go e.forward(ctx, e.gen, ch, e.subDone)

	e.ticker = time.NewTicker(e.opts.TickInterval)
	e.polling = true
	go e.poll(e.gen, src, fixSeed)

	e.setStatus(StatusRecording)
	e.fg.Enter(e.userID, statusText(e.session, now))
	e.log.Info("session started", "session_id", e.session.ID, "simulated", simulated)
	return true
}

func (e *Engine) pause() bool {
	s := e.session
	if s == nil || s.Status != StatusRecording {
		return false
	}
	e.acc.Reconcile(s)
	s.Pause()
	e.setStatus(StatusPaused)
	e.fg.Update(e.userID, statusText(s, e.opts.Now()))
	e.log.Info("session paused", "session_id", s.ID, "distance_m", s.DistanceM)
	return true
}

func (e *Engine) resume() bool {
	s := e.session
	if s == nil || !s.Resume() {
		return false
	}
	e.setStatus(StatusRecording)
	e.fg.Update(e.userID, statusText(s, e.opts.Now()))
	e.log.Info("session resumed", "session_id", s.ID)
	return true
}

// finish stops or discards the live session. The final snapshot is always
// published, even when the subscription fails to wind down in time.
func (e *Engine) finish(discard bool) Snapshot {
	s := e.session
	if s == nil {
		return e.current()
	}
	if s.Status == StatusRecording {
		e.acc.Reconcile(s)
	}
	s.Discard = discard
	e.release()

	now := e.opts.Now()
	s.Status = StatusStopped
	if discard {
		e.log.Info("session discarded", "session_id", s.ID)
	} else {
		e.persist(s.Record(now))
	}

	snap := buildSnapshot(e.acc, s, now)
	snap.CapabilityRequired = e.capability
	e.emit(snap)

	e.fg.Leave(e.userID)
	e.session = nil
	e.source = nil
	e.gen++
	e.polling = false
	e.streamLost = false
	e.setStatus(StatusIdle)
	return snap
}

func (e *Engine) release() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	if e.cancelSub != nil {
		e.cancelSub()
		e.cancelSub = nil
	}
	if e.subDone == nil {
		return
	}
	timer := time.NewTimer(e.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-e.subDone:
	case <-timer.C:
		e.log.Warn("subscription did not stop within grace period", "grace", e.opts.StopGrace.String())
	}
	e.subDone = nil
}

func (e *Engine) persist(rec routes.Record) {
	if e.store == nil {
		e.log.Warn("no route store configured, route dropped", "session_id", rec.ID)
		return
	}
	e.persisting.Add(1)
	go func() {
		defer e.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.PersistTimeout)
		defer cancel()
		if err := e.store.Save(ctx, rec); err != nil {
			e.log.Error("route persistence failed", "session_id", rec.ID, "error", err)
			return
		}
		e.log.Info("route saved", "session_id", rec.ID, "distance_m", rec.DistanceM, "points", len(rec.Points))
	}()
}

func (e *Engine) handleFix(msg fixMsg) {
	if msg.gen != e.gen || e.session == nil {
		return
	}
	if msg.kind == fixSeed || msg.kind == fixPoll {
		e.polling = false
	}

	switch {
	case msg.kind == fixStreamEnded:
		e.streamLost = true
		e.capability = true
		e.log.Warn("fix stream ended", "session_id", e.session.ID)
		e.publish()
		return
	case msg.err != nil:
		if errors.Is(msg.err, location.ErrCapability) && !e.capability {
			e.capability = true
			e.publish()
		}
		e.log.Debug("one-shot fix request failed", "error", msg.err)
		return
	}

	outcome := e.acc.Accept(e.session, msg.fix, e.opts.Now())
	e.log.Debug("fix filtered", "outcome", outcome.String(), "distance_m", e.session.DistanceM)
	if outcome == Accepted {
		e.publish()
	}
}

func (e *Engine) onTick() {
	s := e.session
	if s == nil {
		return
	}
	now := e.opts.Now()
	if e.streamLost {
		e.resubscribe()
	}
	if s.Status == StatusRecording {
		e.acc.Reconcile(s)
		if !e.polling && now.Sub(s.LastFixAt) > e.opts.StallAfter {
			e.polling = true
			e.log.Debug("fix stream stalled, requesting current fix", "since", now.Sub(s.LastFixAt).String())
			go e.poll(e.gen, e.source, fixPoll)
		}
	}
	e.fg.Update(e.userID, statusText(s, now))
	e.publish()
}

func (e *Engine) resubscribe() {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.source.Subscribe(ctx)
	if err != nil {
		cancel()
		return
	}
	if e.cancelSub != nil {
		e.cancelSub()
	}
	e.cancelSub = cancel
	e.subDone = make(chan struct{})
	go e.forward(ctx, e.gen, ch, e.subDone)
	e.streamLost = false
	e.capability = false
	e.log.Info("fix stream restored", "session_id", e.session.ID)
}

// forward relays the source stream until the source closes it. After ctx
// is cancelled remaining fixes are drained and dropped.
func (e *Engine) forward(ctx context.Context, gen uint64, ch <-chan location.Fix, done chan struct{}) {
	defer close(done)
	for fix := range ch {
		if ctx.Err() != nil {
			continue
		}
		e.send(ctx, fixMsg{gen: gen, kind: fixStream, fix: fix})
	}
	if ctx.Err() == nil {
		e.send(ctx, fixMsg{gen: gen, kind: fixStreamEnded})
	}
}

func (e *Engine) poll(gen uint64, src location.Source, kind fixKind) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.StallAfter)
	defer cancel()
	fix, err := src.Current(ctx)
	if err == nil && fix.Time.IsZero() {
		fix.Time = e.opts.Now()
	}
	select {
	case e.fixes <- fixMsg{gen: gen, kind: kind, fix: fix, err: err}:
	case <-e.done:
	}
}

func (e *Engine) send(ctx context.Context, msg fixMsg) bool {
	select {
	case e.fixes <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-e.done:
		return false
	}
}

func (e *Engine) current() Snapshot {
	snap := buildSnapshot(e.acc, e.session, e.opts.Now())
	snap.CapabilityRequired = e.capability
	return snap
}

func (e *Engine) currentStatus() Status {
	if e.session == nil {
		return StatusIdle
	}
	return e.session.Status
}

func (e *Engine) publish() Snapshot {
	snap := e.current()
	e.emit(snap)
	return snap
}

func (e *Engine) emit(snap Snapshot) {
	e.mu.Lock()
	e.latest = snap
	e.mu.Unlock()
	if payload := encodeSnapshot(snap); payload != nil {
		e.pub.Publish(e.userID, payload)
	}
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}
