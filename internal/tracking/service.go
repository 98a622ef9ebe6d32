package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"backend-activpal/internal/location"
	"backend-activpal/internal/shared/logging"
)

var ErrPushDisabled = errors.New("fix push is not enabled on this server")

type ManagerDeps struct {
	// Live returns the fix source for a user. Defaults to the push registry.
	Live       func(userID string) location.Source
	Simulated  func(userID string) location.Source
	Pushes     *location.PushRegistry
	Store      RouteSaver
	Publisher  Publisher
	Foreground Foreground
	Log        *slog.Logger
	Options    Options
}

// Manager owns one engine per user with a live session. Engines are created
// on Start and retired once they are back to Idle with no command in flight.
type Manager struct {
	deps ManagerDeps
	log  *slog.Logger

	mu       sync.Mutex
	engines  map[string]*managed
	blocked  map[string]bool
	closed   bool
	retiring sync.WaitGroup
}

type managed struct {
	engine *Engine
	refs   int
}

func NewManager(deps ManagerDeps) *Manager {
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if deps.Live == nil && deps.Pushes != nil {
		pushes := deps.Pushes
		deps.Live = func(userID string) location.Source { return pushes.For(userID) }
	}
	if deps.Simulated == nil {
		deps.Simulated = func(string) location.Source { return location.NewSimSource(nil, 0) }
	}
	if deps.Foreground == nil {
		deps.Foreground = NewLogForeground(deps.Log.With("component", "foreground"))
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	return &Manager{
		deps:    deps,
		log:     deps.Log.With("component", "tracking"),
		engines: map[string]*managed{},
		blocked: map[string]bool{},
	}
}

// acquire returns the user's engine, creating it only when create is set.
// A nil engine with a nil error means the user has no session.
func (m *Manager) acquire(userID string, create bool) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrEngineClosed
	}
	if me, ok := m.engines[userID]; ok {
		me.refs++
		return me.engine, nil
	}
	if !create {
		return nil, nil
	}

	var live location.Source
	if m.deps.Live != nil {
		live = m.deps.Live(userID)
	}
	e := NewEngine(EngineDeps{
		UserID:     userID,
		Live:       live,
		Simulated:  m.deps.Simulated(userID),
		Store:      m.deps.Store,
		Publisher:  m.deps.Publisher,
		Foreground: m.deps.Foreground,
		Log:        m.deps.Log,
		Options:    m.deps.Options,
	})
	m.engines[userID] = &managed{engine: e, refs: 1}
	m.log.Debug("engine created", "user_id", userID)
	return e, nil
}

// release drops a reference and retires the engine when it is idle and unused.
// Retired engines are closed in the background; Close waits for them.
func (m *Manager) release(userID string, e *Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	me, ok := m.engines[userID]
	if !ok || me.engine != e {
		return
	}
	me.refs--
	if me.refs > 0 || m.closed || e.Status() != StatusIdle {
		return
	}
	delete(m.engines, userID)
	if e.Latest().CapabilityRequired {
		m.blocked[userID] = true
	} else {
		delete(m.blocked, userID)
	}
	m.retiring.Add(1)
	go func() {
		defer m.retiring.Done()
		e.Close()
	}()
	m.log.Debug("engine retired", "user_id", userID)
}

func (m *Manager) Do(ctx context.Context, userID string, cmd Command) (Snapshot, error) {
	e, err := m.acquire(userID, cmd == CmdStart || cmd == CmdStartSimulated)
	if err != nil {
		return Snapshot{}, err
	}
	if e == nil {
		snap := m.idleSnapshot(userID)
		if cmd == CmdRequestSnapshot {
			if payload := encodeSnapshot(snap); payload != nil {
				m.deps.Publisher.Publish(userID, payload)
			}
		}
		return snap, nil
	}
	defer m.release(userID, e)
	return e.Do(ctx, cmd)
}

// idleSnapshot describes a user without an engine. The capability flag of
// the last retired engine is carried so a reattaching client still sees it.
func (m *Manager) idleSnapshot(userID string) Snapshot {
	m.mu.Lock()
	blocked := m.blocked[userID]
	m.mu.Unlock()
	return Snapshot{Status: StatusIdle.String(), CapabilityRequired: blocked, Timestamp: time.Now()}
}

// PushFixes forwards client-reported fixes to the user's push source and
// returns how many were delivered to a live subscription.
func (m *Manager) PushFixes(userID string, fixes []location.Fix) (int, error) {
	if m.deps.Pushes == nil {
		return 0, ErrPushDisabled
	}
	src := m.deps.Pushes.For(userID)
	delivered := 0
	for _, fix := range fixes {
		if src.Push(fix) {
			delivered++
		}
	}
	return delivered, nil
}

func (m *Manager) SetGranted(userID string, granted bool) error {
	if m.deps.Pushes == nil {
		return ErrPushDisabled
	}
	m.deps.Pushes.For(userID).SetGranted(granted)
	m.log.Info("location capability changed", "user_id", userID, "granted", granted)
	return nil
}

// Active counts engines with a recording or paused session.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, me := range m.engines {
		if s := me.engine.Status(); s == StatusRecording || s == StatusPaused {
			n++
		}
	}
	return n
}

func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	engines := make([]*Engine, 0, len(m.engines))
	for _, me := range m.engines {
		engines = append(engines, me.engine)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.Close()
		}(e)
	}
	wg.Wait()
	m.retiring.Wait()
}
