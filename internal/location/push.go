package location

import (
	"context"
	"sync"
	"time"
)

const pushBuffer = 32

// PushSource is fed by a client that forwards its platform fixes over HTTP.
// One subscriber at a time; a new Subscribe replaces the previous one.
type PushSource struct {
	mu       sync.Mutex
	sub      chan Fix
	waiters  []chan Fix
	last     *Fix
	lastAt   time.Time
	revoked  bool
	maxStale time.Duration
	now      func() time.Time
}

func NewPushSource() *PushSource {
	return &PushSource{maxStale: 30 * time.Second, now: time.Now}
}

func (p *PushSource) Subscribe(ctx context.Context) (<-chan Fix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revoked {
		return nil, ErrCapability
	}
	if p.sub != nil {
		close(p.sub)
	}
	ch := make(chan Fix, pushBuffer)
	p.sub = ch

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.sub == ch {
			close(ch)
			p.sub = nil
		}
	}()
	return ch, nil
}

func (p *PushSource) Current(ctx context.Context) (Fix, error) {
	p.mu.Lock()
	if p.revoked {
		p.mu.Unlock()
		return Fix{}, ErrCapability
	}
	if p.last != nil && p.now().Sub(p.lastAt) <= p.maxStale {
		fix := *p.last
		p.mu.Unlock()
		return fix, nil
	}
	w := make(chan Fix, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case fix := <-w:
		return fix, nil
	case <-ctx.Done():
		p.dropWaiter(w)
		return Fix{}, ErrNoFix
	}
}

// Push delivers a fix to the subscriber and to pending Current calls. When
// the subscriber is behind, the fix is dropped rather than blocking the caller.
func (p *PushSource) Push(fix Fix) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revoked {
		return false
	}
	p.last = &fix
	p.lastAt = p.now()
	for _, w := range p.waiters {
		w <- fix
	}
	p.waiters = nil

	if p.sub == nil {
		return false
	}
	select {
	case p.sub <- fix:
		return true
	default:
		return false
	}
}

// SetGranted records the client's permission state. Revoking ends the
// active stream.
func (p *PushSource) SetGranted(granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = !granted
	if p.revoked && p.sub != nil {
		close(p.sub)
		p.sub = nil
	}
}

func (p *PushSource) dropWaiter(w chan Fix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.waiters {
		if c == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// PushRegistry hands out one PushSource per user.
type PushRegistry struct {
	mu      sync.Mutex
	sources map[string]*PushSource
}

func NewPushRegistry() *PushRegistry {
	return &PushRegistry{sources: map[string]*PushSource{}}
}

func (r *PushRegistry) For(userID string) *PushSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[userID]
	if !ok {
		src = NewPushSource()
		r.sources[userID] = src
	}
	return src
}
