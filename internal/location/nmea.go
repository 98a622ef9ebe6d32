package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
)

const (
	// uereMeters converts HDOP to an approximate horizontal accuracy.
	uereMeters   = 5.0
	knotsToMps   = 0.514444
	nmeaFreshFor = 5 * time.Second
)

// Opener opens the byte stream of a GPS receiver.
type Opener func(port string, baud int) (io.ReadCloser, error)

// NMEASource reads RMC/GGA sentences from a serial GPS receiver. The port
// is opened once and shared: every subscriber and every Current call is fed
// by the same reader, which closes the port when nobody is listening.
type NMEASource struct {
	port string
	baud int
	open Opener
	now  func() time.Time

	mu     sync.Mutex
	reader *nmeaReader
	last   *Fix
	lastAt time.Time
}

// nmeaReader is one open session on the port.
type nmeaReader struct {
	cancel  context.CancelFunc
	subs    map[chan Fix]struct{}
	waiters []chan Fix
}

func (r *nmeaReader) idle() bool { return len(r.subs) == 0 && len(r.waiters) == 0 }

func NewNMEASource(port string, baud int) *NMEASource {
	return NewNMEASourceWithOpener(port, baud, openSerial)
}

func NewNMEASourceWithOpener(port string, baud int, open Opener) *NMEASource {
	return &NMEASource{port: port, baud: baud, open: open, now: time.Now}
}

func openSerial(port string, baud int) (io.ReadCloser, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PermissionDenied {
			return nil, fmt.Errorf("%w: %s: %v", ErrCapability, port, err)
		}
		return nil, fmt.Errorf("open gps port %s: %w", port, err)
	}
	return p, nil
}

func (s *NMEASource) Subscribe(ctx context.Context) (<-chan Fix, error) {
	s.mu.Lock()
	r, err := s.ensureReader()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ch := make(chan Fix, 8)
	r.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		s.stopIfIdle(r)
	}()
	return ch, nil
}

// Current returns a recent cached fix, otherwise the next fix the shared
// reader decodes.
func (s *NMEASource) Current(ctx context.Context) (Fix, error) {
	s.mu.Lock()
	if s.last != nil && s.now().Sub(s.lastAt) <= nmeaFreshFor {
		fix := *s.last
		s.mu.Unlock()
		return fix, nil
	}
	r, err := s.ensureReader()
	if err != nil {
		s.mu.Unlock()
		return Fix{}, err
	}
	w := make(chan Fix, 1)
	r.waiters = append(r.waiters, w)
	s.mu.Unlock()

	select {
	case fix, ok := <-w:
		if !ok {
			return Fix{}, ErrNoFix
		}
		return fix, nil
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, other := range r.waiters {
			if other == w {
				r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
				break
			}
		}
		s.stopIfIdle(r)
		return Fix{}, ErrNoFix
	}
}

// ensureReader must be called with s.mu held.
func (s *NMEASource) ensureReader() (*nmeaReader, error) {
	if s.reader != nil {
		return s.reader, nil
	}
	rc, err := s.open(s.port, s.baud)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &nmeaReader{cancel: cancel, subs: map[chan Fix]struct{}{}}
	s.reader = r
	go s.pump(ctx, r, rc)
	return r, nil
}

// stopIfIdle must be called with s.mu held.
func (s *NMEASource) stopIfIdle(r *nmeaReader) {
	if !r.idle() {
		return
	}
	if s.reader == r {
		s.reader = nil
	}
	r.cancel()
}

func (s *NMEASource) pump(ctx context.Context, r *nmeaReader, rc io.ReadCloser) {
	s.read(ctx, rc, func(fix Fix) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.last = &fix
		s.lastAt = s.now()
		for ch := range r.subs {
			select {
			case ch <- fix:
			default:
			}
		}
		for _, w := range r.waiters {
			w <- fix
		}
		r.waiters = nil
		return !r.idle()
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == r {
		s.reader = nil
	}
	for ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	for _, w := range r.waiters {
		close(w)
	}
	r.waiters = nil
	r.cancel()
}

// read decodes sentences until emit returns false, ctx ends or the stream fails.
func (s *NMEASource) read(ctx context.Context, rc io.ReadCloser, emit func(Fix) bool) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = rc.Close()
	}()

	dec := &nmeaDecoder{now: s.now}
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		fix, ok := dec.feed(scanner.Text())
		if !ok {
			continue
		}
		if !emit(fix) {
			return
		}
	}
}

// nmeaDecoder turns valid RMC sentences into fixes, borrowing the accuracy
// from the most recent GGA.
type nmeaDecoder struct {
	hdop *float64
	now  func() time.Time
}

func (d *nmeaDecoder) feed(line string) (Fix, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Fix{}, false
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		return Fix{}, false
	}

	switch m := sentence.(type) {
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid || m.HDOP <= 0 {
			d.hdop = nil
			return Fix{}, false
		}
		hdop := m.HDOP
		d.hdop = &hdop
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return Fix{}, false
		}
		fix := Fix{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Speed:     Float(m.Speed * knotsToMps),
			Time:      rmcTime(m, d.now),
		}
		if d.hdop != nil {
			fix.Accuracy = Float(*d.hdop * uereMeters)
		}
		return fix, fix.Valid()
	}
	return Fix{}, false
}

func rmcTime(m nmea.RMC, now func() time.Time) time.Time {
	if !m.Date.Valid || !m.Time.Valid {
		return now()
	}
	return time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
		m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
}
