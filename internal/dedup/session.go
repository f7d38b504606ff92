package dedup

import "sync"

// Frame is one SSE event captured off the upstream stream and replayed to
// every subscriber, in the order it was published.
type Frame struct {
	Event string
	Data  []byte
}

// State is a Session's terminal_state per §4.5/§3.
type State int

const (
	InProgress State = iota
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "in_progress"
	}
}

// Subscriber is one consumer's view into a Session: a bounded delivery
// queue plus a count of frames actually handed to it, which the lifecycle
// needs to decide whether a mid-session failure can be retried fresh (zero
// frames delivered) or must be surfaced to the client as a broken stream.
type Subscriber struct {
	ch        chan Frame
	delivered int
}

// Frames returns the channel of frames for this subscriber. The channel is
// closed once the session reaches a terminal state or the subscriber is
// dropped for falling behind.
func (s *Subscriber) Frames() <-chan Frame { return s.ch }

// Delivered reports how many frames have been handed to this subscriber so
// far — §4.5's "only if no frames have yet been delivered" failover rule.
func (s *Subscriber) Delivered() int { return s.delivered }

// Session owns one in-flight (or just-finished) upstream stream and
// broadcasts its frames to every attached subscriber.
type Session struct {
	Fingerprint string

	mu        sync.Mutex
	buffered  []Frame
	overCap   bool
	subs      map[*Subscriber]struct{}
	terminal  State
	failErr   error
	bufferCap int
	queueCap  int

	// onIdle fires when Detach leaves the subscriber set empty while still
	// in_progress — the Lifecycle uses this to cancel the upstream attempt.
	// Publish dropping a slow subscriber does not fire it.
	onIdle func()
}

func newSession(fingerprint string, bufferCap, queueCap int, onIdle func()) *Session {
	return &Session{
		Fingerprint: fingerprint,
		subs:        make(map[*Subscriber]struct{}),
		bufferCap:   bufferCap,
		queueCap:    queueCap,
		onIdle:      onIdle,
	}
}

// State returns the current terminal state and, if Failed, the recorded error.
func (s *Session) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal, s.failErr
}

// Subscribe attaches a new subscriber, replaying the buffered prefix before
// returning so the caller sees every frame published so far, in order, and
// nothing more than once. Joining a session whose buffer overflowed its
// soft cap is refused — the caller should start a fresh upstream attempt
// instead, per §4.5's memory-bound rule.
func (s *Session) Subscribe() (*Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.overCap && s.terminal == InProgress {
		return nil, false
	}

	sub := &Subscriber{ch: make(chan Frame, s.queueCap+len(s.buffered))}
	for _, f := range s.buffered {
		sub.ch <- f
		sub.delivered++
	}
	if s.terminal == InProgress {
		s.subs[sub] = struct{}{}
	} else {
		close(sub.ch)
	}
	return sub, true
}

// Detach removes a subscriber. If it was the last one and the upstream is
// still running, onIdle fires so the caller can cancel it — detaching the
// initiator specifically does NOT stop publication, since other
// subscribers (or a still-open initiator role) may remain.
func (s *Session) Detach(sub *Subscriber) {
	s.mu.Lock()
	_, existed := s.subs[sub]
	delete(s.subs, sub)
	nowEmpty := existed && len(s.subs) == 0 && s.terminal == InProgress
	onIdle := s.onIdle
	s.mu.Unlock()
	if nowEmpty && onIdle != nil {
		onIdle()
	}
}

// Publish appends a frame to the buffer (unless the soft cap has already
// been hit) and fans it out to every live subscriber. A subscriber whose
// queue is full is dropped rather than allowed to slow down the upstream.
func (s *Session) Publish(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != InProgress {
		return
	}
	if len(s.buffered) < s.bufferCap {
		s.buffered = append(s.buffered, f)
	} else {
		s.overCap = true
	}
	for sub := range s.subs {
		select {
		case sub.ch <- f:
			sub.delivered++
		default:
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
}

// Complete marks the session done successfully and releases every subscriber.
func (s *Session) Complete() {
	s.finish(Completed, nil)
}

// Fail marks the session done with an upstream error and releases every
// subscriber; each one inspects its own Delivered() count to decide whether
// it can retry independently.
func (s *Session) Fail(err error) {
	s.finish(Failed, err)
}

func (s *Session) finish(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != InProgress {
		return
	}
	s.terminal = state
	s.failErr = err
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = make(map[*Subscriber]struct{})
}

// SubscriberCount reports the current fan-out, for metrics.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
