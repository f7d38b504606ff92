// Package dedup is the Streaming Deduplication Broadcaster from §4.5: when
// several clients issue the identical streaming request concurrently, it
// makes exactly one upstream call and fans its frames out to every caller,
// in publication order, surviving the initiating client's own disconnect.
package dedup

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Role is what attach() decided for a caller.
type Role int

const (
	Initiator Role = iota
	SubscriberRole
)

const (
	defaultBufferCap        = 4096 // max buffered frames per session before overCap kicks in
	defaultSubscriberQueue  = 64   // per-subscriber channel capacity
	defaultPostCompletionTTL = 2 * time.Second
)

// Broadcaster is the process-wide session registry keyed by fingerprint.
// A singleflight.Group collects concurrent first-arrivals into a single
// session-creation call; the sessions map then keeps that session
// discoverable for late joiners after the creating call has returned,
// which is the generalization singleflight alone doesn't provide.
type Broadcaster struct {
	mu       sync.Mutex
	sessions map[string]*Session
	group    singleflight.Group

	bufferCap  int
	queueCap   int
	cleanupTTL time.Duration

	metrics *metrics
}

type metrics struct {
	activeSessions prometheus.Gauge
	subscribers    prometheus.Gauge
}

// New builds a Broadcaster, registering Prometheus gauges on reg (nil skips
// metrics, e.g. in tests).
func New(reg prometheus.Registerer) *Broadcaster {
	b := &Broadcaster{
		sessions:   make(map[string]*Session),
		bufferCap:  defaultBufferCap,
		queueCap:   defaultSubscriberQueue,
		cleanupTTL: defaultPostCompletionTTL,
	}
	if reg != nil {
		b.metrics = &metrics{
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gateway_dedup_active_sessions",
				Help: "Number of in-flight or recently-completed dedup sessions.",
			}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gateway_dedup_subscribers",
				Help: "Total subscribers currently attached across all dedup sessions.",
			}),
		}
		reg.MustRegister(b.metrics.activeSessions, b.metrics.subscribers)
	}
	return b
}

// Attach implements §4.5's attach(fingerprint): the first caller for a
// fingerprint becomes Initiator and owns publishing; every other caller
// (concurrent with creation, or joining before the session finishes) becomes
// a SubscriberRole.
func (b *Broadcaster) Attach(fingerprint string, onIdle func()) (*Session, Role) {
	b.mu.Lock()
	if sess, ok := b.sessions[fingerprint]; ok {
		if state, _ := sess.State(); state == InProgress {
			b.mu.Unlock()
			return sess, SubscriberRole
		}
	}
	b.mu.Unlock()

	// singleflight reports "shared" to the caller that ran fn as well, so
	// the initiator is identified by having run fn itself and created the
	// session.
	created := false
	v, _, _ := b.group.Do(fingerprint, func() (any, error) {
		b.mu.Lock()
		if existing, ok := b.sessions[fingerprint]; ok {
			if state, _ := existing.State(); state == InProgress {
				b.mu.Unlock()
				return existing, nil
			}
		}
		sess := newSession(fingerprint, b.bufferCap, b.queueCap, onIdle)
		b.sessions[fingerprint] = sess
		b.mu.Unlock()
		created = true
		b.report()
		return sess, nil
	})

	sess := v.(*Session)
	if created {
		return sess, Initiator
	}
	return sess, SubscriberRole
}

// Complete finishes a session successfully and schedules its eventual
// removal from the registry.
func (b *Broadcaster) Complete(sess *Session) {
	sess.Complete()
	b.scheduleCleanup(sess)
}

// Fail finishes a session with an upstream error and schedules removal.
func (b *Broadcaster) Fail(sess *Session, err error) {
	sess.Fail(err)
	b.scheduleCleanup(sess)
}

// scheduleCleanup keeps a finished session in the registry (and in the
// session gauge) for cleanupTTL before removing it. Attach does not hand out
// a finished session: a new Attach for the same fingerprint creates a fresh
// session, which the removal here leaves in place.
func (b *Broadcaster) scheduleCleanup(sess *Session) {
	time.AfterFunc(b.cleanupTTL, func() {
		b.mu.Lock()
		if b.sessions[sess.Fingerprint] == sess {
			delete(b.sessions, sess.Fingerprint)
		}
		b.mu.Unlock()
		b.report()
	})
}

func (b *Broadcaster) report() {
	if b.metrics == nil {
		return
	}
	b.mu.Lock()
	n := len(b.sessions)
	subs := 0
	for _, s := range b.sessions {
		subs += s.SubscriberCount()
	}
	b.mu.Unlock()
	b.metrics.activeSessions.Set(float64(n))
	b.metrics.subscribers.Set(float64(subs))
}
