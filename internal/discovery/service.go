package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openfab/fablink/internal/logging"
)

const (
	// DefaultRecordTTL is how long a machine stays listed after its last
	// sighting
	DefaultRecordTTL = 5 * time.Minute

	// DefaultScanInterval paces continuous discovery
	DefaultScanInterval = 30 * time.Second

	// DefaultMethodTimeout bounds one method's pass inside DiscoverOnce
	DefaultMethodTimeout = 15 * time.Second

	// listenerBuffer is the capacity of each listener channel. When a
	// listener falls behind, the oldest pending event is dropped so the
	// discovery loop never blocks.
	listenerBuffer = 16
)

// Service aggregates discovery methods behind a single cache of known
// machines. All cache mutation happens under one mutex; methods never
// touch the cache directly.
type Service struct {
	methods       []Method
	ttl           time.Duration
	interval      time.Duration
	methodTimeout time.Duration
	now           func() time.Time

	mu        sync.Mutex
	cache     map[string]DiscoveredMachine
	listeners []chan DiscoveredMachine
	stop      chan struct{}
	done      chan struct{}
}

// Option adjusts Service construction.
type Option func(*Service)

// WithTTL overrides how long unseen machines stay cached.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithScanInterval overrides the continuous discovery period.
func WithScanInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithMethodTimeout overrides the per-method pass deadline.
func WithMethodTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.methodTimeout = timeout
		}
	}
}

// New creates a discovery service over the given methods. At least one
// method is required.
func New(methods []Method, opts ...Option) (*Service, error) {
	if len(methods) == 0 {
		return nil, errors.New("discovery service requires at least one method")
	}
	s := &Service{
		methods:       methods,
		ttl:           DefaultRecordTTL,
		interval:      DefaultScanInterval,
		methodTimeout: DefaultMethodTimeout,
		now:           time.Now,
		cache:         make(map[string]DiscoveredMachine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DiscoverOnce runs every method for one pass, merges the results into
// the cache and returns the deduplicated sightings from this pass. A
// failing method is logged and skipped; the pass fails only when every
// method fails.
func (s *Service) DiscoverOnce(ctx context.Context) ([]DiscoveredMachine, error) {
	var (
		merged  = make(map[string]DiscoveredMachine)
		failed  int
		lastErr error
	)

	for _, method := range s.methods {
		methodCtx, cancel := context.WithTimeout(ctx, s.methodTimeout)
		machines, err := method.Discover(methodCtx)
		cancel()

		if err != nil {
			failed++
			lastErr = err
			logging.Warn("Discovery method failed",
				zap.String("method", method.Name()),
				zap.Error(err),
			)
			continue
		}
		// First sighting of an ID in a pass wins; methods run in
		// configured priority order
		for _, m := range machines {
			if _, ok := merged[m.DiscoveryID]; !ok {
				merged[m.DiscoveryID] = m
			}
		}
	}

	if failed == len(s.methods) {
		return nil, lastErr
	}

	results := make([]DiscoveredMachine, 0, len(merged))
	for _, m := range merged {
		if s.absorb(m) {
			results = append(results, m)
		}
	}
	return results, nil
}

// absorb merges one sighting into the cache and notifies listeners when
// the machine is new or materially changed. Sightings already past the
// eviction window, or staler than the cached record, are dropped so a
// vanished machine cannot bounce back as "new" after read-time eviction.
func (s *Service) absorb(m DiscoveredMachine) bool {
	s.mu.Lock()
	if m.LastSeen.Before(s.now().Add(-s.ttl)) {
		s.mu.Unlock()
		return false
	}
	prev, known := s.cache[m.DiscoveryID]
	if known && m.LastSeen.Before(prev.LastSeen) {
		s.mu.Unlock()
		return false
	}
	s.cache[m.DiscoveryID] = m
	notify := !known || m.changedFrom(prev)
	listeners := make([]chan DiscoveredMachine, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if !notify {
		return true
	}
	for _, ch := range listeners {
		select {
		case ch <- m:
		default:
			// Listener is full; drop its oldest event to make room so
			// slow consumers see recent machines, not stale ones
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- m:
			default:
			}
		}
	}
	return true
}

// DiscoveredMachines returns the cached machines that are still within
// their TTL. Expired records are evicted here rather than by a timer.
func (s *Service) DiscoveredMachines() []DiscoveredMachine {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	machines := make([]DiscoveredMachine, 0, len(s.cache))
	for id, m := range s.cache {
		if m.LastSeen.Before(cutoff) {
			delete(s.cache, id)
			continue
		}
		machines = append(machines, m)
	}
	return machines
}

// Subscribe registers a listener for new or changed machines. The
// returned channel is buffered; when the subscriber falls behind, the
// oldest undelivered event is discarded.
func (s *Service) Subscribe() <-chan DiscoveredMachine {
	ch := make(chan DiscoveredMachine, listenerBuffer)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener registered with Subscribe.
func (s *Service) Unsubscribe(ch <-chan DiscoveredMachine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, registered := range s.listeners {
		if registered == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// StartContinuousDiscovery runs DiscoverOnce on a fixed interval in a
// background goroutine until StopContinuousDiscovery is called or the
// context is cancelled. Starting an already-running service is an error.
func (s *Service) StartContinuousDiscovery(ctx context.Context) error {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return errors.New("continuous discovery already running")
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done
	s.mu.Unlock()

	go s.loop(ctx, stop, done)
	return nil
}

// loop is the single goroutine driving continuous discovery.
func (s *Service) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Immediate first pass so subscribers do not wait a full interval
	if _, err := s.DiscoverOnce(ctx); err != nil {
		logging.Warn("Discovery pass failed", zap.Error(err))
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.DiscoverOnce(ctx); err != nil {
				logging.Warn("Discovery pass failed", zap.Error(err))
			}
		}
	}
}

// StopContinuousDiscovery signals the discovery goroutine and waits for
// it to exit. Stopping a service that is not running is a no-op.
func (s *Service) StopContinuousDiscovery() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
