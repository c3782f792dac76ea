package transport

import (
	"sync"
	"time"

	"github.com/jhaynes/fuo/pkg/upgrade"
)

// Simulated is an in-memory upgrade.Transport standing in for real
// hardware in tests. SimulateReset fires Disconnected at once and
// Connected after rebootDur, the way an actual device drops and
// re-establishes its link across a reboot.
type Simulated struct {
	observerSet

	mu        sync.Mutex
	connected bool
	rebootDur time.Duration
	deferN    int // number of Connect calls to answer Deferred before succeeding
}

// NewSimulated builds a Simulated transport. rebootDur is how long a
// simulated Reset takes before the device becomes reachable again.
func NewSimulated(rebootDur time.Duration) *Simulated {
	return &Simulated{rebootDur: rebootDur}
}

// SetDeferredAttempts makes the next n Connect calls answer
// ConnectResultDeferred before the transport starts succeeding, for
// exercising the reconnect coordinator's retry path.
func (s *Simulated) SetDeferredAttempts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferN = n
}

func (s *Simulated) Connect() (upgrade.ConnectOutcome, error) {
	s.mu.Lock()
	if s.deferN > 0 {
		s.deferN--
		s.mu.Unlock()
		return upgrade.ConnectResultDeferred, nil
	}
	s.connected = true
	s.mu.Unlock()

	s.notify(upgrade.Connected)
	return upgrade.ConnectResultConnected, nil
}

// SimulateReset fires a Disconnected observer event immediately, then a
// Connected event after rebootDur, mimicking a device's own reset cycle.
func (s *Simulated) SimulateReset() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.notify(upgrade.Disconnected)

	time.AfterFunc(s.rebootDur, func() {
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.notify(upgrade.Connected)
	})
}

func (s *Simulated) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
