package upgrade

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// reconnectMargin is added on top of Configuration.EstimatedSwapTime to
// arm the fallback timeout (§4.5): the backstop that fires a Connect
// attempt on its own if the transport never reports a Disconnected
// event at all.
const reconnectMargin = 2 * time.Second

// reconnectFallback bounds the wait when no EstimatedSwapTime was
// configured.
const reconnectFallback = 10 * time.Second

// maxDeferredRetries bounds how many times the coordinator will retry
// after a Connect call reports ConnectResultDeferred before surfacing
// it to the caller as a terminal outcome.
const maxDeferredRetries = 3

const deferredRetryDelay = 500 * time.Millisecond

// reconnectOutcome is the final Connect() outcome, stashed when it completes before NoteResponse has installed a
// callback to deliver it to (the reset response arrived so late that
// the disconnect-triggered timer already fired and connected).
type reconnectOutcome struct {
	outcome ConnectOutcome
	err     error
}

// reconnectCoordinator implements the §4.5 reconnect algorithm: Arm
// registers it as a transport observer before the reset command is even
// sent, so a disconnect that beats the reset response is never missed.
// Once the reset response arrives, and once the eventual Disconnected
// event arrives (in either order), it computes elapsed time since the
// response and schedules a Connect() attempt after
// max(0, estimatedSwapTime-elapsed). A ConnectResultDeferred outcome is
// retried every deferredRetryDelay, up to maxDeferredRetries times.
type reconnectCoordinator struct {
	transport Transport
	log       *zap.Logger

	mu              sync.Mutex
	done            bool
	attempts        int
	swapTime        time.Duration
	responseSeen    bool
	resetResponseAt time.Time
	disconnectSeen  bool
	timer           *time.Timer
	onResult        func(ConnectOutcome, error)
	pending         *reconnectOutcome
}

func newReconnectCoordinator(transport Transport, log *zap.Logger) *reconnectCoordinator {
	return &reconnectCoordinator{transport: transport, log: withPhase(log, "reconnect")}
}

// Arm registers the coordinator as a transport observer. It must be
// called before the reset command is sent: a disconnect that beats the
// reset response is the case §4.5 calls out by name, and it can only be
// observed if the registration happened first.
func (c *reconnectCoordinator) Arm(swapTime time.Duration) {
	c.mu.Lock()
	c.swapTime = swapTime
	c.mu.Unlock()
	c.transport.AddObserver(c)
}

// NoteResponse records the moment the reset command's response arrived
// and installs onResult, which is called exactly once with the outcome
// of the eventual Connect attempt. If the transport never reports a
// Disconnected event, a fallback timer derived from swapTime eventually
// tries anyway.
func (c *reconnectCoordinator) NoteResponse(onResult func(ConnectOutcome, error)) {
	c.mu.Lock()
	c.onResult = onResult
	c.responseSeen = true
	c.resetResponseAt = time.Now()
	swap := c.swapTime
	alreadyDisconnected := c.disconnectSeen
	pending := c.pending
	c.mu.Unlock()

	if pending != nil {
		// The disconnect-triggered timer already fired and connected
		// before the reset response arrived to install this callback.
		onResult(pending.outcome, pending.err)
		return
	}
	if alreadyDisconnected {
		// The disconnect already arrived and armed the real delay timer
		// (elapsed 0, per §4.5); don't clobber it with the fallback.
		return
	}

	wait := swap + reconnectMargin
	if swap <= 0 {
		wait = reconnectFallback
	}
	c.armTimer(wait)
}

// DidChangeStateTo implements Observer (§4.5): the coordinator
// deregisters itself on the first event it receives, and only a
// Disconnected event schedules the connect. Elapsed time since the reset
// response is 0 if the disconnect arrived before the response did;
// otherwise it's the gap between the two. A Connected event arriving
// here schedules nothing; the fallback timer armed by NoteResponse then
// makes the attempt.
func (c *reconnectCoordinator) DidChangeStateTo(state ConnectionState) {
	c.transport.RemoveObserver(c)
	if state != Disconnected {
		return
	}

	c.mu.Lock()
	if c.disconnectSeen || c.done {
		c.mu.Unlock()
		return
	}
	c.disconnectSeen = true
	now := time.Now()
	responseSeen := c.responseSeen
	resetResponseAt := c.resetResponseAt
	swap := c.swapTime
	c.mu.Unlock()

	elapsed := time.Duration(0)
	if responseSeen {
		if d := now.Sub(resetResponseAt); d > 0 {
			elapsed = d
		}
	}
	remaining := swap - elapsed
	if remaining < 0 {
		remaining = 0
	}
	c.log.Debug("disconnected, scheduling connect",
		zap.Duration("elapsed", elapsed), zap.Duration("remaining", remaining))
	c.armTimer(remaining)
}

// armTimer stops any timer already running (the fallback timer, most
// likely, once a real disconnect supersedes it) and starts a new one
// for delay.
func (c *reconnectCoordinator) armTimer(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.onTimeout)
}

func (c *reconnectCoordinator) onTimeout() {
	c.tryConnect()
}

func (c *reconnectCoordinator) tryConnect() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.transport.RemoveObserver(c)

	outcome, err := c.transport.Connect()
	c.log.Debug("reconnect attempt", zap.Int("outcome", int(outcome)), zap.Error(err))

	if outcome == ConnectResultDeferred && err == nil {
		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()
		if attempts <= maxDeferredRetries {
			c.armTimer(deferredRetryDelay)
			return
		}
	}

	c.mu.Lock()
	c.done = true
	onResult := c.onResult
	if onResult == nil {
		c.pending = &reconnectOutcome{outcome: outcome, err: err}
	}
	c.mu.Unlock()
	if onResult != nil {
		onResult(outcome, err)
	}
}

// Cancel tears the coordinator down without ever attempting a connect,
// for when the reset itself failed and no reconnect will follow.
func (c *reconnectCoordinator) Cancel() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.transport.RemoveObserver(c)
}
