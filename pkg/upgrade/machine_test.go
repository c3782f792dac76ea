package upgrade

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a minimal upgrade.Transport for machine tests: it
// always connects immediately, so reconnect never actually waits.
type fakeTransport struct {
	mu        sync.Mutex
	observers []Observer
}

func (t *fakeTransport) Connect() (ConnectOutcome, error) { return ConnectResultConnected, nil }

// AddObserver simulates a device that disconnects shortly after it
// receives a reset command: reconnectCoordinator registers itself just
// before reset is sent (§4.5), so firing Disconnected a few milliseconds
// later stands in for the real transport's own observer notification
// without the test waiting out reconnectCoordinator's fallback timer.
func (t *fakeTransport) AddObserver(o Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
	go func() {
		time.Sleep(5 * time.Millisecond)
		o.DidChangeStateTo(Disconnected)
	}()
}
func (t *fakeTransport) RemoveObserver(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.observers {
		if existing == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// fakeSlot is one of fakeDevice's two per-image slots.
type fakeSlot struct {
	hash      []byte
	version   string
	pending   bool
	permanent bool
	confirmed bool
}

// fakeDevice implements ImageClient, DefaultClient, and BasicClient as a
// slot-0/slot-1-aware device fake, independent from the richer
// pkg/client.Simulated used by the CLI and integration tests.
type fakeDevice struct {
	mu    sync.Mutex
	slots map[int][2]fakeSlot // image index -> [primary, secondary]
}

func newFakeDevice(runningHash []byte) *fakeDevice {
	d := &fakeDevice{slots: map[int][2]fakeSlot{}}
	d.slots[0] = [2]fakeSlot{{hash: runningHash, confirmed: true, permanent: true}, {}}
	return d
}

// newFakeDeviceWithVersion behaves like newFakeDevice but also reports a
// running version on slot 0, for version-gate tests.
func newFakeDeviceWithVersion(runningHash []byte, runningVersion string) *fakeDevice {
	d := &fakeDevice{slots: map[int][2]fakeSlot{}}
	d.slots[0] = [2]fakeSlot{{hash: runningHash, version: runningVersion, confirmed: true, permanent: true}, {}}
	return d
}

// newFakeDeviceWithStagedSecondary behaves like newFakeDevice but starts
// with secondaryHash already staged in slot 1, for the staged-match
// branches of §4.2 that a fresh device never exercises.
func newFakeDeviceWithStagedSecondary(runningHash, secondaryHash []byte, pending, permanent bool) *fakeDevice {
	d := newFakeDevice(runningHash)
	pair := d.slots[0]
	pair[1] = fakeSlot{hash: secondaryHash, pending: pending, permanent: permanent}
	d.slots[0] = pair
	return d
}

func (d *fakeDevice) snapshot() []SlotReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []SlotReport
	for image, pair := range d.slots {
		for slotIdx, s := range pair {
			if s.hash == nil {
				continue
			}
			out = append(out, SlotReport{
				Image: image, Slot: slotIdx, Hash: s.hash,
				Confirmed: s.confirmed, Pending: s.pending, Permanent: s.permanent, Active: slotIdx == 0,
			})
		}
	}
	return out
}

func (d *fakeDevice) List(cb ResponseCallback) {
	cb(&Response{RC: 0, Images: d.snapshot()}, nil)
}

func (d *fakeDevice) Upload(images []*ImageSlate, cfg Configuration, delegate UploadProgressDelegate) (UploadHandle, error) {
	go func() {
		for _, img := range images {
			d.mu.Lock()
			pair := d.slots[img.Index]
			// Freshly uploaded: staged but neither tested (pending) nor
			// permanent yet (§4.2 "staged-match, pending = false").
			pair[1] = fakeSlot{hash: img.Hash}
			d.slots[img.Index] = pair
			d.mu.Unlock()
		}
		delegate.OnFinished()
	}()
	return noopUploadHandle{}, nil
}

type noopUploadHandle struct{}

func (noopUploadHandle) Cancel()   {}
func (noopUploadHandle) Pause()    {}
func (noopUploadHandle) Continue() {}

func (d *fakeDevice) Test(hash []byte, cb ResponseCallback) {
	d.mu.Lock()
	for image, pair := range d.slots {
		if bytes.Equal(pair[1].hash, hash) {
			pair[1].pending = true
			d.slots[image] = pair
		}
	}
	resp := &Response{RC: 0, Images: d.snapshotLocked()}
	d.mu.Unlock()
	cb(resp, nil)
}

func (d *fakeDevice) Confirm(hash []byte, cb ResponseCallback) {
	d.mu.Lock()
	for image, pair := range d.slots {
		if hash == nil || bytes.Equal(pair[0].hash, hash) {
			pair[0].confirmed = true
			pair[0].permanent = true
			d.slots[image] = pair
			continue
		}
		if bytes.Equal(pair[1].hash, hash) {
			pair[1].confirmed = true
			pair[1].permanent = true
			pair[1].pending = false
			d.slots[image] = pair
		}
	}
	resp := &Response{RC: 0, Images: d.snapshotLocked()}
	d.mu.Unlock()
	cb(resp, nil)
}

// snapshotLocked is snapshot() without re-acquiring d.mu, for callers
// that already hold it.
func (d *fakeDevice) snapshotLocked() []SlotReport {
	var out []SlotReport
	for image, pair := range d.slots {
		for slotIdx, s := range pair {
			if s.hash == nil {
				continue
			}
			out = append(out, SlotReport{
				Image: image, Slot: slotIdx, Hash: s.hash,
				Confirmed: s.confirmed, Pending: s.pending, Permanent: s.permanent, Active: slotIdx == 0,
			})
		}
	}
	return out
}

func (d *fakeDevice) SetMTU(mtu int) bool { return true }

func (d *fakeDevice) Params(cb ParamsCallback) { cb(&ParamsResponse{RC: 0, BufferSize: 2048}, nil) }

func (d *fakeDevice) Reset(cb ResponseCallback) {
	d.mu.Lock()
	for image, pair := range d.slots {
		if pair[1].hash != nil && pair[1].pending {
			pair[0] = pair[1]
			pair[0].pending = false
			d.slots[image] = pair
		}
	}
	d.mu.Unlock()
	cb(&Response{RC: 0}, nil)
}

func (d *fakeDevice) EraseAppSettings(cb ResponseCallback) { cb(&Response{RC: 0}, nil) }

// capturingDelegate records every callback for assertion and signals
// done on the first terminal one.
type capturingDelegate struct {
	mu        sync.Mutex
	states    []string
	completed bool
	failedErr error
	cancelled bool
	done      chan struct{}
}

func newCapturingDelegate() *capturingDelegate {
	return &capturingDelegate{done: make(chan struct{})}
}

func (c *capturingDelegate) UpgradeDidStart() {}
func (c *capturingDelegate) UpgradeStateDidChange(from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, to)
}
func (c *capturingDelegate) UpgradeDidUploadImage(s *ImageSlate)  {}
func (c *capturingDelegate) UpgradeDidTestImage(s *ImageSlate)    {}
func (c *capturingDelegate) UpgradeDidConfirmImage(s *ImageSlate) {}
func (c *capturingDelegate) UpgradeDidComplete() {
	c.mu.Lock()
	c.completed = true
	c.mu.Unlock()
	close(c.done)
}
func (c *capturingDelegate) UpgradeDidFail(err error) {
	c.mu.Lock()
	c.failedErr = err
	c.mu.Unlock()
	close(c.done)
}
func (c *capturingDelegate) UpgradeDidCancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	close(c.done)
}

func (c *capturingDelegate) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not finish in time")
	}
}

func (c *capturingDelegate) snapshotStates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.states...)
}

func newTestSlates() []*ImageSlate {
	return []*ImageSlate{NewImageSlate(0, []byte("firmware-bytes"), hashOf(5), FirmwareManifest{})}
}

func newMachine(device *fakeDevice, transport Transport, delegate Delegate, cfg Configuration) *UpgradeStateMachine {
	return NewUpgradeStateMachine(Collaborators{
		Transport: transport, ImageClient: device, DefaultClient: device, BasicClient: device,
		Delegate: delegate,
	}, cfg, newTestSlates())
}

// TestUpgradeStateMachine_ConfirmOnlySucceeds exercises S1: a fresh
// device, different image running, nothing staged.
func TestUpgradeStateMachine_ConfirmOnlySucceeds(t *testing.T) {
	device := newFakeDevice(hashOf(9))
	delegate := newCapturingDelegate()
	cfg := DefaultConfiguration()
	cfg.Mode = ModeConfirmOnly

	m := newMachine(device, &fakeTransport{}, delegate, cfg)

	require.NoError(t, m.Start(context.Background()))
	delegate.waitDone(t)

	assert.True(t, delegate.completed)
	assert.Nil(t, delegate.failedErr)
	assert.Equal(t, StateSucceeded, m.State())
	assert.Contains(t, delegate.snapshotStates(), StateUpload)
	assert.Contains(t, delegate.snapshotStates(), StateReset)
}

func TestUpgradeStateMachine_TestOnlyResetsAndReconnects(t *testing.T) {
	device := newFakeDevice(hashOf(9))
	delegate := newCapturingDelegate()
	cfg := DefaultConfiguration()
	cfg.Mode = ModeTestOnly

	m := newMachine(device, &fakeTransport{}, delegate, cfg)

	require.NoError(t, m.Start(context.Background()))
	delegate.waitDone(t)

	assert.True(t, delegate.completed)
	assert.Contains(t, delegate.snapshotStates(), StateReset)
	assert.Contains(t, delegate.snapshotStates(), StateReconnect)
}

func TestUpgradeStateMachine_TestAndConfirmVerifiesAfterReboot(t *testing.T) {
	device := newFakeDevice(hashOf(9))
	delegate := newCapturingDelegate()
	cfg := DefaultConfiguration()
	cfg.Mode = ModeTestAndConfirm

	m := newMachine(device, &fakeTransport{}, delegate, cfg)

	require.NoError(t, m.Start(context.Background()))
	delegate.waitDone(t)

	require.Nil(t, delegate.failedErr)
	assert.True(t, delegate.completed)
	states := delegate.snapshotStates()
	assert.Contains(t, states, StateTest)
	assert.Contains(t, states, StateReset)
	assert.Contains(t, states, StateConfirm)
}

// TestUpgradeStateMachine_StagedPendingResetResumesViaVerify mirrors S2
// at the machine level: the target image is already staged in slot 1,
// pending but not yet permanent. The planner's reset here is terminal
// (§4.2), so reconnect must resume straight into Confirm to verify, not
// loop back through Validate.
func TestUpgradeStateMachine_StagedPendingResetResumesViaVerify(t *testing.T) {
	device := newFakeDeviceWithStagedSecondary(hashOf(9), hashOf(5), true, false)
	delegate := newCapturingDelegate()
	cfg := DefaultConfiguration()
	cfg.Mode = ModeTestAndConfirm

	m := newMachine(device, &fakeTransport{}, delegate, cfg)

	require.NoError(t, m.Start(context.Background()))
	delegate.waitDone(t)

	require.Nil(t, delegate.failedErr)
	assert.True(t, delegate.completed)
	states := delegate.snapshotStates()
	assert.Contains(t, states, StateReset)
	assert.Contains(t, states, StateReconnect)
	assert.Contains(t, states, StateConfirm)
	assert.NotContains(t, states, StateUpload, "image is already staged, nothing to upload")
	assert.NotContains(t, states, StateTest, "image is already staged, nothing to test")
}

func TestUpgradeStateMachine_SecondStartWhileRunningFails(t *testing.T) {
	device := newFakeDevice(hashOf(9))
	delegate := newCapturingDelegate()

	m := newMachine(device, &fakeTransport{}, delegate, DefaultConfiguration())

	require.NoError(t, m.Start(context.Background()))
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	delegate.waitDone(t)
}

// TestUpgradeStateMachine_CancelOutsideUploadIsNoOp covers invariant 3:
// cancel() outside Upload changes no observable state. The device
// already runs the target image confirmed, so the upgrade completes via
// the already-done path (§4.2) without ever entering Upload.
func TestUpgradeStateMachine_CancelOutsideUploadIsNoOp(t *testing.T) {
	device := newFakeDevice(hashOf(5)) // matches newTestSlates()'s hash
	delegate := newCapturingDelegate()

	m := newMachine(device, &fakeTransport{}, delegate, DefaultConfiguration())
	require.NoError(t, m.Start(context.Background()))
	delegate.waitDone(t)

	require.True(t, delegate.completed)
	require.NotEqual(t, StateUpload, m.State())

	m.Cancel(context.Background())

	assert.True(t, delegate.completed)
	assert.False(t, delegate.cancelled)
	assert.Equal(t, StateSucceeded, m.State())
}

// TestUpgradeStateMachine_SetUploadMTU covers invariant 6.
func TestUpgradeStateMachine_SetUploadMTU(t *testing.T) {
	device := newFakeDevice(hashOf(9))
	m := newMachine(device, &fakeTransport{}, newCapturingDelegate(), DefaultConfiguration())

	assert.True(t, m.SetUploadMTU(23))
	assert.True(t, m.SetUploadMTU(1024))
	assert.False(t, m.SetUploadMTU(22))
	assert.False(t, m.SetUploadMTU(1025))
}

// TestUpgradeStateMachine_PauseBeforeStartThenResume mirrors scenario
// S6: pausing before a phase's command is issued means that command is
// never sent until Resume re-enters the same (recorded) state.
func TestUpgradeStateMachine_PauseBeforeStartThenResume(t *testing.T) {
	device := newFakeDevice(hashOf(9))
	cfg := DefaultConfiguration()
	cfg.Mode = ModeConfirmOnly

	delegate := newCapturingDelegate()
	m := newMachine(device, &fakeTransport{}, delegate, cfg)

	m.Pause()
	require.NoError(t, m.Start(context.Background()))

	// The Idle->RequestParameters transition itself still happens (pause
	// only gates the command a state's entry would issue); but since
	// params negotiation was never kicked off, the machine must not have
	// progressed any further.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateRequestParameters, m.State())
	assert.True(t, m.IsPaused())

	m.Resume()
	assert.False(t, m.IsPaused())

	delegate.waitDone(t)
	assert.True(t, delegate.completed)
	assert.Nil(t, delegate.failedErr)
}

func TestUpgradeStateMachine_ReconnectFailureFailsUpgrade(t *testing.T) {
	device := newFakeDevice(hashOf(9))
	delegate := newCapturingDelegate()
	cfg := DefaultConfiguration()
	cfg.Mode = ModeTestOnly

	failingTransport := &failingReconnectTransport{}
	m := newMachine(device, failingTransport, delegate, cfg)

	require.NoError(t, m.Start(context.Background()))
	delegate.waitDone(t)

	require.NotNil(t, delegate.failedErr)
	assert.ErrorIs(t, delegate.failedErr, ErrConnectionFailedAfterReset)
}

type failingReconnectTransport struct{ fakeTransport }

func (t *failingReconnectTransport) Connect() (ConnectOutcome, error) {
	return ConnectResultFailed, assertErr
}

var assertErr = errConnectFailed{}

type errConnectFailed struct{}

func (errConnectFailed) Error() string { return "simulated connect failure" }
