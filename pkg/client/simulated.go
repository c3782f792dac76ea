// Package client provides upgrade.ImageClient / DefaultClient /
// BasicClient implementations. The wire encoding a real device expects
// is out of scope for this module; Simulated instead models device-side
// slot bookkeeping in memory, which is enough to drive the orchestrator
// end to end in tests and in local demos.
package client

import (
	"sync"
	"time"

	"github.com/jhaynes/fuo/pkg/upgrade"
)

// SimulatedSlot is one of the device's two image slots as Simulated
// models it.
type SimulatedSlot struct {
	Hash      []byte
	Version   string
	Pending   bool
	Permanent bool
	Confirmed bool
	Active    bool
}

// Simulated fakes a two-slot device: slot 0 is the currently running
// image, slot 1 is the staging slot an upload/test/confirm cycle acts
// on. It is safe for concurrent use.
type Simulated struct {
	mu sync.Mutex

	slots         [2]SimulatedSlot
	bufferSize    uint64
	eraseCalls    int
	resetCalls    int
	rebootLatency time.Duration
	afterReset    func() // test hook, called synchronously when Reset is serviced
}

// NewSimulated seeds slot 0 with the device's current running image.
func NewSimulated(runningHash []byte, runningVersion string) *Simulated {
	s := &Simulated{bufferSize: 4096, rebootLatency: 50 * time.Millisecond}
	s.slots[0] = SimulatedSlot{Hash: runningHash, Version: runningVersion, Permanent: true, Confirmed: true, Active: true}
	return s
}

// SetAfterReset installs a hook invoked synchronously inside Reset,
// letting tests trigger a paired transport.Simulated.SimulateReset call
// at exactly the right moment.
func (s *Simulated) SetAfterReset(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterReset = f
}

// snapshot reports both slots of the single image Simulated models:
// Image is always 0, Slot distinguishes the running copy (0) from the
// staging copy (1) - matching the planner's (Image, Slot) addressing,
// not a per-slot image index.
func (s *Simulated) snapshot() []upgrade.SlotReport {
	out := make([]upgrade.SlotReport, 0, 2)
	for i, slot := range s.slots {
		if slot.Hash == nil {
			continue
		}
		out = append(out, upgrade.SlotReport{
			Image:     0,
			Slot:      i,
			Hash:      slot.Hash,
			Confirmed: slot.Confirmed,
			Pending:   slot.Pending,
			Permanent: slot.Permanent,
			Active:    slot.Active,
			Version:   slot.Version,
		})
	}
	return out
}

func (s *Simulated) List(cb upgrade.ResponseCallback) {
	s.mu.Lock()
	resp := &upgrade.Response{RC: 0, Images: s.snapshot()}
	s.mu.Unlock()
	cb(resp, nil)
}

// simulatedUploadHandle is the UploadHandle Upload hands back; Cancel
// stops the progress ticker and reports OnCancelled.
type simulatedUploadHandle struct {
	cancel chan struct{}
	once   sync.Once
}

func (h *simulatedUploadHandle) Cancel() {
	h.once.Do(func() { close(h.cancel) })
}
func (h *simulatedUploadHandle) Pause()    {}
func (h *simulatedUploadHandle) Continue() {}

func (s *Simulated) Upload(images []*upgrade.ImageSlate, cfg upgrade.Configuration, delegate upgrade.UploadProgressDelegate) (upgrade.UploadHandle, error) {
	handle := &simulatedUploadHandle{cancel: make(chan struct{})}

	go func() {
		for _, img := range images {
			size := len(img.Data)
			sent := 0
			step := size/4 + 1
			for sent < size {
				select {
				case <-handle.cancel:
					delegate.OnCancelled()
					return
				case <-time.After(time.Millisecond):
				}
				sent += step
				if sent > size {
					sent = size
				}
				delegate.OnProgress(sent, size, time.Now())
			}

			s.mu.Lock()
			s.slots[1] = SimulatedSlot{Hash: img.Hash, Version: img.Source.Version, Pending: true}
			s.mu.Unlock()
		}
		delegate.OnFinished()
	}()

	return handle, nil
}

func (s *Simulated) Test(hash []byte, cb upgrade.ResponseCallback) {
	s.mu.Lock()
	if s.slots[1].Hash == nil {
		s.mu.Unlock()
		cb(&upgrade.Response{RC: 1}, nil)
		return
	}
	s.slots[1].Pending = true
	s.slots[1].Active = true
	resp := &upgrade.Response{RC: 0, Images: s.snapshot()}
	s.mu.Unlock()
	cb(resp, nil)
}

func (s *Simulated) Confirm(hash []byte, cb upgrade.ResponseCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := 0
	if hash != nil && s.slots[1].Hash != nil && bytesEqual(hash, s.slots[1].Hash) {
		target = 1
	}
	s.slots[target].Confirmed = true
	s.slots[target].Permanent = true
	s.slots[target].Pending = false
	cb(&upgrade.Response{RC: 0, Images: s.snapshot()}, nil)
}

func (s *Simulated) SetMTU(mtu int) bool { return true }

func (s *Simulated) Params(cb upgrade.ParamsCallback) {
	s.mu.Lock()
	size := s.bufferSize
	s.mu.Unlock()
	cb(&upgrade.ParamsResponse{RC: 0, BufferSize: size}, nil)
}

func (s *Simulated) Reset(cb upgrade.ResponseCallback) {
	s.mu.Lock()
	s.resetCalls++
	hook := s.afterReset

	// A reboot swaps slot 1's staged image into slot 0's running
	// position if it was marked pending/tested, modeling the device's
	// own bootloader swap.
	if s.slots[1].Hash != nil && s.slots[1].Pending {
		s.slots[0], s.slots[1] = s.slots[1], s.slots[0]
		s.slots[0].Pending = false
		s.slots[0].Active = true
		s.slots[1].Active = false
	}
	s.mu.Unlock()

	cb(&upgrade.Response{RC: 0}, nil)
	if hook != nil {
		hook()
	}
}

func (s *Simulated) EraseAppSettings(cb upgrade.ResponseCallback) {
	s.mu.Lock()
	s.eraseCalls++
	s.mu.Unlock()
	cb(&upgrade.Response{RC: 0}, nil)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
