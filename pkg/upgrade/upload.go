package upgrade

import (
	"time"

	"go.uber.org/zap"
)

// uploadRunner drives one upload-phase attempt: uploading every pending
// slate through the configured ImageClient, forwarding progress to the
// delegate bus, then on finish servicing the erase-app-settings gate
// before reporting back to the machine (§4.3).
type uploadRunner struct {
	client ImageClient
	basic  BasicClient
	bus    *delegateBus
	log    *zap.Logger
	cfg    *Configuration // erase flag is cleared in place once serviced

	handle UploadHandle
	onDone func(err error)
}

func newUploadRunner(client ImageClient, basic BasicClient, bus *delegateBus, log *zap.Logger, cfg *Configuration) *uploadRunner {
	return &uploadRunner{client: client, basic: basic, bus: bus, log: withPhase(log, "upload"), cfg: cfg}
}

// Start begins the phase. onDone is called exactly once, from whatever
// goroutine the underlying ImageClient/BasicClient callbacks land on,
// with nil on success.
func (r *uploadRunner) Start(slates []*ImageSlate, onDone func(err error)) {
	r.onDone = onDone
	pending := pendingUpload(slates)
	if len(pending) == 0 {
		r.finishUpload()
		return
	}

	handle, err := r.client.Upload(pending, *r.cfg, r)
	if err != nil {
		r.finish(transportError(err))
		return
	}
	r.handle = handle
}

func (r *uploadRunner) Cancel() {
	if r.handle != nil {
		r.handle.Cancel()
	}
}

// Pause and Continue forward to the in-flight UploadHandle (§4.1/§5):
// pausing before Upload has produced one is a no-op, since Start has not
// yet called client.Upload and there is nothing to pause.
func (r *uploadRunner) Pause() {
	if r.handle != nil {
		r.handle.Pause()
	}
}

func (r *uploadRunner) Continue() {
	if r.handle != nil {
		r.handle.Continue()
	}
}

// OnProgress implements UploadProgressDelegate; it has no bearing on
// state transitions, only observability.
func (r *uploadRunner) OnProgress(bytesSent, imageSize int, timestamp time.Time) {
	r.log.Debug("upload progress", zap.Int("bytes_sent", bytesSent), zap.Int("image_size", imageSize), zap.Time("at", timestamp))
}

func (r *uploadRunner) OnFinished() {
	r.finishUpload()
}

func (r *uploadRunner) OnFailed(err error) {
	r.finish(transportError(err))
}

func (r *uploadRunner) OnCancelled() {
	r.finish(newError(ErrTransport, "upload cancelled", nil))
}

// finishUpload implements the upload-termination gate from §4.3: if
// config.EraseAppSettings is still set, issue erase-app-settings first.
// Per the rationale in §4.3, a non-zero rc from that command is benign
// (some devices report "nothing to erase" that way) - only a transport
// error or a missing response is fatal here.
func (r *uploadRunner) finishUpload() {
	if r.cfg.EraseAppSettings && r.basic != nil {
		r.basic.EraseAppSettings(func(resp *Response, err error) {
			if err != nil {
				r.finish(transportError(err))
				return
			}
			if resp == nil {
				r.finish(newError(ErrNilResponse, "erase-app-settings returned no response", nil))
				return
			}
			r.cfg.EraseAppSettings = false
			r.finishUpload()
		})
		return
	}
	r.finish(nil)
}

func (r *uploadRunner) finish(err error) {
	if r.onDone == nil {
		return
	}
	done := r.onDone
	r.onDone = nil
	done(err)
}
