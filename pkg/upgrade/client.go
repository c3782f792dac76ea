package upgrade

import "time"

// This file carries the collaborator interfaces from §6. FUO consumes
// these; it never defines their wire format (§1 Non-goals). Concrete
// adapters live in package transport and package client in this module,
// built against these same contracts.

// ConnectionState is the transport-level connectivity FUO observes.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

// ConnectOutcome is returned synchronously by Transport.Connect.
type ConnectOutcome int

const (
	ConnectResultConnected ConnectOutcome = iota
	ConnectResultDeferred
	ConnectResultFailed
)

// Observer receives connection state changes. reset() registers FUO as
// an observer for the duration of the post-reset wait; it deregisters
// itself on the first event it receives (§4.5).
type Observer interface {
	DidChangeStateTo(state ConnectionState)
}

// Transport is the external collaborator that delivers request bytes,
// receives response bytes, and emits connection state changes. FUO
// never inspects the bytes a Transport carries; those are owned by the
// CommandClients below.
type Transport interface {
	Connect() (ConnectOutcome, error)
	AddObserver(o Observer)
	RemoveObserver(o Observer)
}

// Response is the common shape every management callback yields: a
// raw return code and, for list/test/confirm, the device's current
// slot inventory.
type Response struct {
	RC     int
	Images []SlotReport
}

// IsSuccess mirrors the device's own success predicate: rc == 0.
func (r *Response) IsSuccess() bool { return r != nil && r.RC == 0 }

// SlotReport is one record from a decoded image-list (or test/confirm)
// response (§3).
type SlotReport struct {
	Image             int
	Slot              int
	Hash              []byte
	Confirmed         bool
	Pending           bool
	Permanent         bool
	Active            bool
	Version           string // addition: device-reported running version, if any
	BootloaderVersion string // addition: device-reported bootloader version, if any
}

// ParamsResponse is the default-params response (§4.7).
type ParamsResponse struct {
	RC         int
	BufferSize uint64
}

func (r *ParamsResponse) IsSuccess() bool { return r != nil && r.RC == 0 }

// ResponseCallback is the shape of every async management callback:
// exactly one of response/err is non-nil, except both nil, which the
// machine treats as ErrNilResponse.
type ResponseCallback func(resp *Response, err error)

type ParamsCallback func(resp *ParamsResponse, err error)

// UploadProgressDelegate receives progress events during the upload
// phase and the three terminal upload outcomes (§4.3).
type UploadProgressDelegate interface {
	OnProgress(bytesSent, imageSize int, timestamp time.Time)
	OnFinished()
	OnFailed(err error)
	OnCancelled()
}

// UploadHandle lets the machine cancel/pause/resume an in-flight upload.
type UploadHandle interface {
	Cancel()
	Pause()
	Continue()
}

// ImageClient owns the byte-level image-list/upload/test/confirm
// exchanges. Its on-wire chunking, MTU, and pipelining are out of
// scope for this spec (§1).
type ImageClient interface {
	List(cb ResponseCallback)
	Upload(images []*ImageSlate, cfg Configuration, delegate UploadProgressDelegate) (UploadHandle, error)
	Test(hash []byte, cb ResponseCallback)
	// Confirm with hash == nil acts on slot 0 ("verify"/unqualified confirm).
	Confirm(hash []byte, cb ResponseCallback)
	SetMTU(mtu int) bool
}

// DefaultClient owns parameter negotiation and reset.
type DefaultClient interface {
	Params(cb ParamsCallback)
	Reset(cb ResponseCallback)
}

// BasicClient owns the erase-app-settings command.
type BasicClient interface {
	EraseAppSettings(cb ResponseCallback)
}
