package upgrade

import "time"

// Mode selects the transition graph the upgrade follows after validation.
type Mode string

const (
	ModeTestOnly       Mode = "test_only"
	ModeConfirmOnly    Mode = "confirm_only"
	ModeTestAndConfirm Mode = "test_and_confirm"
)

// ByteAlignment constrains chunk boundaries during pipelined upload.
type ByteAlignment int

const (
	ByteAlignmentDisabled ByteAlignment = 0
	ByteAlignment2        ByteAlignment = 2
	ByteAlignment4        ByteAlignment = 4
	ByteAlignment8        ByteAlignment = 8
	ByteAlignment16       ByteAlignment = 16
)

// Configuration is the immutable (mostly) input to a single upgrade.
// EraseAppSettings is cleared once serviced; ReassemblyBufferSize is
// filled in after parameter negotiation (§4.7).
type Configuration struct {
	Mode                 Mode
	EraseAppSettings     bool
	PipelineDepth        int
	ByteAlignment        ByteAlignment
	ReassemblyBufferSize uint64
	EstimatedSwapTime    time.Duration
	AllowDowngrade       bool // addition: permit a FirmwareManifest-detected downgrade
}

// DefaultConfiguration returns the documented defaults (§6).
func DefaultConfiguration() Configuration {
	return Configuration{
		Mode:                 ModeConfirmOnly,
		EraseAppSettings:     true,
		PipelineDepth:        1,
		ByteAlignment:        ByteAlignmentDisabled,
		ReassemblyBufferSize: 0,
		EstimatedSwapTime:    0,
		AllowDowngrade:       false,
	}
}

const (
	minMTU = 23
	maxMTU = 1024
)

// validMTU reports whether m is in the inclusive [23, 1024] range.
func validMTU(m int) bool {
	return m >= minMTU && m <= maxMTU
}
