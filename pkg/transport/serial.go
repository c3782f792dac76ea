//go:build linux

package transport

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jhaynes/fuo/pkg/upgrade"
)

// SerialConfig describes a local serial/USB device path and line
// discipline, mirroring what a board's DFU shell exposes.
type SerialConfig struct {
	Path        string
	BaudRate    uint32
	ReopenDelay time.Duration
}

// Serial is an upgrade.Transport over a local tty, opened with raw mode
// via termios so framed management protocol bytes pass through
// unmodified. It is deliberately not the ImageClient/DefaultClient/
// BasicClient itself: those own the bytes, this only owns connectivity.
type Serial struct {
	observerSet

	cfg  SerialConfig
	file *os.File
}

// NewSerial builds a Serial transport for the given config. It does not
// open the device; call Connect to do that.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.ReopenDelay <= 0 {
		cfg.ReopenDelay = 200 * time.Millisecond
	}
	return &Serial{cfg: cfg}
}

// Connect opens (or reopens) the serial device and puts it into raw
// mode. A device that is not yet present (the common case immediately
// after a reset) is reported as ConnectResultDeferred rather than an
// error, so callers can retry.
func (s *Serial) Connect() (upgrade.ConnectOutcome, error) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	f, err := os.OpenFile(s.cfg.Path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return upgrade.ConnectResultDeferred, nil
		}
		return upgrade.ConnectResultFailed, fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}

	if err := setRawMode(f); err != nil {
		_ = f.Close()
		return upgrade.ConnectResultFailed, fmt.Errorf("configure %s: %w", s.cfg.Path, err)
	}

	s.file = f
	s.notify(upgrade.Connected)
	return upgrade.ConnectResultConnected, nil
}

// Close releases the underlying file descriptor.
func (s *Serial) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.notify(upgrade.Disconnected)
	return err
}

func setRawMode(f *os.File) error {
	fd := int(f.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	return unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}
