// Package imageparser turns a raw firmware image blob into the digest
// and optional version manifest the upgrade package needs to build an
// ImageSlate. It never validates image contents beyond what's needed to
// extract that metadata; wire-level image format is out of scope.
package imageparser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jhaynes/fuo/pkg/upgrade"
)

// magic marks the start of an optional metadata header this parser
// understands. Images without it still parse; they just carry a
// zero-value FirmwareManifest, which disables version gating for them.
var magic = [4]byte{0xFE, 0xED, 0xFA, 0xCE}

// maxFieldLen bounds each of the header's three length-prefixed fields:
// magic (4) followed by version, minBootloaderVersion, and a hex-encoded
// SHA-256 hash (64 hex chars), each as a one-byte length plus up to
// maxFieldLen bytes.
const maxFieldLen = 64

// Parsed is one image's extracted identity.
type Parsed struct {
	Hash     []byte
	Manifest upgrade.FirmwareManifest
}

// Parse computes the digest of data and, if present, decodes the
// metadata header described above.
func Parse(data []byte) (Parsed, error) {
	if len(data) == 0 {
		return Parsed{}, fmt.Errorf("empty image")
	}

	sum := sha256.Sum256(data)
	parsed := Parsed{Hash: sum[:]}

	manifest, payloadOffset, ok := parseManifest(data)
	if !ok {
		return parsed, nil
	}
	if manifest.Hash != "" {
		// The embedded hash can only ever cover the payload that follows
		// the header, never the header itself: the header's own length
		// changes once the hash field's real value is written into it,
		// so a hash over "the whole blob" could never be reproduced by
		// whoever authored the header in the first place.
		payloadSum := sha256.Sum256(data[payloadOffset:])
		if manifest.Hash != hex.EncodeToString(payloadSum[:]) {
			return Parsed{}, fmt.Errorf("manifest hash %s does not match computed payload digest %s", manifest.Hash, hex.EncodeToString(payloadSum[:]))
		}
	}
	parsed.Manifest = manifest
	return parsed, nil
}

// parseManifest decodes the optional header and returns the byte offset
// into data where the raw firmware payload begins.
func parseManifest(data []byte) (upgrade.FirmwareManifest, int, bool) {
	if len(data) < 6 || !bytes.Equal(data[:4], magic[:]) {
		return upgrade.FirmwareManifest{}, 0, false
	}

	r := bytes.NewReader(data[4:])

	version, ok := readField(r)
	if !ok {
		return upgrade.FirmwareManifest{}, 0, false
	}
	bootloader, ok := readField(r)
	if !ok {
		return upgrade.FirmwareManifest{}, 0, false
	}
	hash, ok := readField(r)
	if !ok {
		return upgrade.FirmwareManifest{}, 0, false
	}

	payloadOffset := len(data) - r.Len()
	return upgrade.FirmwareManifest{
		Version:              version,
		MinBootloaderVersion: bootloader,
		Hash:                 hash,
	}, payloadOffset, true
}

func readField(r *bytes.Reader) (string, bool) {
	length, err := r.ReadByte()
	if err != nil {
		return "", false
	}
	if int(length) > maxFieldLen {
		return "", false
	}
	buf := make([]byte, length)
	if _, err := r.Read(buf); err != nil && length > 0 {
		return "", false
	}
	return string(buf), true
}

// BuildSlates parses a set of per-slot image blobs and builds the
// corresponding ImageSlate values, in slot order.
func BuildSlates(images map[int][]byte) ([]*upgrade.ImageSlate, error) {
	slates := make([]*upgrade.ImageSlate, 0, len(images))
	for idx, data := range images {
		p, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", idx, err)
		}
		slates = append(slates, upgrade.NewImageSlate(idx, data, p.Hash, p.Manifest))
	}
	upgrade.SortSlates(slates)
	return slates, nil
}
