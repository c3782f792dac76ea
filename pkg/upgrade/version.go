package upgrade

import (
	"fmt"

	"github.com/hashicorp/go-version"
	"golang.org/x/mod/semver"
)

// FirmwareManifest is the optional header an image parser extracts from
// an image blob (addition to §3, supplementing the original spec's
// opaque byte-slice model with the version metadata real images carry).
// A zero-value manifest (empty Version) means "no manifest available";
// FUO then skips downgrade gating entirely for that slate.
type FirmwareManifest struct {
	Version             string
	MinBootloaderVersion string
	Hash                 string
}

// HasVersion reports whether the manifest carries a parsed version.
func (m FirmwareManifest) HasVersion() bool { return m.Version != "" }

// checkDowngrade compares a candidate slate's manifest version against
// the device's currently-running version for the same image slot. It
// returns a non-nil *Error (ErrDowngradeRejected) when the candidate is
// strictly older and cfg.AllowDowngrade is false.
//
// Version strings are parsed with hashicorp/go-version when possible
// (semver-ish tolerant parsing); if the candidate or running version
// fails that parse, it falls back to golang.org/x/mod/semver, which
// requires a leading "v". Two unparseable strings are treated as equal
// (no gating decision can be made), consistent with §4.2's guidance to
// fail closed only on a comparison that actually resolves.
func checkDowngrade(slate *ImageSlate, running string, cfg Configuration) error {
	if cfg.AllowDowngrade {
		return nil
	}
	if !slate.Source.HasVersion() || running == "" {
		return nil
	}
	cmp, ok := compareVersions(slate.Source.Version, running)
	if !ok {
		return nil
	}
	if cmp < 0 {
		return newError(ErrDowngradeRejected, fmt.Sprintf(
			"candidate version %s is older than running version %s", slate.Source.Version, running), nil)
	}
	return nil
}

// compareVersions returns (a<=>b, true) when both sides parse, else
// (0, false).
func compareVersions(a, b string) (int, bool) {
	av, aerr := version.NewVersion(a)
	bv, berr := version.NewVersion(b)
	if aerr == nil && berr == nil {
		return av.Compare(bv), true
	}

	asv, bsv := canonicalSemver(a), canonicalSemver(b)
	if semver.IsValid(asv) && semver.IsValid(bsv) {
		return semver.Compare(asv, bsv), true
	}
	return 0, false
}

func canonicalSemver(v string) string {
	if len(v) > 0 && v[0] != 'v' {
		return "v" + v
	}
	return v
}

// checkBootloaderCompatibility compares a manifest's minimum bootloader
// requirement against the device-reported bootloader version, when both
// are known. It never blocks when either side is unknown.
func checkBootloaderCompatibility(slate *ImageSlate, deviceBootloader string) error {
	if slate.Source.MinBootloaderVersion == "" || deviceBootloader == "" {
		return nil
	}
	cmp, ok := compareVersions(deviceBootloader, slate.Source.MinBootloaderVersion)
	if !ok {
		return nil
	}
	if cmp < 0 {
		return newError(ErrInvalidImage, fmt.Sprintf(
			"device bootloader %s is older than required %s", deviceBootloader, slate.Source.MinBootloaderVersion), nil)
	}
	return nil
}
