package upgrade

import "bytes"

// ImageSlate is the in-memory per-image progress record described in §3.
// Flags are monotonic: once set they are never cleared within one upgrade.
// Collaborators never get a mutable handle on the flags directly; the
// state machine and planner call the Mark* methods, which are no-ops once
// the flag is already set.
type ImageSlate struct {
	Index  int
	Data   []byte
	Hash   []byte // fixed-length digest from the image parser
	Source FirmwareManifest

	uploaded  bool
	tested    bool
	confirmed bool
}

// NewImageSlate builds a slate for one (index, data) pair. hash is the
// digest computed by the image parser; callers that also parsed a
// FirmwareManifest pass it through for version gating (§3 addition).
func NewImageSlate(index int, data []byte, hash []byte, manifest FirmwareManifest) *ImageSlate {
	return &ImageSlate{Index: index, Data: data, Hash: hash, Source: manifest}
}

func (s *ImageSlate) Uploaded() bool  { return s.uploaded }
func (s *ImageSlate) Tested() bool    { return s.tested }
func (s *ImageSlate) Confirmed() bool { return s.confirmed }

func (s *ImageSlate) markUploaded() { s.uploaded = true }

func (s *ImageSlate) markTested() {
	s.tested = true
	s.uploaded = true // tested ⇒ uploaded
}

func (s *ImageSlate) markConfirmed() {
	s.confirmed = true
	s.uploaded = true // confirmed ⇒ uploaded
}

// sameIdentity reports whether two slates share an (index, hash) pair,
// which the data model forbids for distinct slates in one upgrade.
func (s *ImageSlate) sameIdentity(other *ImageSlate) bool {
	return s.Index == other.Index && bytes.Equal(s.Hash, other.Hash)
}

// SortSlates orders slates first by Index ascending, then by Hash
// lexicographically, matching the order uploads proceed in (§3).
func SortSlates(slates []*ImageSlate) {
	// insertion sort: slate counts are small (single digits), and this
	// keeps the ordering stable and dependency-free.
	for i := 1; i < len(slates); i++ {
		j := i
		for j > 0 && slateLess(slates[j], slates[j-1]) {
			slates[j], slates[j-1] = slates[j-1], slates[j]
			j--
		}
	}
}

func slateLess(a, b *ImageSlate) bool {
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	return bytes.Compare(a.Hash, b.Hash) < 0
}

// pendingUpload returns the slates not yet uploaded, in upload order.
func pendingUpload(slates []*ImageSlate) []*ImageSlate {
	var out []*ImageSlate
	for _, s := range slates {
		if !s.uploaded {
			out = append(out, s)
		}
	}
	SortSlates(out)
	return out
}

// firstUntested / firstUnconfirmed locate the next slate the upload-finish
// logic (§4.3) should act on.
func firstUntested(slates []*ImageSlate) *ImageSlate {
	for _, s := range slates {
		if !s.tested {
			return s
		}
	}
	return nil
}

func firstUnconfirmed(slates []*ImageSlate) *ImageSlate {
	for _, s := range slates {
		if !s.confirmed {
			return s
		}
	}
	return nil
}

func allUploaded(slates []*ImageSlate) bool {
	for _, s := range slates {
		if !s.uploaded {
			return false
		}
	}
	return true
}
