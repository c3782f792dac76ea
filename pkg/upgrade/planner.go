package upgrade

import "bytes"

// DecisionKind enumerates the actions the planner can hand back to the
// state machine after inspecting a slot report (§4.2).
type DecisionKind int

const (
	DecisionUpload DecisionKind = iota
	DecisionTest
	DecisionReset
	DecisionConfirm
	// DecisionValidationConfirm is the "staged-foreign, confirmed"
	// outcome: confirm whatever is currently in slot 0 to drop the
	// secondary slot's confirmed status, then re-enter Validate.
	DecisionValidationConfirm
	DecisionSucceed
	DecisionFail
)

// Decision is the planner's sole output type. Slate and Hash are set
// only for the decision kinds that need them; DecisionValidationConfirm
// carries the primary slot's hash rather than a slate, since it targets
// whatever the device is currently running, not one of our images.
//
// Revalidate only applies to DecisionReset: §4.2 issues a reset from two
// different circumstances that look identical at the FSM-transition
// level but resume differently once the device reconnects (§4.5). A
// staged-match reset (secondary slot already holds the slate we want,
// either permanent or pending-not-permanent) is the device's own swap
// reboot — once it reconnects there is nothing left to validate, so the
// caller resumes as if the phase that triggered it had run to
// completion (verify, in TestAndConfirm, or success otherwise). A
// staged-foreign-pending reset ("reset the device to revalidate") exists
// only to give the device a chance to settle slot 1 before FUO looks at
// it again, so the caller must resume by re-entering Validate.
type Decision struct {
	Kind       DecisionKind
	Slate      *ImageSlate
	Hash       []byte
	Revalidate bool
	Err        *Error
}

func decide(kind DecisionKind) Decision { return Decision{Kind: kind} }
func decideOn(kind DecisionKind, s *ImageSlate) Decision {
	return Decision{Kind: kind, Slate: s, Hash: s.Hash}
}
func decideHash(kind DecisionKind, hash []byte) Decision {
	return Decision{Kind: kind, Hash: hash}
}

// decideReset produces a DecisionReset. revalidate distinguishes a
// staged-foreign-pending reset (resume back into Validate) from a
// staged-match reset (resume as a terminal reboot, per the Decision
// doc comment above).
func decideReset(revalidate bool) Decision {
	return Decision{Kind: DecisionReset, Revalidate: revalidate}
}

func fail(kind ErrorKind, msg string) Decision {
	return Decision{Kind: DecisionFail, Err: newError(kind, msg, nil)}
}

// ValidationPlanner is the pure function described in §4.2: given the
// device's current slot inventory, the slates under management, and the
// configured mode, it decides the single next action. It never performs
// I/O and never mutates its arguments; the monotonic flag updates a
// decision implies are applied by the caller.
type ValidationPlanner struct{}

// findSlot locates the report entry for (image, slot), or nil.
func findSlot(report []SlotReport, image, slot int) *SlotReport {
	for i := range report {
		if report[i].Image == image && report[i].Slot == slot {
			return &report[i]
		}
	}
	return nil
}

// Plan implements §4.2's algorithm: iterate slates in index order and
// return the first non-continue decision. If every slate reaches
// uploaded=true by the end of the scan, the outcome is Success;
// otherwise it is Upload (covering every not-yet-uploaded slate in one
// batch, per §4.3).
func (ValidationPlanner) Plan(report []SlotReport, slates []*ImageSlate, mode Mode) Decision {
	if len(report) == 0 {
		return fail(ErrInvalidResponse, "empty slot report")
	}

	for _, s := range slates {
		primary := findSlot(report, s.Index, 0)
		secondary := findSlot(report, s.Index, 1)

		if primary != nil && bytes.Equal(primary.Hash, s.Hash) {
			if primary.Confirmed || primary.Permanent {
				// already-done
				s.markUploaded()
				s.markConfirmed()
				continue
			}
			// running-but-unconfirmed
			s.markUploaded()
			switch mode {
			case ModeConfirmOnly, ModeTestAndConfirm:
				return decideOn(DecisionConfirm, s)
			case ModeTestOnly:
				continue
			}
		}

		if secondary != nil && bytes.Equal(secondary.Hash, s.Hash) {
			// staged-match: already uploaded.
			s.markUploaded()
			if !secondary.Pending {
				switch mode {
				case ModeTestOnly, ModeTestAndConfirm:
					return decideOn(DecisionTest, s)
				case ModeConfirmOnly:
					return decideOn(DecisionConfirm, s)
				}
			} else if secondary.Permanent {
				switch mode {
				case ModeConfirmOnly, ModeTestAndConfirm:
					// terminal: the device already swapped this image in
					// permanently, resume as if the triggering phase ran
					// to completion.
					return decideReset(false)
				case ModeTestOnly:
					return fail(ErrAlreadyConfirmedCannotTest, "image already confirmed, cannot test")
				}
			} else {
				// pending, not permanent
				switch mode {
				case ModeConfirmOnly:
					return decideOn(DecisionConfirm, s)
				case ModeTestOnly, ModeTestAndConfirm:
					// terminal: same staged-match reboot as above.
					return decideReset(false)
				}
			}
			continue
		}

		if secondary != nil {
			// staged-foreign: slot 1 holds a different hash.
			if secondary.Confirmed {
				if primary == nil {
					return fail(ErrInvalidResponse, "staged-foreign confirmed but no primary slot reported")
				}
				return decideHash(DecisionValidationConfirm, primary.Hash)
			}
			if secondary.Pending {
				// reset the device to revalidate: resume back into Validate.
				return decideReset(true)
			}
			// staged-foreign, neither confirmed nor pending: leave
			// room for our own upload to overwrite the slot.
			continue
		}

		// absent: not found in any slot, leave for upload.
	}

	if allUploaded(slates) {
		return decide(DecisionSucceed)
	}
	return decide(DecisionUpload)
}
