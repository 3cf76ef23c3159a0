package tags

import "context"

// WantedTag is the suffix that guards a command on the liquid supply.
const WantedTag = "wanted"

// WantedFlag is the process-wide flag raised when a liquid runs out.
const WantedFlag = "wanted"

// WantedHandler halts the command while the wanted flag is raised so an
// operator can refill and confirm.
type WantedHandler struct{}

// Evaluate implements Handler.
func (WantedHandler) Evaluate(_ context.Context, tc Context) Decision {
	if tc.Flags == nil || !tc.Flags.GetFlag(WantedFlag) {
		return ContinueDecision
	}
	return Decision{
		Action:    Halt,
		DialogKey: WantedTag,
		Message:   "liquid ran out, check liquids before " + tc.Base,
	}
}
