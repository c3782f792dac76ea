package upgrade

import "go.uber.org/zap"

// newNopLogger gives every UpgradeStateMachine a non-nil logger even
// when the caller passes none, mirroring the zero-value-safe logging
// pattern used throughout this module's sibling packages.
func newNopLogger() *zap.Logger {
	return zap.NewNop()
}

func withPhase(l *zap.Logger, phase string) *zap.Logger {
	return l.With(zap.String("phase", phase))
}
