package engine

import (
	"context"

	"github.com/songzhibin97/sequence-engine/types"
)

// CommandExecutor sends commands to devices. Execute should return ctx.Err()
// once ctx is done; the engine stops waiting at that point either way.
type CommandExecutor interface {
	// Execute dispatches one command and waits for its reply.
	Execute(ctx context.Context, cmd types.Command) (types.Response, error)

	// Validate reports whether text is a command line the transport accepts.
	Validate(text string) bool
}

// Connectivity reports whether the device link is up.
type Connectivity interface {
	IsConnected() bool
}

// DeviceInfo exposes device state and zone capabilities.
type DeviceInfo interface {
	DeviceState(device string) (string, bool)
	AcceptsZoneMask(device string) bool
}
