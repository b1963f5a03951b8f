// Package pipeline detaches the steps run for a client event from the
// router that dispatches them. A pipeline is a list of steps: modifiers that
// guard the event, then the handler that performs it.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/a-essam23/go-collab/pkg/state"
)

type Cargo struct {
	Logger       *slog.Logger
	Ctx          context.Context
	User         *state.User
	Connection   *state.Connection
	StateManager state.Manager

	EventName string
	Payload   json.RawMessage
	// TargetID is the resource the event addresses, if any.
	TargetID string
	// Membership is set once a step has checked that the user joined
	// TargetID.
	Membership *state.Membership

	// Reply is returned to the caller in the event's acknowledgement.
	Reply any
}

// StepFunc receives the cargo and the step's resolved string parameters.
// A non-nil error halts the pipeline.
type StepFunc func(pctx *Cargo, params ...string) error

type Step struct {
	Name     string
	Function StepFunc
	// Params may hold templates such as "{.payload.field}" or "{$user.id}",
	// resolved against the cargo before the step runs.
	Params []string
}
