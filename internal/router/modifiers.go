package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/access"
	"github.com/a-essam23/go-collab/pkg/pipeline"
	"github.com/a-essam23/go-collab/pkg/state"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrNotJoined      = errors.New("resource not joined on this connection")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrUnknownEvent   = errors.New("unknown event")
)

func stepLog(pctx *pipeline.Cargo, params ...string) error {
	if len(params) != 1 {
		return errors.New("_log requires exactly 1 parameter: [message]")
	}
	pctx.Logger.Info(params[0], slog.String("component", "step_log"), slog.String("event", pctx.EventName))
	return nil
}

// stepMember requires that this connection joined the event's target.
func stepMember(pctx *pipeline.Cargo, params ...string) error {
	if pctx.TargetID == "" {
		return fmt.Errorf("%w: missing resource_id", ErrInvalidPayload)
	}
	ms, ok := pctx.StateManager.MembershipOf(pctx.Connection.ID, pctx.TargetID)
	if !ok {
		return ErrNotJoined
	}
	pctx.Membership = &ms
	return nil
}

// stepCanEdit rejects writes from members without the write permission, so
// they never reach storage. It must run after stepMember.
func stepCanEdit(pctx *pipeline.Cargo, params ...string) error {
	if pctx.Membership == nil {
		return ErrNotJoined
	}
	if !pctx.Membership.Permissions.Has(state.PermCanWrite) {
		return access.ErrInsufficientPermission
	}
	return nil
}

type rateLimitState struct {
	mu       sync.Mutex
	Requests int
}

func parseRate(rate string) (int, time.Duration, error) {
	parts := strings.Split(rate, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate_limit format: %s", rate)
	}
	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate_limit count: %s", parts[0])
	}
	switch strings.ToLower(parts[1]) {
	case "s":
		return limit, time.Second, nil
	case "m":
		return limit, time.Minute, nil
	case "h":
		return limit, time.Hour, nil
	}
	return 0, 0, fmt.Errorf("invalid rate_limit duration unit: %s", parts[1])
}

// newRateLimitStep allows N events per window per user, e.g. "20/m". The
// window opens with the first event and expires on a timer.
func newRateLimitStep(logger *slog.Logger) pipeline.StepFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 1 {
			return errors.New("'rate_limit' requires exactly one parameter (e.g., '10/m')")
		}
		limit, window, err := parseRate(params[0])
		if err != nil {
			return err
		}

		const modifierName = "rate_limit"
		userID := pctx.User.ID
		eventName := pctx.EventName
		sm := pctx.StateManager

		existing, found := sm.GetModifierState(modifierName, userID, eventName)
		if !found {
			st := &state.ModifierState{Value: &rateLimitState{Requests: 1}}
			st.Timer = time.AfterFunc(window, func() {
				logger.Debug("Rate limit window expired", slog.String("userID", userID), slog.String("event", eventName))
				sm.DeleteModifierState(modifierName, userID, eventName)
			})
			sm.SetModifierState(modifierName, userID, eventName, st)
			return nil
		}

		current := existing.Value.(*rateLimitState)
		current.mu.Lock()
		defer current.mu.Unlock()
		if current.Requests < limit {
			current.Requests++
			return nil
		}
		return fmt.Errorf("%w for event '%s'", ErrRateLimited, eventName)
	}
}
