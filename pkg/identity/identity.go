// Package identity describes who a collaborator is for the lifetime of a
// session: user id, resolved display name and a stable color.
package identity

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
)

// PlaceholderName is shown when a profile lookup yields nothing.
const PlaceholderName = "Anonymous"

// Palette is the fixed set of collaborator colors.
var Palette = []string{
	"#e57373", "#64b5f6", "#81c784", "#ffb74d",
	"#ba68c8", "#4db6ac", "#f06292", "#a1887f",
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

// New builds an identity, deriving its color from the user id.
func New(userID, displayName string) Identity {
	if strings.TrimSpace(displayName) == "" {
		displayName = PlaceholderName
	}
	return Identity{
		UserID:      userID,
		DisplayName: displayName,
		Color:       ColorFor(userID),
	}
}

// ColorFor maps a user id onto the palette. The same id always gets the
// same color, regardless of join order.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return Palette[h.Sum32()%uint32(len(Palette))]
}

// NameLookup fetches display names for many users at once. Missing users
// are simply absent from the result.
type NameLookup interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// ResolveNames resolves every id in one lookup. Lookup failures and
// unknown users degrade to PlaceholderName; the result always has an entry
// per requested id.
func ResolveNames(ctx context.Context, lookup NameLookup, logger *slog.Logger, userIDs []string) map[string]string {
	out := make(map[string]string, len(userIDs))
	unique := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, seen := out[id]; seen {
			continue
		}
		out[id] = PlaceholderName
		unique = append(unique, id)
	}
	if len(unique) == 0 || lookup == nil {
		return out
	}

	names, err := lookup.DisplayNames(ctx, unique)
	if err != nil {
		if logger != nil {
			logger.Warn("Display name lookup failed, using placeholders", slog.Int("count", len(unique)), slog.Any("error", err))
		}
		return out
	}
	for id, name := range names {
		if _, wanted := out[id]; wanted && strings.TrimSpace(name) != "" {
			out[id] = name
		}
	}
	return out
}
