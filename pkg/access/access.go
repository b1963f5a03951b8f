// Package access resolves and mutates who may do what on a resource.
//
// Resolution order: the resource's creator is the owner; otherwise a stored
// grant decides; otherwise the user has no access. Mutations are checked
// here, before anything reaches the store.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-collab/pkg/identity"
	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/a-essam23/go-collab/pkg/store"
	"github.com/google/uuid"
)

var (
	ErrInsufficientPermission = errors.New("insufficient permission")
	ErrInvalidRole            = errors.New("invalid role")
	ErrDuplicateRequest       = errors.New("a join request is already pending")
	ErrAlreadyMember          = errors.New("user already has access")
	ErrRequestResolved        = errors.New("join request already resolved")
	ErrNotFound               = errors.New("not found")
)

// Store is the slice of store.Store access control needs.
type Store interface {
	GetProject(ctx context.Context, id string) (store.Project, error)
	store.Grants
	store.JoinRequests
	identity.NameLookup
}

type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewService(st Store, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.With(slog.String("component", "access")),
		now:    time.Now,
	}
}

func (s *Service) owner(ctx context.Context, resourceID string) (string, error) {
	p, err := s.store.GetProject(ctx, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("resource '%s': %w", resourceID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return p.OwnerID, nil
}

// ResolveRole returns the effective role of userID on resourceID. It reads
// through to the store on every call; callers re-resolve whenever a grant may
// have changed.
func (s *Service) ResolveRole(ctx context.Context, resourceID, userID string) (Access, error) {
	ownerID, err := s.owner(ctx, resourceID)
	if err != nil {
		return Access{Role: RoleNone}, err
	}
	if userID != "" && userID == ownerID {
		return accessFor(RoleOwner), nil
	}

	g, err := s.store.GetGrant(ctx, resourceID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return accessFor(RoleNone), nil
	}
	if err != nil {
		return Access{Role: RoleNone}, fmt.Errorf("failed to read grant: %w", err)
	}
	switch r := Role(g.Role); r {
	case RoleEditor, RoleViewer:
		return accessFor(r), nil
	default:
		s.logger.Warn("Ignoring grant with unknown role", slog.String("resourceID", resourceID), slog.String("userID", userID), slog.String("role", g.Role))
		return accessFor(RoleNone), nil
	}
}

// Authorize resolves the caller's role and fails with
// ErrInsufficientPermission unless it carries every bit of need.
func (s *Service) Authorize(ctx context.Context, resourceID, userID string, need state.Permission) (Access, error) {
	a, err := s.ResolveRole(ctx, resourceID, userID)
	if err != nil {
		return a, err
	}
	if !a.Role.Permissions().Has(need) {
		return a, ErrInsufficientPermission
	}
	return a, nil
}

func (s *Service) requireOwner(ctx context.Context, resourceID, callerID string) (string, error) {
	ownerID, err := s.owner(ctx, resourceID)
	if err != nil {
		return "", err
	}
	if callerID == "" || callerID != ownerID {
		return "", ErrInsufficientPermission
	}
	return ownerID, nil
}

// GrantRole creates or changes userID's grant. Only the owner may call it.
func (s *Service) GrantRole(ctx context.Context, callerID, resourceID, userID string, role Role) error {
	ownerID, err := s.requireOwner(ctx, resourceID, callerID)
	if err != nil {
		return err
	}
	if role != RoleEditor && role != RoleViewer {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if userID == "" || userID == ownerID {
		return fmt.Errorf("%w: cannot grant a role to the owner", ErrInvalidRole)
	}
	if err := s.store.UpsertGrant(ctx, store.Grant{ResourceID: resourceID, UserID: userID, Role: string(role)}); err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	s.logger.Info("Role granted", slog.String("resourceID", resourceID), slog.String("userID", userID), slog.String("role", string(role)))
	return nil
}

// RevokeGrant removes userID's grant. Only the owner may call it.
func (s *Service) RevokeGrant(ctx context.Context, callerID, resourceID, userID string) error {
	if _, err := s.requireOwner(ctx, resourceID, callerID); err != nil {
		return err
	}
	err := s.store.DeleteGrant(ctx, resourceID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("grant for '%s': %w", userID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	s.logger.Info("Grant revoked", slog.String("resourceID", resourceID), slog.String("userID", userID))
	return nil
}

// RequestJoin files a join request. Users who already have access, and
// users with a request still pending, are rejected. A previously declined
// requester may ask again.
func (s *Service) RequestJoin(ctx context.Context, resourceID, requesterID string) (store.JoinRequest, error) {
	a, err := s.ResolveRole(ctx, resourceID, requesterID)
	if err != nil {
		return store.JoinRequest{}, err
	}
	if a.Role != RoleNone {
		return store.JoinRequest{}, ErrAlreadyMember
	}

	latest, err := s.store.LatestJoinRequest(ctx, resourceID, requesterID)
	switch {
	case err == nil && latest.Status == store.JoinRequested:
		return store.JoinRequest{}, ErrDuplicateRequest
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return store.JoinRequest{}, fmt.Errorf("failed to read join requests: %w", err)
	}

	ownerID, err := s.owner(ctx, resourceID)
	if err != nil {
		return store.JoinRequest{}, err
	}
	req := store.JoinRequest{
		ID:          uuid.NewString(),
		ResourceID:  resourceID,
		RequesterID: requesterID,
		OwnerID:     ownerID,
		Status:      store.JoinRequested,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateJoinRequest(ctx, req); err != nil {
		// Lost a race with a concurrent request from the same user.
		if errors.Is(err, store.ErrConflict) {
			return store.JoinRequest{}, ErrDuplicateRequest
		}
		return store.JoinRequest{}, fmt.Errorf("failed to store join request: %w", err)
	}
	s.logger.Info("Join requested", slog.String("resourceID", resourceID), slog.String("requesterID", requesterID))
	return req, nil
}

// ResolveJoinRequest accepts or declines a pending request. Accepting also
// grants role (editor when empty). Only the owner may call it.
func (s *Service) ResolveJoinRequest(ctx context.Context, callerID, requestID string, accept bool, role Role) (store.JoinRequest, error) {
	req, err := s.store.GetJoinRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return store.JoinRequest{}, fmt.Errorf("join request '%s': %w", requestID, ErrNotFound)
	}
	if err != nil {
		return store.JoinRequest{}, err
	}
	if _, err := s.requireOwner(ctx, req.ResourceID, callerID); err != nil {
		return store.JoinRequest{}, err
	}
	if req.Status != store.JoinRequested {
		return store.JoinRequest{}, ErrRequestResolved
	}

	status := store.JoinDeclined
	if accept {
		status = store.JoinAccepted
		if role == "" || role == RoleNone {
			role = RoleEditor
		}
		if role != RoleEditor && role != RoleViewer {
			return store.JoinRequest{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
		}
	}

	at := s.now()
	if err := s.store.ResolveJoinRequest(ctx, requestID, status, at); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.JoinRequest{}, ErrRequestResolved
		}
		return store.JoinRequest{}, fmt.Errorf("failed to resolve join request: %w", err)
	}
	if accept {
		if err := s.store.UpsertGrant(ctx, store.Grant{ResourceID: req.ResourceID, UserID: req.RequesterID, Role: string(role)}); err != nil {
			return store.JoinRequest{}, fmt.Errorf("join request accepted but grant failed: %w", err)
		}
	}
	req.Status = status
	req.ResolvedAt = &at
	s.logger.Info("Join request resolved", slog.String("requestID", requestID), slog.String("status", string(status)))
	return req, nil
}

// Collaborator is one row of a resource's member list.
type Collaborator struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// ListCollaborators returns the owner followed by every grant holder. The
// caller must have at least read access. Names are resolved in one batch.
func (s *Service) ListCollaborators(ctx context.Context, callerID, resourceID string) ([]Collaborator, error) {
	if _, err := s.Authorize(ctx, resourceID, callerID, state.PermCanRead); err != nil {
		return nil, err
	}
	ownerID, err := s.owner(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	grants, err := s.store.ListGrants(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}

	out := make([]Collaborator, 0, len(grants)+1)
	out = append(out, Collaborator{UserID: ownerID, Role: RoleOwner})
	for _, g := range grants {
		out = append(out, Collaborator{UserID: g.UserID, Role: Role(g.Role)})
	}
	ids := make([]string, len(out))
	for i, c := range out {
		ids[i] = c.UserID
	}
	names := identity.ResolveNames(ctx, s.store, s.logger, ids)
	for i := range out {
		out[i].DisplayName = names[out[i].UserID]
	}
	return out, nil
}

// PendingRequest is a join request with the requester's name resolved.
type PendingRequest struct {
	store.JoinRequest
	RequesterName string `json:"requester_name"`
}

// PendingRequests lists requests awaiting the owner's decision. Owner only.
func (s *Service) PendingRequests(ctx context.Context, callerID, resourceID string) ([]PendingRequest, error) {
	if _, err := s.requireOwner(ctx, resourceID, callerID); err != nil {
		return nil, err
	}
	reqs, err := s.store.ListJoinRequests(ctx, resourceID, store.JoinRequested)
	if err != nil {
		return nil, fmt.Errorf("failed to list join requests: %w", err)
	}
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.RequesterID
	}
	names := identity.ResolveNames(ctx, s.store, s.logger, ids)
	out := make([]PendingRequest, len(reqs))
	for i, r := range reqs {
		out[i] = PendingRequest{JoinRequest: r, RequesterName: names[r.RequesterID]}
	}
	return out, nil
}
