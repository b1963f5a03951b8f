// Package memstore is an in-memory store.Store. Its change feed runs on an
// in-process broker, so every watcher of a project, the writer included,
// receives each update in write order.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/a-essam23/go-collab/pkg/pubsub/memory"
	"github.com/a-essam23/go-collab/pkg/store"
)

const changeEvent = "project_change"

type grantKey struct{ resourceID, userID string }

type Store struct {
	projects map[string]store.Project
	grants   map[grantKey]store.Grant
	requests map[string]store.JoinRequest
	messages map[string][]store.ChatMessage
	profiles map[string]string

	projectMu sync.RWMutex
	grantMu   sync.RWMutex
	requestMu sync.RWMutex
	messageMu sync.RWMutex
	profileMu sync.RWMutex

	feed   *memory.Broker
	now    func() time.Time
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

func New(logger *slog.Logger) *Store {
	return &Store{
		projects: make(map[string]store.Project),
		grants:   make(map[grantKey]store.Grant),
		requests: make(map[string]store.JoinRequest),
		messages: make(map[string][]store.ChatMessage),
		profiles: make(map[string]string),
		feed:     memory.New(logger),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "store_memory")),
	}
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p store.Project) error {
	s.projectMu.Lock()
	defer s.projectMu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return fmt.Errorf("project '%s': %w", p.ID, store.ErrConflict)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.projects[p.ID] = p
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (store.Project, error) {
	s.projectMu.RLock()
	defer s.projectMu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return store.Project{}, fmt.Errorf("project '%s': %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) UpdateProjectField(ctx context.Context, id string, field store.Field, content, origin string) error {
	if !field.Valid() {
		return fmt.Errorf("%w: %s", store.ErrInvalidField, field)
	}
	s.projectMu.Lock()
	p, ok := s.projects[id]
	if !ok {
		s.projectMu.Unlock()
		return fmt.Errorf("project '%s': %w", id, store.ErrNotFound)
	}
	switch field {
	case store.FieldScriptContent:
		p.ScriptContent = content
	case store.FieldSceneDescription:
		p.SceneDescription = content
	}
	p.UpdatedAt = s.now()
	s.projects[id] = p

	change := store.ProjectChange{
		ResourceID: id,
		Field:      field,
		Content:    content,
		Origin:     origin,
		UpdatedAt:  p.UpdatedAt,
	}
	payload, err := json.Marshal(change)
	if err != nil {
		s.projectMu.Unlock()
		return fmt.Errorf("failed to encode change: %w", err)
	}
	// Publish under the lock so notification order matches write order.
	err = s.feed.Publish(ctx, pubsub.Topic("project", id), pubsub.Event{Kind: pubsub.KindBroadcast, Name: changeEvent, Payload: payload})
	s.projectMu.Unlock()
	if err != nil {
		s.logger.Warn("Change notification failed", slog.String("projectID", id), slog.Any("error", err))
	}
	return nil
}

func (s *Store) WatchProject(ctx context.Context, id string) (<-chan store.ProjectChange, error) {
	sub, err := s.feed.Subscribe(ctx, pubsub.Topic("project", id))
	if err != nil {
		return nil, err
	}
	out := make(chan store.ProjectChange)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				var change store.ProjectChange
				if err := json.Unmarshal(ev.Payload, &change); err != nil {
					s.logger.Warn("Dropping undecodable change", slog.Any("error", err))
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// --- Grants ---

func (s *Store) GetGrant(ctx context.Context, resourceID, userID string) (store.Grant, error) {
	s.grantMu.RLock()
	defer s.grantMu.RUnlock()
	g, ok := s.grants[grantKey{resourceID, userID}]
	if !ok {
		return store.Grant{}, store.ErrNotFound
	}
	return g, nil
}

func (s *Store) UpsertGrant(ctx context.Context, g store.Grant) error {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()
	key := grantKey{g.ResourceID, g.UserID}
	now := s.now()
	if existing, ok := s.grants[key]; ok {
		g.CreatedAt = existing.CreatedAt
	} else if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	s.grants[key] = g
	return nil
}

func (s *Store) DeleteGrant(ctx context.Context, resourceID, userID string) error {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()
	key := grantKey{resourceID, userID}
	if _, ok := s.grants[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.grants, key)
	return nil
}

func (s *Store) ListGrants(ctx context.Context, resourceID string) ([]store.Grant, error) {
	s.grantMu.RLock()
	defer s.grantMu.RUnlock()
	var out []store.Grant
	for key, g := range s.grants {
		if key.resourceID == resourceID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Join requests ---

func (s *Store) CreateJoinRequest(ctx context.Context, r store.JoinRequest) error {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()
	for _, existing := range s.requests {
		if existing.ResourceID == r.ResourceID && existing.RequesterID == r.RequesterID && existing.Status == store.JoinRequested {
			return fmt.Errorf("pending join request exists: %w", store.ErrConflict)
		}
	}
	if _, exists := s.requests[r.ID]; exists {
		return fmt.Errorf("join request '%s': %w", r.ID, store.ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.requests[r.ID] = r
	return nil
}

func (s *Store) GetJoinRequest(ctx context.Context, id string) (store.JoinRequest, error) {
	s.requestMu.RLock()
	defer s.requestMu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return store.JoinRequest{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) LatestJoinRequest(ctx context.Context, resourceID, requesterID string) (store.JoinRequest, error) {
	s.requestMu.RLock()
	defer s.requestMu.RUnlock()
	var latest store.JoinRequest
	found := false
	for _, r := range s.requests {
		if r.ResourceID != resourceID || r.RequesterID != requesterID {
			continue
		}
		if !found || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
			found = true
		}
	}
	if !found {
		return store.JoinRequest{}, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) ListJoinRequests(ctx context.Context, resourceID string, status store.JoinStatus) ([]store.JoinRequest, error) {
	s.requestMu.RLock()
	defer s.requestMu.RUnlock()
	var out []store.JoinRequest
	for _, r := range s.requests {
		if r.ResourceID == resourceID && (status == "" || r.Status == status) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ResolveJoinRequest(ctx context.Context, id string, status store.JoinStatus, at time.Time) error {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != store.JoinRequested {
		return fmt.Errorf("join request '%s' already %s: %w", id, r.Status, store.ErrConflict)
	}
	r.Status = status
	r.ResolvedAt = &at
	s.requests[id] = r
	return nil
}

// --- Chat ---

func (s *Store) AppendMessage(ctx context.Context, m store.ChatMessage) error {
	s.messageMu.Lock()
	defer s.messageMu.Unlock()
	log := s.messages[m.ResourceID]
	// Keep the log sorted by creation time; appends are almost always in order.
	i := len(log)
	for i > 0 && log[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	log = append(log, store.ChatMessage{})
	copy(log[i+1:], log[i:])
	log[i] = m
	s.messages[m.ResourceID] = log
	return nil
}

func (s *Store) RecentMessages(ctx context.Context, resourceID string, limit int) ([]store.ChatMessage, error) {
	s.messageMu.RLock()
	defer s.messageMu.RUnlock()
	log := s.messages[resourceID]
	start := 0
	if limit > 0 && len(log) > limit {
		start = len(log) - limit
	}
	out := make([]store.ChatMessage, len(log)-start)
	copy(out, log[start:])
	return out, nil
}

// --- Profiles ---

func (s *Store) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	s.profileMu.RLock()
	defer s.profileMu.RUnlock()
	out := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if name, ok := s.profiles[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

func (s *Store) PutProfile(ctx context.Context, userID, displayName string) error {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()
	s.profiles[userID] = displayName
	return nil
}

func (s *Store) Close() error {
	return s.feed.Close()
}
