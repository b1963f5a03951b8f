// Package store describes the row-oriented backing store the collaboration
// channels persist to, and the change feed they subscribe to.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrConflict     = errors.New("store: conflicting row")
	ErrInvalidField = errors.New("store: unknown project field")
)

// Field names a collaboratively edited text column of a project.
type Field string

const (
	FieldScriptContent    Field = "script_content"
	FieldSceneDescription Field = "scene_description"
)

func (f Field) Valid() bool {
	return f == FieldScriptContent || f == FieldSceneDescription
}

type Project struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	Title            string    `json:"title"`
	ScriptContent    string    `json:"script_content"`
	SceneDescription string    `json:"scene_description"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FieldValue returns the content of one collaborative field.
func (p Project) FieldValue(f Field) string {
	switch f {
	case FieldScriptContent:
		return p.ScriptContent
	case FieldSceneDescription:
		return p.SceneDescription
	}
	return ""
}

// ProjectChange is one row-level update notification. Origin is the token
// supplied by the writer, round-tripped untouched.
type ProjectChange struct {
	ResourceID string    `json:"resource_id"`
	Field      Field     `json:"field"`
	Content    string    `json:"content"`
	Origin     string    `json:"origin,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Grant struct {
	ResourceID string    `json:"resource_id"`
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type JoinStatus string

const (
	JoinRequested JoinStatus = "requested"
	JoinAccepted  JoinStatus = "accepted"
	JoinDeclined  JoinStatus = "declined"
)

type JoinRequest struct {
	ID          string     `json:"id"`
	ResourceID  string     `json:"resource_id"`
	RequesterID string     `json:"requester_id"`
	OwnerID     string     `json:"owner_id"`
	Status      JoinStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	UserID     string    `json:"user_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

type Projects interface {
	CreateProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (Project, error)
	// UpdateProjectField writes a single field and notifies every watcher,
	// the writer included.
	UpdateProjectField(ctx context.Context, id string, field Field, content, origin string) error
	// WatchProject streams changes for one project until ctx is cancelled,
	// then closes the channel.
	WatchProject(ctx context.Context, id string) (<-chan ProjectChange, error)
}

type Grants interface {
	GetGrant(ctx context.Context, resourceID, userID string) (Grant, error)
	UpsertGrant(ctx context.Context, g Grant) error
	DeleteGrant(ctx context.Context, resourceID, userID string) error
	ListGrants(ctx context.Context, resourceID string) ([]Grant, error)
}

type JoinRequests interface {
	// CreateJoinRequest fails with ErrConflict if the requester already has a
	// request in JoinRequested state for the resource.
	CreateJoinRequest(ctx context.Context, r JoinRequest) error
	GetJoinRequest(ctx context.Context, id string) (JoinRequest, error)
	// LatestJoinRequest returns the most recent request of a requester.
	LatestJoinRequest(ctx context.Context, resourceID, requesterID string) (JoinRequest, error)
	ListJoinRequests(ctx context.Context, resourceID string, status JoinStatus) ([]JoinRequest, error)
	// ResolveJoinRequest moves a request out of JoinRequested. It fails with
	// ErrConflict if the request was already resolved.
	ResolveJoinRequest(ctx context.Context, id string, status JoinStatus, at time.Time) error
}

type Messages interface {
	AppendMessage(ctx context.Context, m ChatMessage) error
	// RecentMessages returns at most limit messages, oldest first.
	RecentMessages(ctx context.Context, resourceID string, limit int) ([]ChatMessage, error)
}

type Profiles interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
	PutProfile(ctx context.Context, userID, displayName string) error
}

type Store interface {
	Projects
	Grants
	JoinRequests
	Messages
	Profiles
	Close() error
}
