// Package pgstore is the PostgreSQL store.Store. Field updates raise a
// NOTIFY in the same statement; one LISTEN connection per process feeds all
// project watchers.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/a-essam23/go-collab/pkg/pubsub/memory"
	"github.com/a-essam23/go-collab/pkg/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	feed         *memory.Broker
	listenOnce   sync.Once
	listenErr    error
	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and creates the schema if it is missing.
func Open(ctx context.Context, logger *slog.Logger, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{
		pool:   pool,
		logger: logger.With(slog.String("component", "store_postgres")),
		feed:   memory.New(logger),
	}, nil
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p store.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, owner_id, title, script_content, scene_description) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.OwnerID, p.Title, p.ScriptContent, p.SceneDescription)
	if isUniqueViolation(err) {
		return fmt.Errorf("project '%s': %w", p.ID, store.ErrConflict)
	}
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (store.Project, error) {
	var p store.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, script_content, scene_description, updated_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.OwnerID, &p.Title, &p.ScriptContent, &p.SceneDescription, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Project{}, fmt.Errorf("project '%s': %w", id, store.ErrNotFound)
	}
	return p, err
}

// changeNotice is the NOTIFY payload. Content is not included because
// NOTIFY payloads are capped at 8000 bytes; the listener re-reads the row.
type changeNotice struct {
	ResourceID string      `json:"resource_id"`
	Field      store.Field `json:"field"`
	Origin     string      `json:"origin"`
}

func (s *Store) UpdateProjectField(ctx context.Context, id string, field store.Field, content, origin string) error {
	if !field.Valid() {
		return fmt.Errorf("%w: %s", store.ErrInvalidField, field)
	}
	// field is validated against a fixed set, so it is safe as an identifier.
	query := fmt.Sprintf(`
WITH updated AS (
    UPDATE projects SET %s = $2, updated_at = now() WHERE id = $1 RETURNING id
)
SELECT pg_notify('%s', json_build_object('resource_id', id, 'field', $3::text, 'origin', $4::text)::text) FROM updated`,
		string(field), notifyChannel)

	rows, err := s.pool.Query(ctx, query, id, content, string(field), origin)
	if err != nil {
		return fmt.Errorf("failed to update project field: %w", err)
	}
	defer rows.Close()
	found := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to update project field: %w", err)
	}
	if !found {
		return fmt.Errorf("project '%s': %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) WatchProject(ctx context.Context, id string) (<-chan store.ProjectChange, error) {
	if err := s.startListener(); err != nil {
		return nil, err
	}
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

func (s *Store) startListener() error {
	s.listenOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			cancel()
			s.listenErr = fmt.Errorf("failed to acquire listen connection: %w", err)
			return
		}
		if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
			conn.Release()
			cancel()
			s.listenErr = fmt.Errorf("failed to LISTEN: %w", err)
			return
		}
		s.listenCancel = cancel
		s.listenDone = make(chan struct{})
		go s.listen(ctx, conn)
	})
	return s.listenErr
}

func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(s.listenDone)
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("Change listener stopped", slog.Any("error", err))
			}
			return
		}
		var notice changeNotice
		if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil {
			s.logger.Warn("Dropping undecodable notification", slog.Any("error", err))
			continue
		}
		p, err := s.GetProject(ctx, notice.ResourceID)
		if err != nil {
			s.logger.Warn("Failed to load changed project", slog.String("projectID", notice.ResourceID), slog.Any("error", err))
			continue
		}
		change := store.ProjectChange{
			ResourceID: notice.ResourceID,
			Field:      notice.Field,
			Content:    p.FieldValue(notice.Field),
			Origin:     notice.Origin,
			UpdatedAt:  p.UpdatedAt,
		}
		payload, _ := json.Marshal(change)
		_ = s.feed.Publish(ctx, pubsub.Topic("project", notice.ResourceID), pubsub.Event{Kind: pubsub.KindBroadcast, Payload: payload})
	}
}

// --- Grants ---

func (s *Store) GetGrant(ctx context.Context, resourceID, userID string) (store.Grant, error) {
	var g store.Grant
	err := s.pool.QueryRow(ctx,
		`SELECT resource_id, user_id, role, created_at, updated_at FROM collaborators WHERE resource_id = $1 AND user_id = $2`,
		resourceID, userID,
	).Scan(&g.ResourceID, &g.UserID, &g.Role, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Grant{}, store.ErrNotFound
	}
	return g, err
}

func (s *Store) UpsertGrant(ctx context.Context, g store.Grant) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO collaborators (resource_id, user_id, role) VALUES ($1, $2, $3)
ON CONFLICT (resource_id, user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = now()`,
		g.ResourceID, g.UserID, g.Role)
	return err
}

func (s *Store) DeleteGrant(ctx context.Context, resourceID, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM collaborators WHERE resource_id = $1 AND user_id = $2`, resourceID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListGrants(ctx context.Context, resourceID string) ([]store.Grant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT resource_id, user_id, role, created_at, updated_at FROM collaborators WHERE resource_id = $1 ORDER BY created_at`,
		resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Grant
	for rows.Next() {
		var g store.Grant
		if err := rows.Scan(&g.ResourceID, &g.UserID, &g.Role, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- Join requests ---

const joinColumns = `id, resource_id, requester_id, owner_id, status, created_at, resolved_at`

func scanJoinRequest(row pgx.Row) (store.JoinRequest, error) {
	var r store.JoinRequest
	var status string
	err := row.Scan(&r.ID, &r.ResourceID, &r.RequesterID, &r.OwnerID, &status, &r.CreatedAt, &r.ResolvedAt)
	r.Status = store.JoinStatus(status)
	return r, err
}

func (s *Store) CreateJoinRequest(ctx context.Context, r store.JoinRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO join_requests (id, resource_id, requester_id, owner_id, status) VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.ResourceID, r.RequesterID, r.OwnerID, string(r.Status))
	if isUniqueViolation(err) {
		return fmt.Errorf("pending join request exists: %w", store.ErrConflict)
	}
	return err
}

func (s *Store) GetJoinRequest(ctx context.Context, id string) (store.JoinRequest, error) {
	r, err := scanJoinRequest(s.pool.QueryRow(ctx, `SELECT `+joinColumns+` FROM join_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.JoinRequest{}, store.ErrNotFound
	}
	return r, err
}

func (s *Store) LatestJoinRequest(ctx context.Context, resourceID, requesterID string) (store.JoinRequest, error) {
	r, err := scanJoinRequest(s.pool.QueryRow(ctx,
		`SELECT `+joinColumns+` FROM join_requests WHERE resource_id = $1 AND requester_id = $2 ORDER BY created_at DESC LIMIT 1`,
		resourceID, requesterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.JoinRequest{}, store.ErrNotFound
	}
	return r, err
}

func (s *Store) ListJoinRequests(ctx context.Context, resourceID string, status store.JoinStatus) ([]store.JoinRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+joinColumns+` FROM join_requests WHERE resource_id = $1 AND ($2 = '' OR status = $2) ORDER BY created_at`,
		resourceID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.JoinRequest
	for rows.Next() {
		r, err := scanJoinRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ResolveJoinRequest(ctx context.Context, id string, status store.JoinStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE join_requests SET status = $2, resolved_at = $3 WHERE id = $1 AND status = 'requested'`,
		id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJoinRequest(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("join request '%s' already resolved: %w", id, store.ErrConflict)
	}
	return nil
}

// --- Chat ---

func (s *Store) AppendMessage(ctx context.Context, m store.ChatMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, resource_id, user_id, body, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ResourceID, m.UserID, m.Body, m.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("message '%s': %w", m.ID, store.ErrConflict)
	}
	return err
}

func (s *Store) RecentMessages(ctx context.Context, resourceID string, limit int) ([]store.ChatMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, resource_id, user_id, body, created_at FROM (
    SELECT id, resource_id, user_id, body, created_at FROM chat_messages
    WHERE resource_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
) recent ORDER BY created_at ASC, id ASC`, resourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ChatMessage
	for rows.Next() {
		var m store.ChatMessage
		if err := rows.Scan(&m.ID, &m.ResourceID, &m.UserID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Profiles ---

func (s *Store) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT user_id, display_name FROM profiles WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

func (s *Store) PutProfile(ctx context.Context, userID, displayName string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO profiles (user_id, display_name) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET display_name = EXCLUDED.display_name`, userID, displayName)
	return err
}

func (s *Store) Close() error {
	if s.listenCancel != nil {
		s.listenCancel()
		<-s.listenDone
	}
	_ = s.feed.Close()
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
