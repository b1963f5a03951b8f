// Package docsync keeps collaboratively edited project fields in step with
// the backing store.
//
// Local edits are debounced per field and written back as a single field
// update. The store's change feed reflects every write to every watcher,
// including the writer, so each field suppresses the echo of its own writes.
// Conflicts resolve last-write-wins; nothing is merged.
package docsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/debounce"
	"github.com/a-essam23/go-collab/pkg/store"
	"github.com/google/uuid"
)

// originMemory bounds how many recent origin tokens a field remembers.
const originMemory = 16

type FieldState int

const (
	Idle FieldState = iota
	LocalEditPending
	Written
)

func (s FieldState) String() string {
	switch s {
	case LocalEditPending:
		return "local_edit_pending"
	case Written:
		return "written"
	default:
		return "idle"
	}
}

// FieldStore is the slice of store.Store a Syncer needs.
type FieldStore interface {
	GetProject(ctx context.Context, id string) (store.Project, error)
	UpdateProjectField(ctx context.Context, id string, field store.Field, content, origin string) error
	WatchProject(ctx context.Context, id string) (<-chan store.ProjectChange, error)
}

// Change is a remote field value that was applied locally.
type Change struct {
	ResourceID string
	Field      store.Field
	Content    string
	At         time.Time
}

// WriteResult reports the outcome of one debounced write-back.
type WriteResult struct {
	Field   store.Field
	Content string
	Origin  string
	Err     error
}

type Config struct {
	// Debounce is the quiet period before a local edit is persisted.
	Debounce time.Duration
	// SuppressWindow discards token-less notifications arriving this soon
	// after the field's latest local write.
	SuppressWindow time.Duration
	// WriteTimeout bounds a single write-back. Zero means no timeout.
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:       500 * time.Millisecond,
		SuppressWindow: 400 * time.Millisecond,
	}
}

type Option func(*Syncer)

// WithClock replaces time.Now, used for the suppression window.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithWriteCallback is called after every write-back attempt.
func WithWriteCallback(fn func(WriteResult)) Option {
	return func(s *Syncer) { s.onWrite = fn }
}

type field struct {
	debouncer   *debounce.Debouncer
	state       FieldState
	value       string
	lastWriteAt time.Time
	origins     []string

	// writing is set while a write-back is in flight. dirty asks that
	// write-back to follow up with the latest value once it returns.
	writing bool
	dirty   bool
}

func (f *field) ownsOrigin(origin string) bool {
	for _, o := range f.origins {
		if o == origin {
			return true
		}
	}
	return false
}

func (f *field) rememberOrigin(origin string) {
	f.origins = append(f.origins, origin)
	if len(f.origins) > originMemory {
		f.origins = f.origins[len(f.origins)-originMemory:]
	}
}

type Syncer struct {
	resourceID string
	store      FieldStore
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	onChange func(Change)
	onWrite  func(WriteResult)

	mu       sync.Mutex
	fields   map[store.Field]*field
	inflight sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Sync loads the current field values of resourceID and starts applying
// remote changes. onFieldChange is called for every applied remote change,
// never for echoes of local writes.
func Sync(ctx context.Context, st FieldStore, resourceID string, cfg Config, logger *slog.Logger, onFieldChange func(Change), opts ...Option) (*Syncer, error) {
	project, err := st.GetProject(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project '%s': %w", resourceID, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	changes, err := st.WatchProject(loopCtx, resourceID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch project '%s': %w", resourceID, err)
	}

	s := &Syncer{
		resourceID: resourceID,
		store:      st,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "docsync"), slog.String("resourceID", resourceID)),
		now:        time.Now,
		onChange:   onFieldChange,
		fields:     make(map[store.Field]*field),
		ctx:        loopCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, f := range []store.Field{store.FieldScriptContent, store.FieldSceneDescription} {
		s.fields[f] = &field{debouncer: debounce.New(cfg.Debounce), value: project.FieldValue(f)}
	}

	go s.run(changes)
	return s, nil
}

func (s *Syncer) run(changes <-chan store.ProjectChange) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			s.HandleRemote(ch, s.now())
		}
	}
}

// Write records a local edit and (re)starts the field's debounce timer.
func (s *Syncer) Write(f store.Field, value string) error {
	s.mu.Lock()
	fs, ok := s.fields[f]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", store.ErrInvalidField, f)
	}
	fs.value = value
	fs.state = LocalEditPending
	// Scheduled under mu so a write-back finishing now sees the debouncer
	// pending and leaves the field in LocalEditPending.
	fs.debouncer.Trigger(func() { s.persist(f) })
	s.mu.Unlock()
	return nil
}

// persist writes the field's current value. Write-backs of one field never
// overlap: if one is already in flight it is asked to follow up with the
// latest value instead, so the store always ends on the newest edit.
func (s *Syncer) persist(f store.Field) {
	s.mu.Lock()
	fs := s.fields[f]
	if fs.writing {
		fs.dirty = true
		s.mu.Unlock()
		return
	}
	fs.writing = true
	s.inflight.Add(1)
	defer s.inflight.Done()

	for {
		origin := uuid.NewString()
		content := fs.value
		// Stamp before the write so an echo racing the acknowledgement is
		// still recognised.
		fs.lastWriteAt = s.now()
		fs.rememberOrigin(origin)
		s.mu.Unlock()

		err := s.write(f, content, origin)

		s.mu.Lock()
		again := fs.dirty
		fs.dirty = false
		// A newer local edit may have arrived while the write was in flight.
		if !again && fs.state == LocalEditPending && !fs.debouncer.Pending() {
			if err != nil {
				fs.state = Idle
			} else {
				fs.state = Written
			}
		}
		if !again {
			fs.writing = false
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("Field write-back failed", slog.String("field", string(f)), slog.Any("error", err))
		} else {
			s.logger.Debug("Field written", slog.String("field", string(f)), slog.Int("bytes", len(content)))
		}
		if s.onWrite != nil {
			s.onWrite(WriteResult{Field: f, Content: content, Origin: origin, Err: err})
		}
		if !again {
			return
		}
		s.mu.Lock()
	}
}

func (s *Syncer) write(f store.Field, content, origin string) error {
	ctx := s.ctx
	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}
	return s.store.UpdateProjectField(ctx, s.resourceID, f, content, origin)
}

// HandleRemote decides whether a change notification received at time at
// is applied. It reports whether the change was applied.
//
// Notifications carrying an origin token are discarded only if the token
// belongs to one of this syncer's writes. Notifications without a token are
// discarded if they arrive within SuppressWindow of the field's latest local
// write. Anything arriving while a local edit is pending is discarded, since
// that edit will be written after it.
func (s *Syncer) HandleRemote(ch store.ProjectChange, at time.Time) bool {
	if ch.ResourceID != "" && ch.ResourceID != s.resourceID {
		return false
	}
	s.mu.Lock()
	fs, ok := s.fields[ch.Field]
	if !ok {
		s.mu.Unlock()
		return false
	}

	switch {
	case fs.state == LocalEditPending:
		s.mu.Unlock()
		return false
	case ch.Origin != "":
		if fs.ownsOrigin(ch.Origin) {
			s.mu.Unlock()
			return false
		}
	case !fs.lastWriteAt.IsZero() && at.Sub(fs.lastWriteAt) < s.cfg.SuppressWindow:
		s.mu.Unlock()
		return false
	}

	fs.value = ch.Content
	fs.state = Idle
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(Change{ResourceID: s.resourceID, Field: ch.Field, Content: ch.Content, At: at})
	}
	return true
}

// Value returns the locally visible value of a field.
func (s *Syncer) Value(f store.Field) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fs, ok := s.fields[f]; ok {
		return fs.value
	}
	return ""
}

// State returns where a field is in Idle -> LocalEditPending -> Written -> Idle.
// A field leaves Written once its suppression window has elapsed.
func (s *Syncer) State(f store.Field) FieldState {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.fields[f]
	if !ok {
		return Idle
	}
	if fs.state == Written && s.now().Sub(fs.lastWriteAt) >= s.cfg.SuppressWindow {
		fs.state = Idle
	}
	return fs.state
}

// Flush persists every pending edit immediately.
func (s *Syncer) Flush() {
	s.mu.Lock()
	fields := make([]*field, 0, len(s.fields))
	for _, fs := range s.fields {
		fields = append(fields, fs)
	}
	s.mu.Unlock()
	for _, fs := range fields {
		fs.debouncer.Flush()
	}
}

// Close flushes pending edits and waits for write-backs in flight, then
// stops watching. Safe to call twice.
func (s *Syncer) Close() {
	s.closeOnce.Do(func() {
		s.Flush()
		s.mu.Lock()
		for _, fs := range s.fields {
			fs.debouncer.Stop()
		}
		s.mu.Unlock()
		s.inflight.Wait()
		s.cancel()
		<-s.done
	})
}
