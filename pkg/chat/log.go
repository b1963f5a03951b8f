package chat

import (
	"sort"
	"sync"
)

// Log is an ordered message list that holds each id once. History pages and
// live deliveries can be merged into it in any order.
//
// A Log with a capacity keeps only the newest messages. Once full, anything
// older than its oldest message is reported as already seen.
type Log struct {
	mu       sync.Mutex
	capacity int
	ids      map[string]struct{}
	msgs     []Message
}

// NewLog returns a Log holding at most capacity messages. A capacity of zero
// or less keeps everything.
func NewLog(capacity int) *Log {
	return &Log{capacity: capacity, ids: make(map[string]struct{})}
}

// Add inserts m in (CreatedAt, ID) order and reports whether it was new.
func (l *Log) Add(m Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.ids[m.ID]; dup {
		return false
	}
	full := l.capacity > 0 && len(l.msgs) >= l.capacity
	if full && less(m, l.msgs[0]) {
		return false
	}
	l.ids[m.ID] = struct{}{}
	i := sort.Search(len(l.msgs), func(i int) bool { return less(m, l.msgs[i]) })
	l.msgs = append(l.msgs, Message{})
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	if full {
		delete(l.ids, l.msgs[0].ID)
		l.msgs[0] = Message{}
		l.msgs = l.msgs[1:]
	}
	return true
}

func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.msgs...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Unread counts messages from others that arrive while the chat is closed.
type Unread struct {
	mu    sync.Mutex
	self  string
	open  bool
	count int
}

func NewUnread(selfID string) *Unread {
	return &Unread{self: selfID}
}

// Observe records a delivered message and returns the new count.
func (u *Unread) Observe(m Message) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.open && m.UserID != u.self {
		u.count++
	}
	return u.count
}

// Open marks the chat as being read and resets the count.
func (u *Unread) Open() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.open = true
	u.count = 0
}

func (u *Unread) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.open = false
}

func (u *Unread) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count
}
