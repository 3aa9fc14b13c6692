package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Sender is the transport-side handle a connection entry writes through.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Entry is one live persistent connection. All writes to the underlying
// transport go through the entry's mutex, which is what gives each
// connection its single-writer ordering guarantee even when generation
// fragments and monitor alerts target it concurrently.
type Entry struct {
	Key    string
	UserID string
	Role   string

	mu   sync.Mutex
	send Sender
}

func (e *Entry) Send(ctx context.Context, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.send.Send(ctx, data)
}

func (e *Entry) SendJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.Send(ctx, data)
}

// Registry tracks live connections. Many entries per user id are permitted
// (multiple tabs/devices). Sends self-heal: an entry whose handle fails is
// removed instead of surfacing the error.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *log.Logger
}

func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[REG] ", log.LstdFlags)
	}
	return &Registry{entries: make(map[string]*Entry), logger: logger}
}

// Register adds a connection for an authenticated user and returns its entry.
func (r *Registry) Register(userID, role string, s Sender) *Entry {
	e := &Entry{
		Key:    fmt.Sprintf("%s-%d", userID, time.Now().UnixNano()),
		UserID: userID,
		Role:   role,
		send:   s,
	}
	r.mu.Lock()
	r.entries[e.Key] = e
	r.mu.Unlock()
	return e
}

func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// CountForUser reports the number of live connections for a user id.
func (r *Registry) CountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.UserID == userID {
			n++
		}
	}
	return n
}

// Len reports the total number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SendToUser delivers a message to every live connection for the user id.
// Users with zero connections are a silent no-op.
func (r *Registry) SendToUser(ctx context.Context, userID string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Printf("marshal message for %s: %v", userID, err)
		return
	}
	for _, e := range r.snapshot() {
		if e.UserID != userID {
			continue
		}
		r.deliver(ctx, e, data)
	}
}

// Broadcast delivers a message to every live connection.
func (r *Registry) Broadcast(ctx context.Context, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Printf("marshal broadcast: %v", err)
		return
	}
	for _, e := range r.snapshot() {
		r.deliver(ctx, e, data)
	}
}

func (r *Registry) deliver(ctx context.Context, e *Entry, data []byte) {
	if err := e.Send(ctx, data); err != nil {
		r.logger.Printf("send to %s failed, dropping connection: %v", e.Key, err)
		r.Unregister(e.Key)
	}
}

func (r *Registry) snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
