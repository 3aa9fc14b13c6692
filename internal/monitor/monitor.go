package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/saintsal/gateway/internal/auth"
	"github.com/saintsal/gateway/internal/registry"
	"github.com/saintsal/gateway/internal/store"
)

// Alert kinds pushed to clients and written to the audit log.
const (
	KindLogin            = "login"
	KindLogout           = "logout"
	KindSessionExpiring  = "session-expiring"
	KindSessionInvalid   = "session-invalid"
	KindSessionRefreshed = "session-refreshed"
	KindSecurityAlert    = "security-alert"
	KindUnauthorized     = "unauthorized-access"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// AlertEvent is one auth lifecycle event for a user.
type AlertEvent struct {
	Kind      string                 `json:"kind"`
	Severity  string                 `json:"severity"`
	UserID    string                 `json:"userId"`
	Message   string                 `json:"message"`
	IP        string                 `json:"ip,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type watch struct {
	token  string
	ip     string
	cancel context.CancelFunc
}

// alertFrame is the wire shape pushed to live connections: the event fields
// sit at the top level next to the frame type discriminator.
type alertFrame struct {
	Type string `json:"type"`
	AlertEvent
}

// Monitor watches one token per active user and raises alerts when the
// session approaches or passes expiry. Each alert is pushed to the user's
// live connections, persisted to the audit log, and fanned out to any
// in-process subscribers.
type Monitor struct {
	secret   []byte
	interval time.Duration
	expiry   time.Duration

	registry *registry.Registry
	store    *store.Store
	logger   *log.Logger

	mu      sync.Mutex
	watches map[string]*watch
	subs    map[string][]chan AlertEvent
}

func New(secret []byte, interval, expiry time.Duration, reg *registry.Registry, st *store.Store, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[MON] ", log.LstdFlags)
	}
	return &Monitor{
		secret:   secret,
		interval: interval,
		expiry:   expiry,
		registry: reg,
		store:    st,
		logger:   logger,
		watches:  make(map[string]*watch),
		subs:     make(map[string][]chan AlertEvent),
	}
}

// Start begins watching a user's token. A second Start for the same user
// replaces the previous watch atomically, so only the newest token is
// ever checked.
func (m *Monitor) Start(userID, token, ip string) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{token: token, ip: ip, cancel: cancel}

	m.mu.Lock()
	if prev, ok := m.watches[userID]; ok {
		prev.cancel()
	}
	m.watches[userID] = w
	m.mu.Unlock()

	go m.run(ctx, userID, w)
}

// Stop tears down the watch for a user. Stopping an unwatched user is a
// no-op.
func (m *Monitor) Stop(userID string) {
	m.mu.Lock()
	w, ok := m.watches[userID]
	if ok {
		delete(m.watches, userID)
	}
	m.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// stopWatch ends one specific watch. The map entry is removed only if it
// still holds that watch, so a stale check that outlived a restart cannot
// tear down its replacement.
func (m *Monitor) stopWatch(userID string, w *watch) {
	m.mu.Lock()
	if cur, ok := m.watches[userID]; ok && cur == w {
		delete(m.watches, userID)
	}
	m.mu.Unlock()
	w.cancel()
}

// Watching reports whether a user currently has an active watch.
func (m *Monitor) Watching(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[userID]
	return ok
}

func (m *Monitor) run(ctx context.Context, userID string, w *watch) {
	if ctx.Err() != nil {
		return // replaced before the first check
	}
	if !m.check(ctx, userID, w) {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.check(ctx, userID, w) {
				return
			}
		}
	}
}

// check validates the watched token once. It returns false when the watch
// should end. A watch cancelled mid-check stays silent: its alerts belong
// to a session that has already been replaced or stopped.
func (m *Monitor) check(ctx context.Context, userID string, w *watch) bool {
	id, err := auth.Verify(w.token, m.secret)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		m.TriggerAlert(AlertEvent{
			Kind:     KindSessionInvalid,
			Severity: SeverityWarning,
			UserID:   userID,
			Message:  "session token is no longer valid",
			IP:       w.ip,
		})
		m.stopWatch(userID, w)
		return false
	}
	if remaining := id.Remaining(time.Now()); remaining <= m.expiry {
		m.TriggerAlert(AlertEvent{
			Kind:     KindSessionExpiring,
			Severity: SeverityWarning,
			UserID:   userID,
			Message:  "session expires soon",
			IP:       w.ip,
			Metadata: map[string]interface{}{"expiresIn": int64(remaining.Seconds())},
		})
	}
	return true
}

// TriggerAlert pushes an event to the user's live connections, records it
// in the audit log, and notifies subscribers. Persistence is detached.
func (m *Monitor) TriggerAlert(ev AlertEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	m.logger.Printf("%s alert for user %s: %s", ev.Kind, ev.UserID, ev.Message)

	if m.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.registry.SendToUser(ctx, ev.UserID, alertFrame{Type: "auth_alert", AlertEvent: ev})
		cancel()
	}

	if m.store != nil {
		go m.record(ev)
	}

	m.mu.Lock()
	subs := append([]chan AlertEvent(nil), m.subs[ev.UserID]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Monitor) record(ev AlertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := m.store.InsertAuthEvent(ctx, store.AuthEventRecord{
		UserID:   ev.UserID,
		Kind:     ev.Kind,
		Severity: ev.Severity,
		Message:  ev.Message,
		IP:       ev.IP,
		Metadata: ev.Metadata,
	})
	if err != nil {
		m.logger.Printf("record %s event for user %s: %v", ev.Kind, ev.UserID, err)
	}
}

// Subscribe registers an in-process listener for a user's alerts. Events
// are delivered best-effort: a full channel is skipped, never blocked on.
func (m *Monitor) Subscribe(userID string) chan AlertEvent {
	ch := make(chan AlertEvent, 8)
	m.mu.Lock()
	m.subs[userID] = append(m.subs[userID], ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) Unsubscribe(userID string, ch chan AlertEvent) {
	m.mu.Lock()
	subs := m.subs[userID]
	for i, c := range subs {
		if c == ch {
			m.subs[userID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subs[userID]) == 0 {
		delete(m.subs, userID)
	}
	m.mu.Unlock()
}

// LogLogin records a successful login and starts watching the new token.
func (m *Monitor) LogLogin(userID, token, ip string) {
	m.TriggerAlert(AlertEvent{
		Kind:     KindLogin,
		Severity: SeverityInfo,
		UserID:   userID,
		Message:  "user logged in",
		IP:       ip,
	})
	m.Start(userID, token, ip)
}

// LogLogout records a logout and ends the user's watch.
func (m *Monitor) LogLogout(userID, ip string) {
	m.Stop(userID)
	m.TriggerAlert(AlertEvent{
		Kind:     KindLogout,
		Severity: SeverityInfo,
		UserID:   userID,
		Message:  "user logged out",
		IP:       ip,
	})
}

// RefreshSession swaps the watched token for a freshly issued one.
func (m *Monitor) RefreshSession(userID, token, ip string) {
	m.Start(userID, token, ip)
	m.TriggerAlert(AlertEvent{
		Kind:     KindSessionRefreshed,
		Severity: SeverityInfo,
		UserID:   userID,
		Message:  "session token refreshed",
		IP:       ip,
	})
}
