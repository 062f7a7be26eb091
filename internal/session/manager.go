package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zette-dev/natron/internal/events"
)

// Admission/registry errors (spec §3, §4.3, §7).
var (
	ErrNameInvalid  = errors.New("session: invalid name")
	ErrNameReserved = errors.New("session: reserved name")
	ErrNameExists   = errors.New("session: name already exists")
	ErrNotFound     = errors.New("session: not found")
	ErrIsDefault    = errors.New("session: refusing to close the default session")
)

const maxNameLen = 64

// reservedNames are names that cannot be used for a Session, because the
// command grammar gives them special meaning (spec §4.3).
var reservedNames = map[string]bool{
	"default": true,
}

// ValidateName checks the name grammar from spec §4.3:
// name := [^\s@]{1,64}.
func ValidateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n == 0 || n > maxNameLen {
		return fmt.Errorf("%w: length must be 1..%d, got %d", ErrNameInvalid, maxNameLen, n)
	}
	if strings.ContainsRune(name, '@') || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: must not contain whitespace or '@'", ErrNameInvalid)
	}
	if reservedNames[name] {
		return fmt.Errorf("%w: %q is reserved", ErrNameReserved, name)
	}
	return nil
}

// ListEntry is one row of SessionManager.List().
type ListEntry struct {
	Name           string
	State          State
	Workdir        string
	LastActivityAt time.Time
	Age            time.Duration
}

// Allocator resolves a session name to a workdir, matching
// internal/workdir.Allocator's signature (kept as an interface here to
// avoid session depending on workdir's concrete type).
type Allocator interface {
	Allocate(name, override string) (string, error)
}

// Manager is the process-wide name→Session registry (spec §4.3).
type Manager struct {
	log       *zap.SugaredLogger
	alloc     Allocator
	factory   DriverFactory
	policy    Policy
	observer  events.Observer
	maxSess   int

	mu          sync.RWMutex
	sessions    map[string]*Session
	defaultName string
	startupName string
	reserving   map[string]bool
}

// NewManager constructs a SessionManager. defaultName is the
// configuration-supplied startup default, restored by SetDefault(none).
func NewManager(log *zap.SugaredLogger, alloc Allocator, factory DriverFactory, policy Policy, observer events.Observer, defaultName string, maxSessions int) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if observer == nil {
		observer = events.NoopObserver{}
	}
	return &Manager{
		log:         log,
		alloc:       alloc,
		factory:     factory,
		policy:      policy,
		observer:    observer,
		maxSess:     maxSessions,
		sessions:    make(map[string]*Session),
		defaultName: defaultName,
		startupName: defaultName,
		reserving:   make(map[string]bool),
	}
}

// CreateDefault materializes the configured default Session at startup.
// Must complete before MessageQueue starts dispatching (spec §4.3).
func (m *Manager) CreateDefault(ctx context.Context) error {
	_, err := m.Open(ctx, m.defaultName, "")
	if err != nil {
		return fmt.Errorf("create default session %q: %w", m.defaultName, err)
	}
	return nil
}

// Open creates a new Session, reserving the name atomically, spawning
// the driver outside the registry lock, then committing under the lock
// (or rolling back the reservation on spawn failure) — spec §4.3's
// concurrency contract.
func (m *Manager) Open(ctx context.Context, name, workdirOverride string) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	if err := m.reserve(name); err != nil {
		return nil, err
	}
	defer m.unreserve(name)

	workdir, err := m.alloc.Allocate(name, workdirOverride)
	if err != nil {
		return nil, fmt.Errorf("workdir for session %q: %w", name, err)
	}

	sess, err := Open(ctx, m.log, name, workdir, m.factory, m.policy,
		func(n string) { m.observer.OnSessionRespawned(events.SessionRespawned{Name: n}) },
		func(n, reason string) { m.observer.OnSessionDead(events.SessionDead{Name: n, Reason: reason}) },
	)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[name]; exists {
		sess.Close()
		return nil, fmt.Errorf("%w: %s", ErrNameExists, name)
	}
	if m.maxSess > 0 && len(m.sessions) >= m.maxSess {
		sess.Close()
		return nil, fmt.Errorf("session: at capacity (%d sessions)", m.maxSess)
	}
	m.sessions[name] = sess
	m.log.Infow("session created", "name", name, "workdir", workdir)
	return sess, nil
}

func (m *Manager) reserve(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[name]; exists {
		return fmt.Errorf("%w: %s", ErrNameExists, name)
	}
	if m.reserving[name] {
		return fmt.Errorf("%w: %s (creation in progress)", ErrNameExists, name)
	}
	m.reserving[name] = true
	return nil
}

func (m *Manager) unreserve(name string) {
	m.mu.Lock()
	delete(m.reserving, name)
	m.mu.Unlock()
}

// Close closes and removes a Session by name. Closing the default
// session is refused here; use CloseAdmin for the distinct administrative
// path (spec §4.3).
func (m *Manager) Close(name string) error {
	if name == m.currentDefault() {
		return ErrIsDefault
	}
	return m.closeInternal(name)
}

// CloseAdmin closes any Session, including the default, and is the only
// path that may remove it (caller is responsible for clearing history).
func (m *Manager) CloseAdmin(name string) error {
	return m.closeInternal(name)
}

func (m *Manager) closeInternal(name string) error {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	sess.Close()
	return nil
}

// List enumerates all known sessions.
func (m *Manager) List() []ListEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]ListEntry, 0, len(m.sessions))
	now := time.Now()
	for _, sess := range m.sessions {
		st := sess.Status()
		entries = append(entries, ListEntry{
			Name:           st.Name,
			State:          st.State,
			Workdir:        st.Workdir,
			LastActivityAt: st.LastActivityAt,
			Age:            now.Sub(st.CreatedAt),
		})
	}
	return entries
}

// Get returns a Session by exact name, without resolution fallback.
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[name]
	return sess, ok
}

// Resolve parses a leading "@name " token from text (spec §4.3's
// Resolve contract / P6). If name matches a known session, the prefix is
// stripped and (name, rest) is returned. Otherwise the current default
// and the unchanged text are returned.
func (m *Manager) Resolve(text string) (string, string) {
	def := m.currentDefault()

	if !strings.HasPrefix(text, "@") {
		return def, text
	}

	rest := text[1:]
	sp := strings.IndexAny(rest, " \t\n\r")
	var name, remainder string
	if sp < 0 {
		name = rest
		remainder = ""
	} else {
		name = rest[:sp]
		remainder = rest[sp+1:]
	}

	m.mu.RLock()
	_, known := m.sessions[name]
	m.mu.RUnlock()

	if !known {
		return def, text
	}
	return name, remainder
}

// SetDefault changes the default session name. Passing "" reverts to the
// configured startup default.
func (m *Manager) SetDefault(name string) error {
	if name == "" {
		m.mu.Lock()
		m.defaultName = m.startupName
		m.mu.Unlock()
		return nil
	}

	m.mu.RLock()
	_, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	m.mu.Lock()
	m.defaultName = name
	m.mu.Unlock()
	return nil
}

func (m *Manager) currentDefault() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

// DefaultName returns the current default session name, for callers
// outside this package that need to target it explicitly (e.g. the
// transport's "/close" and "/history" commands with no name argument).
func (m *Manager) DefaultName() string {
	return m.currentDefault()
}

// Shutdown closes every Session, for process teardown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
