// Package session implements Session (a named, pinned-workdir
// conversation wrapping one process.Driver at a time) and SessionManager
// (the process-wide name→Session registry). Grounded on the teacher's
// internal/session package, generalized from chat-ID keys to session
// names per spec §4.2–§4.3.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/zette-dev/natron/internal/process"
)

// State is the Session's lifecycle state (spec §3).
type State int

const (
	StateIdle State = iota
	StateBusy
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Sentinel errors for the Session layer (spec §7).
var (
	ErrHardFail  = errors.New("session: hard failure, session is dead")
	ErrCancelled = errors.New("session: request cancelled")
	ErrTimeout   = errors.New("session: deadline exceeded, session respawned")
)

// DriverFactory spawns a fresh process.Driver rooted at workdir. Session
// calls this on creation and again on every respawn.
type DriverFactory func(ctx context.Context, workdir string) (process.Driver, error)

// Policy bundles the timing knobs that govern a Session's respawn
// cooldown. GracefulClose and ForceCloseTimeout are carried here but
// Session does not read them: it closes drivers through Driver.Close,
// whose grace and force windows are the driver's own (5 s and 2 s for
// process.ProcessDriver).
type Policy struct {
	RespawnWindow     time.Duration // window within which repeated deaths disable auto-respawn
	RespawnThreshold  int           // deaths within RespawnWindow that trip the cooldown
	GracefulClose     time.Duration
	ForceCloseTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		RespawnWindow:     60 * time.Second,
		RespawnThreshold:  2,
		GracefulClose:     5 * time.Second,
		ForceCloseTimeout: 2 * time.Second,
	}
}

// Session is a named, long-lived conversation bound to a workdir and
// backed by one process.Driver at a time (spec §3, §4.2).
type Session struct {
	log *zap.SugaredLogger

	Name    string
	Workdir string

	factory DriverFactory
	policy  Policy

	requestMu sync.Mutex // serializes Ask/NewConversation/Close (I2, I3)

	mu             sync.Mutex
	driver         process.Driver
	state          State
	createdAt      time.Time
	lastActivityAt time.Time
	deaths         []time.Time // recent death timestamps, for the cooldown window
	cooldown       bool

	onRespawn func(name string)
	onDead    func(name, reason string)
}

// StatusInfo is a lock-free snapshot of a Session's state (spec §4.2).
type StatusInfo struct {
	Name           string
	Workdir        string
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Open creates a Session with a freshly spawned driver rooted at workdir.
func Open(ctx context.Context, log *zap.SugaredLogger, name, workdir string, factory DriverFactory, policy Policy, onRespawn func(string), onDead func(string, string)) (*Session, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	driver, err := factory(ctx, workdir)
	if err != nil {
		return nil, fmt.Errorf("spawn failed for session %q: %w", name, err)
	}

	now := time.Now()
	return &Session{
		log:            log,
		Name:           name,
		Workdir:        workdir,
		factory:        factory,
		policy:         policy,
		driver:         driver,
		state:          StateIdle,
		createdAt:      now,
		lastActivityAt: now,
		onRespawn:      onRespawn,
		onDead:         onDead,
	}, nil
}

// Ask serializes on requestMu (I2/I3), invokes the driver, and on death
// attempts exactly one respawn + one retry before giving up with
// ErrHardFail (spec §4.2).
func (s *Session) Ask(ctx context.Context, prompt string) (string, error) {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	s.mu.Lock()
	driver := s.driver
	dead := s.state == StateDead
	s.mu.Unlock()
	if dead {
		return "", ErrHardFail
	}

	s.setState(StateBusy)
	defer func() {
		s.mu.Lock()
		if s.state == StateBusy {
			s.state = StateIdle
		}
		s.mu.Unlock()
	}()

	reply, err := driver.Ask(ctx, prompt)
	s.touch()
	if err == nil {
		return reply, nil
	}

	if errors.Is(err, process.ErrCancelled) {
		// The deadline was hit, not a crash. The wire protocol has no
		// cancel frame, so the only way to stop the in-flight turn is to
		// close the driver out from under it; respawn fresh for the next
		// request rather than leaving the Session parked on a driver whose
		// last turn is undefined (spec §4.2/§9).
		s.forceCloseCurrent()
		s.recordDeath()
		if s.respawn(context.Background()) {
			if s.onRespawn != nil {
				s.onRespawn(s.Name)
			}
		} else {
			s.markDead("respawn after timeout failed")
		}
		return reply, ErrTimeout
	}

	if !errors.Is(err, process.ErrDead) && !errors.Is(err, process.ErrClosed) {
		// Protocol violation or other non-death error — not a respawn
		// case, and the driver's internal framing state is no longer
		// trustworthy, so the session is marked dead rather than reused.
		s.log.Warnw("ask failed with non-death error", "session", s.Name, "error", err)
		s.markDead("non-death protocol error")
		return reply, fmt.Errorf("%w: %v", ErrHardFail, err)
	}

	s.recordDeath()
	if !s.respawn(ctx) {
		s.markDead("respawn failed or cooling down")
		return reply, ErrHardFail
	}

	if s.onRespawn != nil {
		s.onRespawn(s.Name)
	}

	s.mu.Lock()
	driver = s.driver
	s.mu.Unlock()

	retryReply, retryErr := driver.Ask(ctx, prompt)
	s.touch()
	if retryErr != nil {
		s.markDead("retry after respawn failed")
		return retryReply, ErrHardFail
	}

	return retryReply, nil
}

// NewConversation resets the Session's context by closing and respawning
// the driver in the same workdir (spec §4.2 and §9's open question — the
// protocol in scope has no documented in-band reset frame).
func (s *Session) NewConversation(ctx context.Context) error {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	s.mu.Lock()
	driver := s.driver
	s.mu.Unlock()
	if driver != nil {
		driver.Close()
	}

	newDriver, err := s.factory(ctx, s.Workdir)
	if err != nil {
		s.markDead("new-conversation respawn failed")
		return fmt.Errorf("new conversation: %w", err)
	}

	s.mu.Lock()
	s.driver = newDriver
	s.state = StateIdle
	s.mu.Unlock()
	return nil
}

// Close transitions the Session to dead and releases its driver.
// Idempotent.
func (s *Session) Close() {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	s.mu.Lock()
	driver := s.driver
	already := s.state == StateDead
	s.state = StateDead
	s.mu.Unlock()

	if already || driver == nil {
		return
	}
	driver.Close()
}

// Status returns a lock-free snapshot (values may lag by one transition).
func (s *Session) Status() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusInfo{
		Name:           s.Name,
		Workdir:        s.Workdir,
		State:          s.state,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
	}
}

// StderrTail returns crash diagnostics from the current driver, if it
// supports them, for attaching to HardFail replies (spec §7).
func (s *Session) StderrTail() string {
	s.mu.Lock()
	driver := s.driver
	s.mu.Unlock()

	type stderrTailer interface{ StderrTail() string }
	if t, ok := driver.(stderrTailer); ok {
		return t.StderrTail()
	}
	return ""
}

// forceCloseCurrent closes the current driver and detaches it from the
// Session without changing the Session's state, used when a deadline
// fires mid-turn and the driver must be discarded regardless of what it
// was doing. Detaching it keeps a following respawn from closing it again.
func (s *Session) forceCloseCurrent() {
	s.mu.Lock()
	d := s.driver
	s.driver = nil
	s.mu.Unlock()
	if d != nil {
		d.Close()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) markDead(reason string) {
	s.mu.Lock()
	s.state = StateDead
	s.mu.Unlock()
	if s.onDead != nil {
		s.onDead(s.Name, reason)
	}
}

// recordDeath appends a death timestamp and evaluates whether the
// respawn cooldown should trip: ≥ RespawnThreshold deaths within
// RespawnWindow disables auto-respawn until Close+Open (spec §4.2).
func (s *Session) recordDeath() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.policy.RespawnWindow)
	kept := s.deaths[:0]
	for _, d := range s.deaths {
		if d.After(cutoff) {
			kept = append(kept, d)
		}
	}
	kept = append(kept, now)
	s.deaths = kept

	if len(s.deaths) >= s.policy.RespawnThreshold {
		s.cooldown = true
	}
}

// respawn attempts a single respawn with the same workdir/config, unless
// the cooldown policy has tripped. Returns true on success.
func (s *Session) respawn(ctx context.Context) bool {
	s.mu.Lock()
	cooling := s.cooldown
	s.mu.Unlock()
	if cooling {
		return false
	}

	// backoff.NewExponentialBackOff is used only to compute a small jitter
	// delay before the single respawn attempt, matching the pack's
	// cenkalti/backoff idiom; this is not a retry loop (spec allows
	// exactly one respawn attempt).
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	delay := b.NextBackOff()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false
	}

	newDriver, err := s.factory(ctx, s.Workdir)
	if err != nil {
		s.log.Warnw("respawn failed", "session", s.Name, "error", err)
		return false
	}

	s.mu.Lock()
	old := s.driver
	s.driver = newDriver
	s.state = StateIdle
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return true
}
