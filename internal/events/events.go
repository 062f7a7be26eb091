// Package events defines the synchronous observer interface that
// replaces the broadcast-notification pattern called out in spec §9.
//
// Implementations must not block: a slow sink should copy what it needs
// and hand off to its own buffered channel or goroutine.
package events

import "time"

// SessionRespawned fires exactly once per successful respawn.
type SessionRespawned struct {
	Name string
}

// SessionDead fires whenever a Session is marked dead: a respawn is
// refused by the cooldown or fails, the retry after a respawn fails, a
// non-death protocol error leaves its driver unusable, or a
// NewConversation respawn fails.
type SessionDead struct {
	Name   string
	Reason string
}

// JobQueued fires when MessageQueue.Enqueue admits a job.
type JobQueued struct {
	JobID    string
	ChatID   int64
	Position int
}

// JobStarted fires when a worker begins dispatching a job.
type JobStarted struct {
	JobID   string
	ChatID  int64
	Session string
}

// JobFinished fires when a job reaches a terminal state.
type JobFinished struct {
	JobID    string
	ChatID   int64
	Session  string
	OK       bool
	Elapsed  time.Duration
	ReplyRef string
	Err      error
}

// QueueCapacityExceeded fires when Enqueue rejects a job for being over
// the soft depth limit.
type QueueCapacityExceeded struct {
	ChatID   int64
	Depth    int
	Capacity int
}

// Observer receives lifecycle events from the queue and session layers.
// All methods are called synchronously from the producing goroutine and
// must return quickly.
type Observer interface {
	OnJobQueued(JobQueued)
	OnJobStarted(JobStarted)
	OnJobFinished(JobFinished)
	OnSessionRespawned(SessionRespawned)
	OnSessionDead(SessionDead)
	OnQueueCapacityExceeded(QueueCapacityExceeded)
}

// NoopObserver implements Observer with empty methods. Embed it to
// satisfy the interface while overriding only the events you care about.
type NoopObserver struct{}

func (NoopObserver) OnJobQueued(JobQueued)                             {}
func (NoopObserver) OnJobStarted(JobStarted)                           {}
func (NoopObserver) OnJobFinished(JobFinished)                         {}
func (NoopObserver) OnSessionRespawned(SessionRespawned)               {}
func (NoopObserver) OnSessionDead(SessionDead)                         {}
func (NoopObserver) OnQueueCapacityExceeded(QueueCapacityExceeded)     {}

var _ Observer = NoopObserver{}
