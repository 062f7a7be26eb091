// Package queue implements MessageQueue: the ordered admission queue that
// sits in front of the SessionManager. It accepts inbound jobs, holds them
// in a FIFO, and dispatches them to a bounded worker pool while preserving
// per-chatID start order across Sessions that may run concurrently (spec
// §4.4, invariant I7/P2/P3).
//
// Grounded on the teacher's internal/bot streaming/session-routing loop,
// generalized from "one session per chat" to a named-session FIFO, and
// enriched with the pack's golang.org/x/sync worker-pool idiom
// (errgroup/semaphore) in place of the teacher's single goroutine-per-chat
// model.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zette-dev/natron/internal/events"
	"github.com/zette-dev/natron/internal/session"
)

// Status is a QueueJob's lifecycle state (spec §4.1).
type Status int

const (
	StatusWaiting Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Admission/runtime errors (spec §7).
var (
	ErrShutdown        = errors.New("queue: shut down, not accepting new jobs")
	ErrOverCapacity    = errors.New("queue: over capacity")
	ErrNotFound        = errors.New("queue: job not found")
	ErrAlreadyRunning  = errors.New("queue: job is already running")
	ErrAlreadyTerminal = errors.New("queue: job already reached a terminal state")
)

// Payload is the inbound message body: either text or an image with an
// optional caption (spec §4.4's (chatID, text|image, sessionName?) job
// shape).
type Payload struct {
	Text      string
	ImagePath string
	Caption   string
}

// IsImage reports whether the payload carries an image rather than plain text.
func (p Payload) IsImage() bool { return p.ImagePath != "" }

// Job is one admitted unit of work (QueueJob, spec §3).
type Job struct {
	ID      uuid.UUID
	ChatID  int64
	Payload Payload

	// TargetSession is the explicit session name, if the caller already
	// resolved one (e.g. a slash command targeting a named session).
	// Left empty, the dispatcher resolves it from Payload.Text at
	// dispatch time via SessionManager.Resolve (spec §4.4).
	TargetSession string

	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	mu      sync.Mutex
	status  Status
	session string // session actually dispatched to, set at StartedAt
	reply   string
	err     error
}

// Snapshot is a point-in-time, lock-free copy of a Job's public fields.
type Snapshot struct {
	ID         uuid.UUID
	ChatID     int64
	Session    string
	Status     Status
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

func (j *Job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:         j.ID,
		ChatID:     j.ChatID,
		Session:    j.session,
		Status:     j.status,
		EnqueuedAt: j.EnqueuedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Err:        j.err,
	}
}

// Resolver is the subset of SessionManager the queue depends on, kept as
// an interface so queue doesn't need session's concrete type for tests.
type Resolver interface {
	Resolve(text string) (name string, rest string)
	Get(name string) (*session.Session, bool)
}

// HistoryAppender persists a finished turn. Implemented by
// internal/history.Store; kept as an interface here to avoid a dependency
// cycle and to let tests use a stub.
type HistoryAppender interface {
	Append(sessionName string, direction string, text string)
}

// Deliverer is the outbound half of the transport boundary (spec §5):
// "a callback the core calls with (chatID, replyPayload)". The queue
// invokes it once per finished job, successful or not, so the transport
// can decide how to render the outcome (inline text, file artifact, or
// error message) without the queue knowing anything about Telegram.
type Deliverer interface {
	Deliver(chatID int64, reply string, err error)
}

// Reply text/image direction constants, mirrored from internal/history to
// avoid importing it just for two string constants.
const (
	DirectionUser      = "user"
	DirectionAssistant = "assistant"
)

// Config bundles the MessageQueue's tunables (spec §4.4, §5's resource caps).
type Config struct {
	Workers        int           // W, default 5
	DepthLimit     int           // D, default 1024
	AskTimeout     time.Duration // deadline passed to Session.Ask
	RetainFinished time.Duration // how long terminal jobs stay in Snapshot()
}

func DefaultConfig() Config {
	return Config{
		Workers:        5,
		DepthLimit:     1024,
		AskTimeout:     5 * time.Minute,
		RetainFinished: 10 * time.Minute,
	}
}

// Queue is the ordered admission queue and dispatcher (MessageQueue, spec §4.4).
type Queue struct {
	log       *zap.SugaredLogger
	cfg       Config
	resolver  Resolver
	history   HistoryAppender
	observer  events.Observer
	deliverer Deliverer

	sem *semaphore.Weighted

	mu       sync.Mutex
	waiting  []*Job
	byID     map[uuid.UUID]*Job
	inFlight map[string]bool // session name -> occupied
	closed   bool
	eg       *errgroup.Group // tracks in-flight workers for Shutdown

	wake chan struct{}
	done chan struct{}
}

// New constructs a Queue and starts its dispatcher loop. deliverer may be
// nil in tests that only care about Snapshot/events.
func New(log *zap.SugaredLogger, cfg Config, resolver Resolver, history HistoryAppender, observer events.Observer, deliverer Deliverer) *Queue {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if observer == nil {
		observer = events.NoopObserver{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = 1024
	}

	q := &Queue{
		log:       log,
		cfg:       cfg,
		resolver:  resolver,
		history:   history,
		observer:  observer,
		deliverer: deliverer,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		byID:      make(map[uuid.UUID]*Job),
		inFlight:  make(map[string]bool),
		eg:        &errgroup.Group{},
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	go q.dispatchLoop()
	if cfg.RetainFinished > 0 {
		go q.reapLoop()
	}
	return q
}

// reapLoop periodically drops terminal jobs older than RetainFinished so
// Snapshot/byID don't grow without bound across a long-running process.
func (q *Queue) reapLoop() {
	ticker := time.NewTicker(q.cfg.RetainFinished / 2)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.reapOnce()
		}
	}
}

func (q *Queue) reapOnce() {
	cutoff := time.Now().Add(-q.cfg.RetainFinished)

	q.mu.Lock()
	defer q.mu.Unlock()
	for id, job := range q.byID {
		job.mu.Lock()
		terminal := job.status == StatusSucceeded || job.status == StatusFailed || job.status == StatusCancelled
		finishedAt := job.FinishedAt
		job.mu.Unlock()
		if terminal && finishedAt.Before(cutoff) {
			delete(q.byID, id)
		}
	}
}

// Enqueue admits a job to the FIFO and returns its 1-based position counted
// from the next job to dispatch (spec §4.4).
func (q *Queue) Enqueue(chatID int64, payload Payload, targetSession string) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrShutdown
	}
	// Depth counts running jobs (one per occupied session slot) as well as
	// waiting ones, so dispatching a job does not free room for another.
	depth := len(q.waiting) + len(q.inFlight)
	if depth >= q.cfg.DepthLimit {
		q.mu.Unlock()
		q.observer.OnQueueCapacityExceeded(events.QueueCapacityExceeded{
			ChatID:   chatID,
			Depth:    depth,
			Capacity: q.cfg.DepthLimit,
		})
		return 0, ErrOverCapacity
	}

	job := &Job{
		ID:            uuid.New(),
		ChatID:        chatID,
		Payload:       payload,
		TargetSession: targetSession,
		EnqueuedAt:    time.Now(),
		status:        StatusWaiting,
	}
	q.waiting = append(q.waiting, job)
	q.byID[job.ID] = job
	position := len(q.waiting)
	q.mu.Unlock()

	q.observer.OnJobQueued(events.JobQueued{JobID: job.ID.String(), ChatID: chatID, Position: position})
	q.poke()
	return position, nil
}

// Cancel removes a still-waiting job from the FIFO. Running jobs cannot be
// aborted mid-prompt (spec §4.4).
func (q *Queue) Cancel(id uuid.UUID) error {
	q.mu.Lock()
	job, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}

	job.mu.Lock()
	st := job.status
	job.mu.Unlock()

	switch st {
	case StatusWaiting:
		for i, w := range q.waiting {
			if w.ID == id {
				q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		job.mu.Lock()
		job.status = StatusCancelled
		job.FinishedAt = time.Now()
		job.mu.Unlock()
		return nil
	case StatusRunning:
		q.mu.Unlock()
		return ErrAlreadyRunning
	default:
		q.mu.Unlock()
		return ErrAlreadyTerminal
	}
}

// Snapshot returns a point-in-time view of every job the queue still
// remembers (waiting, running, and recently-finished within RetainFinished).
func (q *Queue) Snapshot() []Snapshot {
	q.mu.Lock()
	jobs := make([]*Job, 0, len(q.byID))
	for _, j := range q.byID {
		jobs = append(jobs, j)
	}
	q.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	return out
}

// Shutdown stops admitting new jobs and waits (bounded by ctx) for
// in-flight jobs to finish.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)

	waited := make(chan struct{})
	go func() {
		q.eg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		q.log.Warnw("shutdown deadline hit with jobs still running")
	}
}

// SetDeliverer binds the outbound transport after construction, for
// callers that must build the Queue before the transport exists (the
// transport often needs the Queue to enqueue jobs in the first place).
func (q *Queue) SetDeliverer(d Deliverer) {
	q.mu.Lock()
	q.deliverer = d
	q.mu.Unlock()
}

func (q *Queue) deliver(chatID int64, reply string, err error) {
	q.mu.Lock()
	d := q.deliverer
	q.mu.Unlock()
	if d != nil {
		d.Deliver(chatID, reply, err)
	}
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single dispatcher (spec §4.4's "fixed pool of W
// workers pulls from the head of the queue"). It wakes on every Enqueue
// and every worker completion, and each time walks the FIFO from the head
// applying the per-chatID skip rule.
func (q *Queue) dispatchLoop() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		q.dispatchOnce()
	}
}

func (q *Queue) dispatchOnce() {
	for {
		job, sessionName, text, ok := q.claimNext()
		if !ok {
			return
		}
		q.eg.Go(func() error {
			q.runJob(job, sessionName, text)
			return nil
		})
	}
}

// claimNext scans the FIFO from the head and returns the next dispatchable
// job, removing it from q.waiting and marking its target session occupied.
// A job whose target session's slot is occupied is skipped, and every
// later job sharing its chatID is blocked from jumping ahead of it — this
// is what keeps per-chatID start order intact while letting distinct
// sessions make progress in parallel (spec §4.4).
func (q *Queue) claimNext() (*Job, string, string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.sem.TryAcquire(1) {
		return nil, "", "", false
	}

	blockedChats := make(map[int64]bool)
	for i, job := range q.waiting {
		if blockedChats[job.ChatID] {
			continue
		}

		name := job.TargetSession
		text := job.Payload.Text
		if name == "" {
			name, text = q.resolver.Resolve(job.Payload.Text)
		}

		if q.inFlight[name] {
			blockedChats[job.ChatID] = true
			continue
		}

		q.waiting = append(q.waiting[:i:i], q.waiting[i+1:]...)
		q.inFlight[name] = true
		return job, name, text, true
	}

	q.sem.Release(1)
	return nil, "", "", false
}

func (q *Queue) runJob(job *Job, sessionName, text string) {
	defer q.sem.Release(1)
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, sessionName)
		q.mu.Unlock()
		q.poke()
	}()

	job.mu.Lock()
	job.session = sessionName
	job.status = StatusRunning
	job.StartedAt = time.Now()
	job.mu.Unlock()

	q.observer.OnJobStarted(events.JobStarted{JobID: job.ID.String(), ChatID: job.ChatID, Session: sessionName})

	sess, ok := q.resolver.Get(sessionName)
	if !ok {
		q.finish(job, "", fmt.Errorf("%w: session %q", ErrNotFound, sessionName))
		return
	}

	if q.history != nil {
		q.history.Append(sessionName, DirectionUser, text)
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if q.cfg.AskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.cfg.AskTimeout)
		defer cancel()
	}

	reply, err := sess.Ask(ctx, text)
	if err == nil && q.history != nil {
		q.history.Append(sessionName, DirectionAssistant, reply)
	}
	q.finish(job, reply, err)
}

func (q *Queue) finish(job *Job, reply string, err error) {
	job.mu.Lock()
	job.reply = reply
	job.err = err
	job.FinishedAt = time.Now()
	elapsed := job.FinishedAt.Sub(job.StartedAt)
	if err != nil {
		job.status = StatusFailed
	} else {
		job.status = StatusSucceeded
	}
	job.mu.Unlock()

	q.observer.OnJobFinished(events.JobFinished{
		JobID:    job.ID.String(),
		ChatID:   job.ChatID,
		Session:  job.session,
		OK:       err == nil,
		Elapsed:  elapsed,
		ReplyRef: job.ID.String(),
		Err:      err,
	})

	q.deliver(job.ChatID, reply, err)
}
