package events

import "go.uber.org/zap"

// LoggingObserver logs every lifecycle event through a SugaredLogger —
// the default sink wired at startup (spec §6's "events exposed to
// collaborators").
type LoggingObserver struct {
	log *zap.SugaredLogger
}

// NewLoggingObserver constructs a LoggingObserver.
func NewLoggingObserver(log *zap.SugaredLogger) *LoggingObserver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LoggingObserver{log: log}
}

func (o *LoggingObserver) OnJobQueued(e JobQueued) {
	o.log.Infow("job queued", "job_id", e.JobID, "chat_id", e.ChatID, "position", e.Position)
}

func (o *LoggingObserver) OnJobStarted(e JobStarted) {
	o.log.Infow("job started", "job_id", e.JobID, "chat_id", e.ChatID, "session", e.Session)
}

func (o *LoggingObserver) OnJobFinished(e JobFinished) {
	o.log.Infow("job finished", "job_id", e.JobID, "chat_id", e.ChatID, "session", e.Session,
		"ok", e.OK, "elapsed", e.Elapsed, "error", e.Err)
}

func (o *LoggingObserver) OnSessionRespawned(e SessionRespawned) {
	o.log.Warnw("session respawned", "name", e.Name)
}

func (o *LoggingObserver) OnSessionDead(e SessionDead) {
	o.log.Errorw("session dead", "name", e.Name, "reason", e.Reason)
}

func (o *LoggingObserver) OnQueueCapacityExceeded(e QueueCapacityExceeded) {
	o.log.Warnw("queue over capacity", "chat_id", e.ChatID, "depth", e.Depth, "capacity", e.Capacity)
}

var _ Observer = (*LoggingObserver)(nil)

// FanoutObserver forwards every event to a fixed set of Observers, so
// Core can wire more than one sink (logging, metrics, future collaborator
// notifications) without any producer knowing about the fan-out.
type FanoutObserver struct {
	observers []Observer
}

// NewFanoutObserver constructs a FanoutObserver over the given sinks.
func NewFanoutObserver(observers ...Observer) *FanoutObserver {
	return &FanoutObserver{observers: observers}
}

func (f *FanoutObserver) OnJobQueued(e JobQueued) {
	for _, o := range f.observers {
		o.OnJobQueued(e)
	}
}

func (f *FanoutObserver) OnJobStarted(e JobStarted) {
	for _, o := range f.observers {
		o.OnJobStarted(e)
	}
}

func (f *FanoutObserver) OnJobFinished(e JobFinished) {
	for _, o := range f.observers {
		o.OnJobFinished(e)
	}
}

func (f *FanoutObserver) OnSessionRespawned(e SessionRespawned) {
	for _, o := range f.observers {
		o.OnSessionRespawned(e)
	}
}

func (f *FanoutObserver) OnSessionDead(e SessionDead) {
	for _, o := range f.observers {
		o.OnSessionDead(e)
	}
}

func (f *FanoutObserver) OnQueueCapacityExceeded(e QueueCapacityExceeded) {
	for _, o := range f.observers {
		o.OnQueueCapacityExceeded(e)
	}
}

var _ Observer = (*FanoutObserver)(nil)
