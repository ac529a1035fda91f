package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// StepRunner runs one engine step. *Engine implements it.
type StepRunner interface {
	RunStep(ctx context.Context, trigger Trigger) (*StepReport, error)
}

// DebounceOptions configures a Debouncer.
type DebounceOptions struct {
	Runner    StepRunner
	Subjects  SubjectStore
	Buffer    EventBuffer
	Scheduler Scheduler
	Presence  Presence
	Logger    *slog.Logger
	Clock     Clock

	// ComposingDelay is used while the subject is composing. Default 10s.
	ComposingDelay time.Duration

	// IdleDelay is used otherwise. Default 3s.
	IdleDelay time.Duration

	// PresenceTTL bounds how long a composing signal stays active without
	// being refreshed. Default 15s.
	PresenceTTL time.Duration

	// LockedRetryDelay re-arms a fired job whose step found the subject
	// locked or failed. Default 2s.
	LockedRetryDelay time.Duration
}

// Debouncer coalesces rapid inbound messages for a subject into a single
// delayed engine step.
type Debouncer struct {
	runner           StepRunner
	subjects         SubjectStore
	buffer           EventBuffer
	scheduler        Scheduler
	presence         Presence
	logger           *slog.Logger
	clock            Clock
	composingDelay   time.Duration
	idleDelay        time.Duration
	presenceTTL      time.Duration
	lockedRetryDelay time.Duration
}

type debounceJob struct {
	SubjectID    string `json:"subject_id"`
	DefinitionID string `json:"definition_id"`
}

func NewDebouncer(opts DebounceOptions) (*Debouncer, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("step runner is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Subjects == nil {
		opts.Subjects = NewMemorySubjectStore()
	}
	if opts.Buffer == nil {
		opts.Buffer = NewMemoryEventBuffer()
	}
	if opts.Presence == nil {
		opts.Presence = NewMemoryPresence(opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.ComposingDelay <= 0 {
		opts.ComposingDelay = 10 * time.Second
	}
	if opts.IdleDelay <= 0 {
		opts.IdleDelay = 3 * time.Second
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 15 * time.Second
	}
	if opts.LockedRetryDelay <= 0 {
		opts.LockedRetryDelay = 2 * time.Second
	}
	return &Debouncer{
		runner:           opts.Runner,
		subjects:         opts.Subjects,
		buffer:           opts.Buffer,
		scheduler:        opts.Scheduler,
		presence:         opts.Presence,
		logger:           opts.Logger,
		clock:            opts.Clock,
		composingDelay:   opts.ComposingDelay,
		idleDelay:        opts.IdleDelay,
		presenceTTL:      opts.PresenceTTL,
		lockedRetryDelay: opts.LockedRetryDelay,
	}, nil
}

// JobKey returns the scheduler key for a subject within a definition.
func JobKey(subjectID, definitionID string) string {
	return "debounce:" + subjectID + ":" + definitionID
}

// HandleInbound buffers a message and re-arms the subject's delayed step.
func (d *Debouncer) HandleInbound(ctx context.Context, msg InboundMessage) error {
	if msg.SubjectID == "" || msg.DefinitionID == "" {
		return fmt.Errorf("inbound message requires subject and definition ids")
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = d.clock.Now()
	}
	err := d.subjects.UpdateSubject(ctx, msg.SubjectID, SubjectUpdate{
		LastMessageBody: Ptr(msg.Body),
		LastMessageAt:   Ptr(msg.ReceivedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to record inbound message on subject: %w", err)
	}
	key := JobKey(msg.SubjectID, msg.DefinitionID)
	if err := d.buffer.Append(ctx, key, msg); err != nil {
		return fmt.Errorf("failed to buffer inbound message: %w", err)
	}
	// A message ends the composing burst it belonged to.
	if err := d.presence.ClearComposing(ctx, msg.SubjectID); err != nil {
		d.logger.Warn("failed to clear composing signal", "subject_id", msg.SubjectID, "error", err)
	}
	return d.arm(ctx, msg.SubjectID, msg.DefinitionID, d.idleDelay)
}

// HandleComposing records a composing signal. While events are pending the
// delayed step is pushed out to the composing delay.
func (d *Debouncer) HandleComposing(ctx context.Context, subjectID, definitionID string, active bool) error {
	if !active {
		if err := d.presence.ClearComposing(ctx, subjectID); err != nil {
			return fmt.Errorf("failed to clear composing signal: %w", err)
		}
		return d.rearmIfPending(ctx, subjectID, definitionID, d.idleDelay)
	}
	if err := d.presence.SetComposing(ctx, subjectID, d.presenceTTL); err != nil {
		return fmt.Errorf("failed to set composing signal: %w", err)
	}
	return d.rearmIfPending(ctx, subjectID, definitionID, d.composingDelay)
}

// Delay returns the debounce delay that applies to a subject right now.
func (d *Debouncer) Delay(ctx context.Context, subjectID string) time.Duration {
	composing, err := d.presence.IsComposing(ctx, subjectID)
	if err != nil {
		d.logger.Warn("failed to read composing signal", "subject_id", subjectID, "error", err)
		return d.idleDelay
	}
	if composing {
		return d.composingDelay
	}
	return d.idleDelay
}

func (d *Debouncer) rearmIfPending(ctx context.Context, subjectID, definitionID string, delay time.Duration) error {
	pending, err := d.buffer.Len(ctx, JobKey(subjectID, definitionID))
	if err != nil {
		return fmt.Errorf("failed to inspect event buffer: %w", err)
	}
	if pending == 0 {
		return nil
	}
	return d.arm(ctx, subjectID, definitionID, delay)
}

func (d *Debouncer) arm(ctx context.Context, subjectID, definitionID string, fallback time.Duration) error {
	delay := d.Delay(ctx, subjectID)
	if delay < fallback {
		delay = fallback
	}
	payload, err := json.Marshal(debounceJob{SubjectID: subjectID, DefinitionID: definitionID})
	if err != nil {
		return fmt.Errorf("failed to encode debounce job: %w", err)
	}
	if err := d.scheduler.Schedule(ctx, JobKey(subjectID, definitionID), delay, payload); err != nil {
		return fmt.Errorf("failed to schedule debounce job: %w", err)
	}
	d.logger.Debug("debounce armed", "subject_id", subjectID, "definition_id", definitionID, "delay", delay)
	return nil
}

// Fire is the scheduler handler. It drains the buffer and runs one step
// with the buffered bodies joined in arrival order.
func (d *Debouncer) Fire(ctx context.Context, key string, payload []byte) {
	var job debounceJob
	if err := json.Unmarshal(payload, &job); err != nil {
		d.logger.Error("invalid debounce job payload", "key", key, "error", err)
		return
	}
	logger := d.logger.With("subject_id", job.SubjectID, "definition_id", job.DefinitionID)

	msgs, err := d.buffer.Drain(ctx, key)
	if err != nil {
		logger.Error("failed to drain event buffer", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	trigger := Trigger{
		Type:         TriggerUserReply,
		SubjectID:    job.SubjectID,
		DefinitionID: job.DefinitionID,
		Body:         joinBodies(msgs),
		At:           msgs[len(msgs)-1].ReceivedAt,
	}
	for _, msg := range msgs {
		if msg.CorrelationKey != "" {
			trigger.CorrelationKey = msg.CorrelationKey
		}
	}

	report, err := d.runner.RunStep(ctx, trigger)
	if err != nil {
		// A malformed graph fails the same way on every attempt.
		if IsStructural(err) {
			logger.Error("debounced step failed, dropping events", "error", err, "events", len(msgs))
			return
		}
		logger.Warn("debounced step failed, requeueing events", "error", err, "events", len(msgs))
		d.requeue(ctx, logger, key, job, msgs)
		return
	}
	if report != nil && report.Outcome == OutcomeLocked {
		// Another step holds the subject.
		d.requeue(ctx, logger, key, job, msgs)
		return
	}
	if report != nil {
		logger.Debug("debounced step ran", "events", len(msgs), "outcome", report.Outcome)
	}
}

// requeue puts drained events back ahead of any that arrived meanwhile and
// re-arms the job after the retry delay.
func (d *Debouncer) requeue(ctx context.Context, logger *slog.Logger, key string, job debounceJob, msgs []InboundMessage) {
	newer, err := d.buffer.Drain(ctx, key)
	if err != nil {
		logger.Error("failed to drain event buffer", "error", err)
	}
	if err := d.buffer.Append(ctx, key, append(msgs, newer...)...); err != nil {
		logger.Error("failed to re-buffer events", "error", err)
		return
	}
	if err := d.arm(ctx, job.SubjectID, job.DefinitionID, d.lockedRetryDelay); err != nil {
		logger.Error("failed to re-arm debounce job", "error", err)
	}
}

func joinBodies(msgs []InboundMessage) string {
	bodies := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Body != "" {
			bodies = append(bodies, msg.Body)
		}
	}
	return strings.Join(bodies, "\n")
}
