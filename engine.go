package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/deepnoodle-ai/campaign/retry"
)

// TriggerType names the external cause of a step.
type TriggerType string

const (
	TriggerNewEntry     TriggerType = "new_entry"
	TriggerUserReply    TriggerType = "user_reply"
	TriggerTimerExpired TriggerType = "timer_expired"
)

// Trigger asks the engine to advance one subject within one definition.
type Trigger struct {
	Type           TriggerType
	SubjectID      string
	DefinitionID   string
	Body           string
	CorrelationKey string

	// At is when the triggering event happened. Zero means now.
	At time.Time
}

// Outcome summarizes how a step ended.
type Outcome string

const (
	OutcomeLocked          Outcome = "locked"
	OutcomeNoop            Outcome = "noop"
	OutcomeSuspended       Outcome = "suspended"
	OutcomeCompleted       Outcome = "completed"
	OutcomePaused          Outcome = "paused"
	OutcomeFailed          Outcome = "failed"
	OutcomeAborted         Outcome = "aborted"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
)

// StepReport describes what a RunStep call did.
type StepReport struct {
	Outcome    Outcome
	Checkpoint *Checkpoint

	// Steps is the number of node executions performed.
	Steps int

	// Err holds an executor failure that was recorded on the checkpoint, or
	// why a transfer chain was cut short. It is not returned as an error
	// because the step itself succeeded.
	Err error

	// TransferredTo is the definition the subject was transferred to.
	TransferredTo string
}

// EngineOptions configures a new Engine.
type EngineOptions struct {
	Definitions DefinitionStore
	Subjects    SubjectStore
	Checkpoints CheckpointStore
	Locker      Locker
	Executors   *Registry
	Notifier    Notifier
	StepLogger  StepLogger
	Logger      *slog.Logger
	Clock       Clock

	// MaxSteps bounds node executions per RunStep call. Default 5.
	MaxSteps int

	// LockTTL bounds how long one step may hold a subject. Default 30s.
	LockTTL time.Duration

	// LockPrefix is prepended to subject ids to form lock keys.
	LockPrefix string

	// Retry configures retries of transient checkpoint store failures.
	Retry []retry.Option
}

// Engine advances subjects through campaign graphs.
type Engine struct {
	definitions DefinitionStore
	subjects    SubjectStore
	checkpoints CheckpointStore
	locker      Locker
	executors   *Registry
	notifier    Notifier
	stepLogger  StepLogger
	logger      *slog.Logger
	clock       Clock
	maxSteps    int
	lockTTL     time.Duration
	lockPrefix  string
	retry       []retry.Option
}

// NewEngine creates an engine. Definitions, Subjects, Checkpoints and
// Executors are required.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Definitions == nil {
		return nil, fmt.Errorf("definition store is required")
	}
	if opts.Subjects == nil {
		return nil, fmt.Errorf("subject store is required")
	}
	if opts.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if opts.Executors == nil {
		return nil, fmt.Errorf("executor registry is required")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Locker == nil {
		opts.Locker = NewMemoryLocker(opts.Clock)
	}
	if opts.Notifier == nil {
		opts.Notifier = NullNotifier{}
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NullStepLogger{}
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 5
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.LockPrefix == "" {
		opts.LockPrefix = "campaign:lock:"
	}
	if opts.Retry == nil {
		opts.Retry = []retry.Option{retry.WithMaxRetries(2), retry.WithBaseWait(50 * time.Millisecond)}
	}
	return &Engine{
		definitions: opts.Definitions,
		subjects:    opts.Subjects,
		checkpoints: opts.Checkpoints,
		locker:      opts.Locker,
		executors:   opts.Executors,
		notifier:    opts.Notifier,
		stepLogger:  opts.StepLogger,
		logger:      opts.Logger,
		clock:       opts.Clock,
		maxSteps:    opts.MaxSteps,
		lockTTL:     opts.LockTTL,
		lockPrefix:  opts.LockPrefix,
		retry:       opts.Retry,
	}, nil
}

// Checkpoints returns the engine's checkpoint store.
func (e *Engine) Checkpoints() CheckpointStore {
	return e.checkpoints
}

// Subjects returns the engine's subject store.
func (e *Engine) Subjects() SubjectStore {
	return e.subjects
}

// Locker returns the engine's lock service.
func (e *Engine) Locker() Locker {
	return e.locker
}

// Notifier returns the engine's notification sink.
func (e *Engine) Notifier() Notifier {
	return e.notifier
}

// Clock returns the engine's clock.
func (e *Engine) Clock() Clock {
	return e.clock
}

// LockKey returns the lock key guarding a subject.
func (e *Engine) LockKey(subjectID string) string {
	return e.lockPrefix + subjectID
}

// RunStep advances one subject in response to a trigger. Lock contention is
// not an error: the report's outcome is OutcomeLocked and the trigger is
// dropped. Structural graph errors and store failures are returned.
//
// A transfer starts the target definition after the lock is released.
// Chained transfers count against MaxSteps; when the chain runs out the
// report's outcome is OutcomeBudgetExhausted and no further target starts.
func (e *Engine) RunStep(ctx context.Context, trigger Trigger) (*StepReport, error) {
	if trigger.SubjectID == "" || trigger.DefinitionID == "" {
		return nil, fmt.Errorf("trigger requires subject and definition ids")
	}
	if trigger.At.IsZero() {
		trigger.At = e.clock.Now()
	}
	logger := e.logger.With(
		"subject_id", trigger.SubjectID,
		"definition_id", trigger.DefinitionID,
		"trigger", trigger.Type,
	)

	report, err := e.withLock(ctx, logger, trigger.SubjectID, func() (*StepReport, error) {
		return e.runLocked(ctx, logger, trigger)
	})
	if err != nil || report == nil {
		return report, err
	}

	next := report
	for hops := 1; next != nil && next.TransferredTo != ""; hops++ {
		target := next.TransferredTo
		if hops >= e.maxSteps {
			logger.Warn("transfer chain exhausted the step budget",
				"target_definition_id", target,
				"transfers", hops)
			report.Outcome = OutcomeBudgetExhausted
			report.Err = fmt.Errorf("%w: %d transfers, next target %s", ErrTransferLimit, hops, target)
			return report, nil
		}
		logger.Info("transferring subject", "target_definition_id", target)
		targetLogger := e.logger.With(
			"subject_id", trigger.SubjectID,
			"definition_id", target,
			"trigger", TriggerNewEntry,
		)
		next, err = e.withLock(ctx, targetLogger, trigger.SubjectID, func() (*StepReport, error) {
			return e.runLocked(ctx, targetLogger, Trigger{
				Type:         TriggerNewEntry,
				SubjectID:    trigger.SubjectID,
				DefinitionID: target,
				At:           e.clock.Now(),
			})
		})
		if err != nil {
			return report, fmt.Errorf("failed to start transferred campaign %s: %w", target, err)
		}
	}
	return report, nil
}

// withLock runs fn while holding the subject lock and releases it on every
// exit path, including panics.
func (e *Engine) withLock(ctx context.Context, logger *slog.Logger, subjectID string, fn func() (*StepReport, error)) (*StepReport, error) {
	lock, err := e.locker.Acquire(ctx, e.LockKey(subjectID), e.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire subject lock: %w", err)
	}
	if lock == nil {
		logger.Debug("subject locked, dropping trigger")
		return &StepReport{Outcome: OutcomeLocked}, nil
	}
	defer func() {
		if err := e.locker.Release(context.WithoutCancel(ctx), lock); err != nil {
			logger.Warn("failed to release subject lock", "error", err)
		}
	}()
	return fn()
}

func (e *Engine) runLocked(ctx context.Context, logger *slog.Logger, trigger Trigger) (*StepReport, error) {
	// Input that arrives from here on was not seen by this step, so a wait
	// written by it must accept that input.
	since := e.clock.Now()
	if trigger.Type == TriggerUserReply && trigger.At.Before(since) {
		since = trigger.At
	}
	graph, err := e.definitions.GetDefinition(ctx, trigger.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition %s: %w", trigger.DefinitionID, err)
	}
	if trigger.Type == TriggerUserReply {
		e.mirrorMessage(ctx, logger, trigger)
	}
	subject, err := e.subjects.GetSubject(ctx, trigger.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subject %s: %w", trigger.SubjectID, err)
	}
	cp, err := e.checkpoints.LoadCheckpoint(ctx, trigger.SubjectID, trigger.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var event *InboundEvent
	if cp == nil {
		if trigger.Type == TriggerTimerExpired {
			return &StepReport{Outcome: OutcomeNoop}, nil
		}
		entry := graph.EntryNode()
		cp, err = e.write(ctx, func() (*Checkpoint, error) {
			return e.checkpoints.SaveCheckpoint(ctx, trigger.SubjectID, trigger.DefinitionID, CheckpointUpdate{
				CurrentNodeID:  &entry.ID,
				ExecutionState: Ptr(StateEntered),
			})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint: %w", err)
		}
		logger.Info("subject entered campaign", "checkpoint_id", cp.ID, "node_id", entry.ID)
		if trigger.Type == TriggerUserReply {
			event = &InboundEvent{Type: EventUserReply, Body: trigger.Body, CorrelationKey: trigger.CorrelationKey}
		}
	} else {
		var resume bool
		resume, event = e.shouldResume(cp, subject, trigger)
		if !resume {
			logger.Debug("trigger does not resume checkpoint",
				"checkpoint_id", cp.ID,
				"execution_state", cp.ExecutionState,
				"waiting_for", cp.WaitingFor)
			return &StepReport{Outcome: OutcomeNoop, Checkpoint: cp}, nil
		}
	}
	return e.loop(ctx, logger.With("checkpoint_id", cp.ID), graph, subject, cp, trigger, event, since)
}

// shouldResume decides whether a trigger continues an existing checkpoint
// and which event, if any, the current node is resumed with.
func (e *Engine) shouldResume(cp *Checkpoint, subject *Subject, trigger Trigger) (bool, *InboundEvent) {
	switch cp.ExecutionState {
	case StateFailed, StatePaused:
		return false, nil
	case StateAwaitingAsync:
		if e.replyQualifies(cp, subject, trigger) {
			return true, &InboundEvent{Type: EventUserReply, Body: trigger.Body, CorrelationKey: trigger.CorrelationKey}
		}
		if trigger.Type == TriggerTimerExpired && cp.WaitUntil != nil && !trigger.At.Before(*cp.WaitUntil) {
			return true, &InboundEvent{Type: EventTimer}
		}
		return false, nil
	default:
		// ENTERED at rest means an earlier step stopped on an error or the
		// step budget. Any real input continues from the current node.
		switch trigger.Type {
		case TriggerTimerExpired:
			return false, nil
		case TriggerUserReply:
			return true, &InboundEvent{Type: EventUserReply, Body: trigger.Body, CorrelationKey: trigger.CorrelationKey}
		default:
			return true, nil
		}
	}
}

// replyQualifies reports whether a reply arrived once the suspending step
// had begun and matches the wait's correlation key. A reply received while
// that step was still running counts.
func (e *Engine) replyQualifies(cp *Checkpoint, subject *Subject, trigger Trigger) bool {
	if trigger.Type != TriggerUserReply {
		return false
	}
	if cp.CorrelationKey != "" && cp.CorrelationKey != trigger.CorrelationKey {
		return false
	}
	arrived := trigger.At
	if subject.LastMessageAt != nil && subject.LastMessageAt.After(arrived) {
		arrived = *subject.LastMessageAt
	}
	if cp.WaitingSince != nil {
		return !arrived.Before(*cp.WaitingSince)
	}
	return arrived.After(cp.LastExecutedAt)
}

func (e *Engine) loop(ctx context.Context, logger *slog.Logger, graph *Graph, subject *Subject, cp *Checkpoint, trigger Trigger, event *InboundEvent, since time.Time) (*StepReport, error) {
	report := &StepReport{Checkpoint: cp}
	for step := 0; step < e.maxSteps; step++ {
		node, ok := graph.Node(cp.CurrentNodeID)
		if !ok {
			entry := graph.EntryNode()
			logger.Warn("current node missing from graph, resetting to entry",
				"node_id", cp.CurrentNodeID,
				"entry_node_id", entry.ID)
			next, err := e.write(ctx, func() (*Checkpoint, error) {
				return e.checkpoints.AdvanceToNode(ctx, cp.ID, entry.ID, CheckpointUpdate{})
			})
			if err != nil {
				return nil, fmt.Errorf("failed to reset checkpoint to entry: %w", err)
			}
			cp, node, event = next, entry, nil
			report.Checkpoint = cp
		}
		nodeLogger := logger.With("node_id", node.ID, "node_type", node.Type)

		executor, ok := e.executors.Lookup(node.Type)
		if !ok {
			nodeLogger.Error("no executor registered for node type, aborting step")
			report.Outcome = OutcomeAborted
			report.Err = fmt.Errorf("%w: %q", ErrUnknownNodeType, node.Type)
			return report, nil
		}

		req := &ExecuteRequest{
			Subject: subject,
			Context: copyMap(cp.Context),
			Node:    node,
			Graph:   graph,
			Execution: ExecutionContext{
				CheckpointID: cp.ID,
				DefinitionID: cp.DefinitionID,
				Trigger:      trigger.Type,
				Event:        event,
				NodeState:    copyMap(cp.StateFor(node.ID)),
				Step:         step,
				Now:          e.clock.Now(),
			},
		}
		started := e.clock.Now()
		result, execErr := e.execute(WithLogger(ctx, nodeLogger), executor, req)
		report.Steps++
		e.logStep(ctx, nodeLogger, cp, node, trigger.Type, started, result, execErr)

		if execErr != nil {
			nodeLogger.Error("node execution failed", "error", execErr)
			return e.fail(ctx, report, cp, node, newExecutorError(node.ID, execErr))
		}

		update := CheckpointUpdate{}
		if result.NodeState != nil {
			update.NodeState = map[string]any{node.ID: copyMap(result.NodeState)}
		}
		if len(result.Output) > 0 {
			update.Context = map[string]any{node.ID: copyMap(result.Output)}
		}

		if result.Status == StatusAwaitingAsync {
			suspended, err := e.suspend(ctx, cp, result.Checkpoint, since, update)
			if err != nil {
				return nil, err
			}
			nodeLogger.Info("subject suspended",
				"waiting_for", suspended.WaitingFor,
				"wait_until", suspended.WaitUntil)
			e.mirrorPosition(ctx, logger, suspended)
			report.Outcome = OutcomeSuspended
			report.Checkpoint = suspended
			return report, nil
		}

		switch result.Action {
		case ActionHandoff:
			paused, err := e.write(ctx, func() (*Checkpoint, error) {
				return e.checkpoints.MarkPaused(ctx, cp.ID, update)
			})
			if err != nil {
				return nil, fmt.Errorf("failed to pause checkpoint: %w", err)
			}
			nodeLogger.Info("subject handed off to operator")
			e.publish(ctx, EventFlowPaused, paused, node, nil, "", "")
			e.mirrorPosition(ctx, logger, paused)
			report.Outcome = OutcomePaused
			report.Checkpoint = paused
			return report, nil
		case ActionTransferCampaign:
			target, _ := result.Output["campaign_id"].(string)
			completed, err := e.complete(ctx, cp, node, update)
			if err != nil {
				return nil, err
			}
			report.Outcome = OutcomeCompleted
			report.Checkpoint = completed
			if target == "" || target == cp.DefinitionID {
				nodeLogger.Warn("transfer without a usable campaign_id, completing flow", "campaign_id", target)
				return report, nil
			}
			report.TransferredTo = target
			return report, nil
		}

		label := Resolve(node, result, event)
		var edge *Edge
		if result.Status == StatusFailed {
			edge = MatchEdge(graph, node, label)
			if edge == nil {
				nodeLogger.Warn("node reported failure", "error", result.ErrorMessage())
				return e.fail(ctx, report, cp, node, errors.New(result.ErrorMessage()))
			}
		} else {
			edge = SelectEdge(graph, node, label)
		}
		event = nil

		if edge == nil {
			completed, err := e.complete(ctx, cp, node, update)
			if err != nil {
				return nil, err
			}
			nodeLogger.Info("flow completed", "edge_label", label)
			report.Outcome = OutcomeCompleted
			report.Checkpoint = completed
			return report, nil
		}

		next, err := e.write(ctx, func() (*Checkpoint, error) {
			return e.checkpoints.AdvanceToNode(ctx, cp.ID, edge.Target, update)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to advance checkpoint: %w", err)
		}
		target, _ := graph.Node(edge.Target)
		nodeLogger.Debug("transition", "edge_id", edge.ID, "edge_label", label, "next_node_id", edge.Target)
		e.publish(ctx, EventNodeEntered, next, target, node, label, "")
		e.mirrorPosition(ctx, logger, next)
		cp = next
		report.Checkpoint = cp
	}

	logger.Warn("step budget exhausted", "max_steps", e.maxSteps, "node_id", cp.CurrentNodeID)
	report.Outcome = OutcomeBudgetExhausted
	return report, nil
}

// execute calls the executor, converting panics and invalid results into
// errors.
func (e *Engine) execute(ctx context.Context, executor Executor, req *ExecuteRequest) (result *ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			LoggerFromContext(ctx).Error("executor panic", "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()
	result, err = executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("executor returned no result")
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("invalid execution result: %w", err)
	}
	return result, nil
}

// fail records an error against the checkpoint. The current node is kept so
// the next trigger retries it.
func (e *Engine) fail(ctx context.Context, report *StepReport, cp *Checkpoint, node *Node, cause error) (*StepReport, error) {
	recorded, err := e.write(ctx, func() (*Checkpoint, error) {
		return e.checkpoints.RecordError(ctx, cp.ID, cause.Error())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record error: %w", err)
	}
	report.Checkpoint = recorded
	report.Err = cause
	report.Outcome = OutcomeAborted
	if recorded.ExecutionState == StateFailed {
		report.Outcome = OutcomeFailed
		e.publish(ctx, EventFlowFailed, recorded, node, nil, "", recorded.LastError)
	}
	return report, nil
}

func (e *Engine) suspend(ctx context.Context, cp *Checkpoint, s *Suspension, since time.Time, update CheckpointUpdate) (*Checkpoint, error) {
	update.ClearWait = true
	update.WaitingSince = Ptr(since)
	update.ExecutionState = Ptr(StateAwaitingAsync)
	update.WaitingFor = Ptr(s.WaitingFor)
	if !s.WaitUntil.IsZero() {
		update.WaitUntil = Ptr(s.WaitUntil)
	}
	if s.CorrelationKey != "" {
		update.CorrelationKey = Ptr(s.CorrelationKey)
	}
	suspended, err := e.write(ctx, func() (*Checkpoint, error) {
		return e.checkpoints.UpdateCheckpoint(ctx, cp.ID, update)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to suspend checkpoint: %w", err)
	}
	return suspended, nil
}

func (e *Engine) complete(ctx context.Context, cp *Checkpoint, node *Node, update CheckpointUpdate) (*Checkpoint, error) {
	completed, err := e.write(ctx, func() (*Checkpoint, error) {
		return e.checkpoints.MarkCompleted(ctx, cp.ID, update)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete checkpoint: %w", err)
	}
	e.publish(ctx, EventFlowCompleted, completed, node, nil, "", "")
	return completed, nil
}

// write runs a checkpoint store call, retrying transient failures.
func (e *Engine) write(ctx context.Context, fn func() (*Checkpoint, error)) (*Checkpoint, error) {
	var cp *Checkpoint
	err := retry.Do(ctx, func() error {
		var err error
		cp, err = fn()
		return err
	}, e.retry...)
	return cp, err
}

func (e *Engine) publish(ctx context.Context, kind EventKind, cp *Checkpoint, node, previous *Node, edgeLabel, errMsg string) {
	event := &Event{
		Type:         kind,
		SubjectID:    cp.SubjectID,
		DefinitionID: cp.DefinitionID,
		CheckpointID: cp.ID,
		EdgeLabel:    edgeLabel,
		Error:        errMsg,
		At:           e.clock.Now(),
	}
	if node != nil {
		event.NodeID = node.ID
		event.NodeType = node.Type
		event.NodeLabel = node.DisplayName()
	}
	if previous != nil {
		event.PreviousNodeID = previous.ID
	}
	e.notifier.Publish(ctx, event)
}

// mirrorPosition copies the checkpoint position onto the subject. Failures
// are logged because the checkpoint is authoritative.
func (e *Engine) mirrorPosition(ctx context.Context, logger *slog.Logger, cp *Checkpoint) {
	err := e.subjects.UpdateSubject(ctx, cp.SubjectID, SubjectUpdate{
		CurrentNodeID: Ptr(cp.CurrentNodeID),
		NodeState:     copyMap(cp.NodeState),
	})
	if err != nil {
		logger.Warn("failed to mirror position onto subject", "error", err)
	}
}

func (e *Engine) mirrorMessage(ctx context.Context, logger *slog.Logger, trigger Trigger) {
	err := e.subjects.UpdateSubject(ctx, trigger.SubjectID, SubjectUpdate{
		LastMessageBody: Ptr(trigger.Body),
		LastMessageAt:   Ptr(trigger.At),
	})
	if err != nil {
		logger.Warn("failed to mirror inbound message onto subject", "error", err)
	}
}

func (e *Engine) logStep(ctx context.Context, logger *slog.Logger, cp *Checkpoint, node *Node, trigger TriggerType, started time.Time, result *ExecutionResult, execErr error) {
	entry := &StepLogEntry{
		ID:           NewStepID(),
		CheckpointID: cp.ID,
		SubjectID:    cp.SubjectID,
		DefinitionID: cp.DefinitionID,
		NodeID:       node.ID,
		NodeType:     node.Type,
		Trigger:      trigger,
		StartTime:    started,
		Duration:     e.clock.Now().Sub(started).Seconds(),
	}
	if result != nil {
		entry.Status = result.Status
		entry.Edge = result.Edge
		entry.Output = result.Output
		entry.Error = result.Error
	}
	if execErr != nil {
		entry.Error = execErr.Error()
	}
	if err := e.stepLogger.LogStep(ctx, entry); err != nil {
		logger.Warn("failed to write step log", "error", err)
	}
}

// Pause parks a subject's active checkpoint for a human operator.
func (e *Engine) Pause(ctx context.Context, subjectID, definitionID string) (*Checkpoint, error) {
	return e.operate(ctx, subjectID, definitionID, "pause", func(cp *Checkpoint) (*Checkpoint, error) {
		paused, err := e.checkpoints.MarkPaused(ctx, cp.ID, CheckpointUpdate{})
		if err == nil {
			e.publish(ctx, EventFlowPaused, paused, nil, nil, "", "")
		}
		return paused, err
	})
}

// Resume returns a paused checkpoint to ENTERED. The next trigger continues
// from the node the subject was paused at.
func (e *Engine) Resume(ctx context.Context, subjectID, definitionID string) (*Checkpoint, error) {
	return e.operate(ctx, subjectID, definitionID, "resume", func(cp *Checkpoint) (*Checkpoint, error) {
		return e.checkpoints.ResumeFromPause(ctx, cp.ID)
	})
}

// Reset clears the error count and a FAILED state so the subject can be
// retried.
func (e *Engine) Reset(ctx context.Context, subjectID, definitionID string) (*Checkpoint, error) {
	return e.operate(ctx, subjectID, definitionID, "reset", func(cp *Checkpoint) (*Checkpoint, error) {
		return e.checkpoints.UpdateCheckpoint(ctx, cp.ID, CheckpointUpdate{ResetErrors: true})
	})
}

func (e *Engine) operate(ctx context.Context, subjectID, definitionID, op string, fn func(*Checkpoint) (*Checkpoint, error)) (*Checkpoint, error) {
	logger := e.logger.With("subject_id", subjectID, "definition_id", definitionID, "operation", op)
	var result *Checkpoint
	report, err := e.withLock(ctx, logger, subjectID, func() (*StepReport, error) {
		cp, err := e.checkpoints.LoadCheckpoint(ctx, subjectID, definitionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp == nil {
			return nil, fmt.Errorf("%w: subject %s in %s", ErrCheckpointNotFound, subjectID, definitionID)
		}
		result, err = e.write(ctx, func() (*Checkpoint, error) { return fn(cp) })
		if err != nil {
			return nil, fmt.Errorf("failed to %s checkpoint: %w", op, err)
		}
		logger.Info("operator action applied", "checkpoint_id", result.ID, "execution_state", result.ExecutionState)
		return &StepReport{Checkpoint: result}, nil
	})
	if err != nil {
		return nil, err
	}
	if report.Outcome == OutcomeLocked {
		return nil, ErrSubjectBusy
	}
	return result, nil
}
