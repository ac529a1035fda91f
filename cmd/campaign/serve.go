package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/executors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	definitionID string
	subjectID    string
	address      string
}

func newServeCommand(c *cli) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a subject through a campaign from the terminal",
		Long: `Wire the configured backends, start the debounce scheduler and the sweeper,
and treat each line read from stdin as an inbound message from the subject.

Commands:
  /typing   toggle the composing signal
  /pause    park the subject for an operator
  /resume   resume a paused subject
  /reset    clear errors on a failed subject
  /status   show the current checkpoint`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, c.config, opts, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&opts.definitionID, "definition", "", "Definition id to enter (required)")
	cmd.Flags().StringVar(&opts.subjectID, "subject", "local", "Subject id")
	cmd.Flags().StringVar(&opts.address, "address", "", "Subject address shown to templates")
	cmd.MarkFlagRequired("definition")
	return cmd
}

// session is one running serve command.
type session struct {
	engine    *campaign.Engine
	debouncer *campaign.Debouncer
	console   *console
	opts      serveOptions
	composing bool
}

func runServe(ctx context.Context, cfg *Config, opts serveOptions, in io.Reader, out io.Writer) error {
	logger := cfg.logger()
	clock := campaign.SystemClock()
	ctx = campaign.WithLogger(ctx, logger)

	b, err := openBackends(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	con := newConsole(out)
	registry, err := executors.NewRegistry(executors.Options{Sender: con})
	if err != nil {
		return err
	}
	subjects := campaign.NewMemorySubjectStore(&campaign.Subject{
		ID:         opts.subjectID,
		Address:    opts.address,
		Attributes: map[string]any{},
	})
	notifier := campaign.NewNotifierChain(con)
	for _, n := range b.notifiers {
		notifier.Add(n)
	}
	var stepLogger campaign.StepLogger
	if cfg.StepLogs != "" {
		stepLogger = campaign.NewFileStepLogger(cfg.StepLogs)
	}

	engine, err := campaign.NewEngine(campaign.EngineOptions{
		Definitions: campaign.NewDirDefinitionStore(cfg.Definitions),
		Subjects:    subjects,
		Checkpoints: b.checkpoints,
		Locker:      b.locker,
		Executors:   registry,
		Notifier:    notifier,
		StepLogger:  stepLogger,
		Logger:      logger,
		Clock:       clock,
		MaxSteps:    cfg.Engine.MaxSteps,
		LockTTL:     cfg.Engine.LockTTL,
	})
	if err != nil {
		return err
	}
	debouncer, err := campaign.NewDebouncer(campaign.DebounceOptions{
		Runner:         engine,
		Subjects:       subjects,
		Buffer:         b.buffer,
		Scheduler:      b.scheduler,
		Presence:       b.presence,
		Logger:         logger,
		Clock:          clock,
		ComposingDelay: cfg.Debounce.ComposingDelay,
		IdleDelay:      cfg.Debounce.IdleDelay,
		PresenceTTL:    cfg.Debounce.PresenceTTL,
	})
	if err != nil {
		return err
	}
	sweeper, err := campaign.NewSweeper(campaign.SweeperOptions{
		Engine:          engine,
		Logger:          logger,
		TimerInterval:   cfg.Sweeper.TimerInterval,
		StaleInterval:   cfg.Sweeper.StaleInterval,
		StaleAfter:      cfg.Sweeper.StaleAfter,
		CleanupSchedule: cfg.Sweeper.CleanupSchedule,
		RetentionDays:   cfg.Sweeper.RetentionDays,
	})
	if err != nil {
		return err
	}

	if err := b.scheduler.Start(ctx, debouncer.Fire); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer b.scheduler.Stop()
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	s := &session{engine: engine, debouncer: debouncer, console: con, opts: opts}
	color.Blue("Subject %s entering %s (store: %s, lock: %s)",
		opts.subjectID, opts.definitionID, cfg.Store.Driver, cfg.Lock.Driver)
	if err := s.step(ctx, campaign.TriggerNewEntry); err != nil {
		return err
	}
	return s.readLoop(ctx, in)
}

// readLoop feeds stdin lines to the session until EOF or cancellation.
func (s *session) readLoop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := s.handleLine(ctx, strings.TrimSpace(line)); err != nil {
				s.console.printf(color.FgRed, "error: %v", err)
			}
		}
	}
}

func (s *session) handleLine(ctx context.Context, line string) error {
	subjectID, definitionID := s.opts.subjectID, s.opts.definitionID
	switch line {
	case "":
		return nil
	case "/typing":
		s.composing = !s.composing
		s.console.printf(color.FgWhite, "  composing: %t", s.composing)
		return s.debouncer.HandleComposing(ctx, subjectID, definitionID, s.composing)
	case "/pause":
		_, err := s.engine.Pause(ctx, subjectID, definitionID)
		return err
	case "/resume":
		cp, err := s.engine.Resume(ctx, subjectID, definitionID)
		if err != nil {
			return err
		}
		s.console.printf(color.FgYellow, "  resumed at %s", cp.CurrentNodeID)
		return s.step(ctx, campaign.TriggerNewEntry)
	case "/reset":
		cp, err := s.engine.Reset(ctx, subjectID, definitionID)
		if err != nil {
			return err
		}
		s.console.printf(color.FgYellow, "  errors cleared at %s", cp.CurrentNodeID)
		return s.step(ctx, campaign.TriggerNewEntry)
	case "/status":
		cp, err := s.engine.Checkpoints().LoadCheckpoint(ctx, subjectID, definitionID)
		if err != nil {
			return err
		}
		if cp == nil {
			s.console.printf(color.FgYellow, "  no active checkpoint")
			return nil
		}
		printCheckpoint(cp)
		return nil
	}
	if strings.HasPrefix(line, "/") {
		return fmt.Errorf("unknown command %s", line)
	}
	s.composing = false
	return s.debouncer.HandleInbound(ctx, campaign.InboundMessage{
		SubjectID:    subjectID,
		DefinitionID: definitionID,
		Body:         line,
	})
}

func (s *session) step(ctx context.Context, trigger campaign.TriggerType) error {
	report, err := s.engine.RunStep(ctx, campaign.Trigger{
		Type:         trigger,
		SubjectID:    s.opts.subjectID,
		DefinitionID: s.opts.definitionID,
	})
	if err != nil {
		if campaign.IsStructural(err) || errors.Is(err, campaign.ErrDefinitionNotFound) {
			return err
		}
		s.console.printf(color.FgRed, "step failed: %v", err)
		return nil
	}
	if report.Err != nil {
		s.console.printf(color.FgRed, "  node error: %v", report.Err)
	}
	return nil
}
