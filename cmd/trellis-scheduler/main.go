// The trellis-scheduler binary fires ScheduleTrigger workflows on their cron
// expressions. Every active workflow is scanned each tick; a Redis SETNX
// guard keeps multiple scheduler instances from double-firing the same
// minute.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trellishq/trellis/common/bootstrap"
	"github.com/trellishq/trellis/common/engine"
	"github.com/trellishq/trellis/common/expression"
	"github.com/trellishq/trellis/common/logger"
	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/queue"
	"github.com/trellishq/trellis/common/redis"
	"github.com/trellishq/trellis/common/repository"
	"github.com/trellishq/trellis/common/validation"
)

const (
	tickInterval = 30 * time.Second
	pageSize     = 100
	fireGuardTTL = 10 * time.Minute
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "trellis-scheduler")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap trellis-scheduler: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger

	workflowRepo := repository.NewWorkflowRepository(components.DB)
	runRepo := repository.NewRunRepository(components.DB)
	nodeExecRepo := repository.NewNodeExecutionRepository(components.DB)

	broker := queue.NewRedisBroker(components.Redis, log, cfg.Queue.TaskRetention)
	manager := queue.NewManager(broker, log, components.Metrics, cfg.Queue.Concurrency, cfg.Queue.PollInterval)

	eng := engine.New(cfg.Engine, engine.Deps{
		Workflows: workflowRepo,
		Runs:      runRepo,
		NodeExecs: nodeExecRepo,
		Validator: validation.NewValidator(validation.NewTypeRegistry()),
		Evaluator: expression.NewEvaluator(),
		Events:    engine.NewStreamPublisher(components.Redis, log),
		Metrics:   components.Metrics,
		Logger:    log,
		Scheduler: engine.SchedulerFunc(func(ctx context.Context, run *models.WorkflowRun) error {
			_, err := manager.SubmitTask(ctx, models.TaskWorkflowExecute, nil,
				map[string]any{"run_id": run.ID},
				queue.SubmitOptions{
					Priority:    run.Priority,
					Queue:       models.QueueWorkflow,
					SubmittedBy: "trellis-scheduler",
				})
			return err
		}),
	})
	defer eng.Close()

	go func() {
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		sig := <-shutdown
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	s := &scheduler{
		workflows: workflowRepo,
		engine:    eng,
		redis:     components.Redis,
		log:       log,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
	s.run(ctx)
}

type scheduler struct {
	workflows *repository.WorkflowRepository
	engine    *engine.Engine
	redis     *redis.Client
	log       *logger.Logger
	parser    cron.Parser
}

func (s *scheduler) run(ctx context.Context) {
	s.log.Info("scheduler started", "tick", tickInterval)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC().Truncate(time.Minute))
		}
	}
}

// tick fires every scheduled workflow whose cron matches this minute
func (s *scheduler) tick(ctx context.Context, minute time.Time) {
	for offset := 0; ; offset += pageSize {
		workflows, err := s.workflows.ListByStatus(ctx, models.WorkflowActive, pageSize, offset)
		if err != nil {
			s.log.Error("failed to list active workflows", "error", err)
			return
		}
		if len(workflows) == 0 {
			return
		}

		for _, wf := range workflows {
			s.fireDue(ctx, wf, minute)
		}
		if len(workflows) < pageSize {
			return
		}
	}
}

func (s *scheduler) fireDue(ctx context.Context, wf *models.Workflow, minute time.Time) {
	for _, node := range wf.Definition.Nodes {
		if node.Type != validation.TypeScheduleTrigger {
			continue
		}
		expr := cronExpr(node.Config)
		if expr == "" {
			continue
		}

		schedule, err := s.parser.Parse(expr)
		if err != nil {
			s.log.Warn("unparseable cron on active workflow", "workflow_id", wf.ID, "node_id", node.ID, "cron", expr)
			continue
		}
		if !schedule.Next(minute.Add(-time.Second)).Equal(minute) {
			continue
		}

		// One fire per workflow-minute across all scheduler instances
		guard := fmt.Sprintf("schedule:fired:%s:%s", wf.ID, minute.Format("200601021504"))
		acquired, err := s.redis.SetNX(ctx, guard, "1", fireGuardTTL)
		if err != nil {
			s.log.Error("failed to acquire fire guard", "workflow_id", wf.ID, "error", err)
			continue
		}
		if !acquired {
			continue
		}

		run, err := s.engine.ExecuteWorkflow(ctx, wf.ID, map[string]any{
			"scheduled_for": minute.Format(time.RFC3339),
			"cron":          expr,
		}, "trellis-scheduler", models.DefaultPriority)
		if err != nil {
			s.log.Error("failed to fire scheduled workflow", "workflow_id", wf.ID, "error", err)
			continue
		}
		s.log.Info("scheduled workflow fired", "workflow_id", wf.ID, "run_id", run.ID, "minute", minute)
	}
}

func cronExpr(config map[string]any) string {
	if expr, ok := config["cron"].(string); ok && expr != "" {
		return expr
	}
	if expr, ok := config["cron_expression"].(string); ok && expr != "" {
		return expr
	}
	return ""
}
