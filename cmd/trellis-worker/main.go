// The trellis-worker binary drains the task queues: it claims runs for the
// execution engine, processes form and integration payloads, delivers
// notifications and runs state cleanup. It also hosts the stale-run
// supervisor and a run-event consumer for operational logging.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trellishq/trellis/common/bootstrap"
	"github.com/trellishq/trellis/common/dispatch"
	"github.com/trellishq/trellis/common/engine"
	"github.com/trellishq/trellis/common/executors"
	"github.com/trellishq/trellis/common/expression"
	"github.com/trellishq/trellis/common/mapping"
	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/queue"
	"github.com/trellishq/trellis/common/repository"
	"github.com/trellishq/trellis/common/state"
	"github.com/trellishq/trellis/common/validation"
	"github.com/trellishq/trellis/common/worker"
)

const eventConsumerGroup = "trellis-worker"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "trellis-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap trellis-worker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger

	workflowRepo := repository.NewWorkflowRepository(components.DB)
	runRepo := repository.NewRunRepository(components.DB)
	nodeExecRepo := repository.NewNodeExecutionRepository(components.DB)
	stateRepo := repository.NewStateRepository(components.DB)

	store := state.NewStore(components.Redis, stateRepo, log, cfg.Engine.StateTTL)

	mapper, err := mapping.NewMapper()
	if err != nil {
		log.Error("failed to build field mapper", "error", err)
		os.Exit(1)
	}
	evaluator := expression.NewEvaluator()

	dispatcher := dispatch.NewDispatcher(log)
	executors.RegisterBuiltins(dispatcher, executors.Deps{
		Logger:     log,
		Mapper:     mapper,
		Evaluator:  evaluator,
		DB:         components.DB,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})

	broker := queue.NewRedisBroker(components.Redis, log, cfg.Queue.TaskRetention)
	manager := queue.NewManager(broker, log, components.Metrics, cfg.Queue.Concurrency, cfg.Queue.PollInterval)

	events := engine.NewStreamPublisher(components.Redis, log)

	eng := engine.New(cfg.Engine, engine.Deps{
		Workflows:  workflowRepo,
		Runs:       runRepo,
		NodeExecs:  nodeExecRepo,
		Store:      store,
		Dispatcher: dispatcher,
		Validator:  validation.NewValidator(validation.NewTypeRegistry()),
		Evaluator:  evaluator,
		Events:     events,
		Metrics:    components.Metrics,
		Logger:     log,
		Scheduler: engine.SchedulerFunc(func(ctx context.Context, run *models.WorkflowRun) error {
			_, err := manager.SubmitTask(ctx, models.TaskWorkflowExecute, nil,
				map[string]any{"run_id": run.ID},
				queue.SubmitOptions{
					Priority:    run.Priority,
					Queue:       models.QueueWorkflow,
					SubmittedBy: run.StartedBy,
				})
			return err
		}),
	})
	defer eng.Close()

	worker.RegisterAll(manager, worker.Deps{
		Engine:   eng,
		Store:    store,
		Redis:    components.Redis,
		Logger:   log,
		StateTTL: cfg.Engine.StateTTL,
	})

	supervisor := engine.NewSupervisor(runRepo, events, log, cfg.Engine.StaleRunAge, cfg.Engine.SupervisorPeriod)
	go supervisor.Run(ctx)

	go consumeRunEvents(ctx, components)

	go func() {
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		sig := <-shutdown
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	manager.Start(ctx)
	manager.Drain()
	log.Info("worker drained, exiting")
}

// consumeRunEvents tails the run event stream through a consumer group so
// every lifecycle transition lands in the worker logs exactly once across
// instances.
func consumeRunEvents(ctx context.Context, components *bootstrap.Components) {
	log := components.Logger
	client := components.Redis

	if err := client.CreateStreamGroup(ctx, engine.RunEventStream, eventConsumerGroup); err != nil {
		log.Warn("failed to create run event consumer group", "error", err)
		return
	}

	consumer := fmt.Sprintf("%s-%d", eventConsumerGroup, os.Getpid())
	for ctx.Err() == nil {
		streams, err := client.ReadFromStreamGroup(ctx, eventConsumerGroup, consumer, engine.RunEventStream, 16, 5*time.Second)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("failed to read run events", "error", err)
				time.Sleep(time.Second)
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				log.Info("run event",
					"event", msg.Values["type"],
					"run_id", msg.Values["run_id"],
				)
				if err := client.AckStreamMessage(ctx, engine.RunEventStream, eventConsumerGroup, msg.ID); err != nil {
					log.Warn("failed to ack run event", "message_id", msg.ID, "error", err)
				}
			}
		}
	}
}
