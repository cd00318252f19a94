// Package container wires the API binary's object graph once at startup.
package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/trellishq/trellis/common/bootstrap"
	"github.com/trellishq/trellis/common/dispatch"
	"github.com/trellishq/trellis/common/engine"
	"github.com/trellishq/trellis/common/executors"
	"github.com/trellishq/trellis/common/expression"
	"github.com/trellishq/trellis/common/mapping"
	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/queue"
	"github.com/trellishq/trellis/common/ratelimit"
	"github.com/trellishq/trellis/common/repository"
	"github.com/trellishq/trellis/common/state"
	"github.com/trellishq/trellis/common/validation"
	"github.com/trellishq/trellis/common/worker"
)

// Container holds all initialized services and repositories
type Container struct {
	Components *bootstrap.Components

	WorkflowRepo *repository.WorkflowRepository
	RunRepo      *repository.RunRepository
	NodeExecRepo *repository.NodeExecutionRepository
	StateRepo    *repository.StateRepository

	Registry   *validation.TypeRegistry
	Validator  *validation.Validator
	Store      *state.Store
	Dispatcher *dispatch.Dispatcher
	Manager    *queue.Manager
	Engine     *engine.Engine
	Limiter    *ratelimit.Limiter

	// inProcessWorkers is set with the in-memory broker: tasks must run
	// inside this process or not at all
	inProcessWorkers bool
}

// NewContainer initializes all services bottom-up
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	workflowRepo := repository.NewWorkflowRepository(components.DB)
	runRepo := repository.NewRunRepository(components.DB)
	nodeExecRepo := repository.NewNodeExecutionRepository(components.DB)
	stateRepo := repository.NewStateRepository(components.DB)

	registry := validation.NewTypeRegistry()
	validator := validation.NewValidator(registry)

	store := state.NewStore(components.Redis, stateRepo, log, cfg.Engine.StateTTL)

	mapper, err := mapping.NewMapper()
	if err != nil {
		return nil, fmt.Errorf("failed to build field mapper: %w", err)
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

	var broker queue.Broker
	inProcess := false
	switch cfg.Queue.Broker {
	case "memory":
		broker = queue.NewMemoryBroker(log)
		inProcess = true
	default:
		broker = queue.NewRedisBroker(components.Redis, log, cfg.Queue.TaskRetention)
	}
	manager := queue.NewManager(broker, log, components.Metrics, cfg.Queue.Concurrency, cfg.Queue.PollInterval)

	var events engine.EventPublisher
	if components.Redis != nil {
		events = engine.NewStreamPublisher(components.Redis, log)
	}

	eng := engine.New(cfg.Engine, engine.Deps{
		Workflows:  workflowRepo,
		Runs:       runRepo,
		NodeExecs:  nodeExecRepo,
		Store:      store,
		Dispatcher: dispatcher,
		Validator:  validator,
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

	var limiter *ratelimit.Limiter
	if components.Redis != nil {
		limiter = ratelimit.NewLimiter(components.Redis.GetUnderlying(), log)
	}

	return &Container{
		Components:       components,
		WorkflowRepo:     workflowRepo,
		RunRepo:          runRepo,
		NodeExecRepo:     nodeExecRepo,
		StateRepo:        stateRepo,
		Registry:         registry,
		Validator:        validator,
		Store:            store,
		Dispatcher:       dispatcher,
		Manager:          manager,
		Engine:           eng,
		Limiter:          limiter,
		inProcessWorkers: inProcess,
	}, nil
}

// StartWorkers runs the worker manager inside this process when the broker
// is in-memory; with the Redis broker, dedicated worker instances drain the
// queues instead.
func (c *Container) StartWorkers(ctx context.Context) {
	if !c.inProcessWorkers {
		return
	}
	worker.RegisterAll(c.Manager, worker.Deps{
		Engine:   c.Engine,
		Store:    c.Store,
		Redis:    c.Components.Redis,
		Logger:   c.Components.Logger,
		StateTTL: c.Components.Config.Engine.StateTTL,
	})
	go c.Manager.Start(ctx)
	c.Components.Logger.Info("in-process workers started")
}

// Close releases container-held resources
func (c *Container) Close() {
	c.Engine.Close()
	c.Manager.Drain()
}
