package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trellishq/trellis/common/models"
)

// cancelRequestedVar is the run variable another instance sets to request
// cooperative cancellation; the executing instance observes it at node
// boundaries.
const cancelRequestedVar = "__cancel_requested"

// codeInconsistentGraph marks a run whose walk ended with nodes never
// reached, such as a cycle that slipped past validation
const codeInconsistentGraph = "InconsistentGraph"

// graphState tracks the walk over one run's DAG
type graphState struct {
	index     map[string]int // declaration position in the definition
	inDegree  map[string]int
	outgoing  map[string][]models.Edge
	support   map[string]bool     // at least one traversed incoming edge
	incoming  map[string][]string // traversed predecessors, in arrival order
	completed map[string]bool
	skipped   map[string]bool
	ready     []string
}

func buildGraphState(def *models.Definition) *graphState {
	g := &graphState{
		index:     make(map[string]int, len(def.Nodes)),
		inDegree:  make(map[string]int, len(def.Nodes)),
		outgoing:  make(map[string][]models.Edge),
		support:   make(map[string]bool, len(def.Nodes)),
		incoming:  make(map[string][]string),
		completed: make(map[string]bool, len(def.Nodes)),
		skipped:   make(map[string]bool, len(def.Nodes)),
	}
	for i, node := range def.Nodes {
		g.index[node.ID] = i
		g.inDegree[node.ID] = 0
	}
	for _, edge := range def.Edges {
		g.inDegree[edge.To]++
		g.outgoing[edge.From] = append(g.outgoing[edge.From], edge)
	}
	// Roots execute unconditionally; everything else needs a traversed edge
	for _, node := range def.Nodes {
		if g.inDegree[node.ID] == 0 {
			g.support[node.ID] = true
			g.ready = append(g.ready, node.ID)
		}
	}
	return g
}

// settle decrements the target's in-degree for one consumed edge and moves
// it to the ready list once all incoming edges are accounted for
func (g *graphState) settle(edge models.Edge, traversed bool) {
	if traversed {
		g.support[edge.To] = true
		g.incoming[edge.To] = append(g.incoming[edge.To], edge.From)
	}
	g.inDegree[edge.To]--
	if g.inDegree[edge.To] == 0 {
		g.ready = append(g.ready, edge.To)
	}
}

// next pops the ready node that appears earliest in the definition's node
// list, keeping fan-out execution order deterministic
func (g *graphState) next() string {
	best := 0
	for i := 1; i < len(g.ready); i++ {
		if g.index[g.ready[i]] < g.index[g.ready[best]] {
			best = i
		}
	}
	nodeID := g.ready[best]
	g.ready = append(g.ready[:best], g.ready[best+1:]...)
	return nodeID
}

// unreached lists nodes the walk never executed or skipped, in definition
// order
func (g *graphState) unreached(def *models.Definition) []string {
	var out []string
	for _, node := range def.Nodes {
		if !g.completed[node.ID] && !g.skipped[node.ID] {
			out = append(out, node.ID)
		}
	}
	return out
}

// executeGraph walks the definition in topological order, executing supported
// nodes and skipping pruned ones, and drives the run to a terminal status.
// Always returns nil for domain failures: a failed run is a completed task.
func (e *Engine) executeGraph(ctx context.Context, run *models.WorkflowRun, wf *models.Workflow) error {
	def := &wf.Definition

	if err := e.withStoreRetry(ctx, "init state", func() error {
		_, err := e.store.InitWorkflowState(ctx, run.ID, nil, run.TriggerData)
		return err
	}); err != nil {
		e.failRun(ctx, run, &models.RunError{
			Code:    string(models.CodeInternal),
			Message: fmt.Sprintf("failed to initialize run state: %v", err),
		})
		return err
	}

	g := buildGraphState(def)
	order := 0

	for len(g.ready) > 0 {
		nodeID := g.next()

		if stopErr := e.checkCancelled(ctx, run.ID); stopErr != nil {
			// A run-deadline expiry is a failure, not a cancellation
			if models.CodeOf(stopErr) == models.CodeTimeout {
				e.failRun(ctx, run, &models.RunError{
					Code:    string(models.CodeTimeout),
					Message: "run deadline exceeded",
					NodeID:  nodeID,
				})
			} else {
				e.cancelRun(ctx, run, nodeID)
			}
			return nil
		}

		node := def.NodeByID(nodeID)
		if node == nil {
			// Validation guarantees edge endpoints exist; an unknown id
			// here means the definition changed mid-run
			e.failRun(ctx, run, &models.RunError{
				Code:    string(models.CodeInternal),
				Message: fmt.Sprintf("node %s not found in definition", nodeID),
				NodeID:  nodeID,
			})
			return nil
		}

		if !g.support[nodeID] {
			e.skipNode(ctx, run, node, order)
			g.skipped[nodeID] = true
			order++
			for _, edge := range g.outgoing[nodeID] {
				g.settle(edge, false)
			}
			continue
		}

		output, execErr := e.executeNode(ctx, run, node, g.incoming[nodeID], order)
		order++
		if execErr != nil {
			if models.CodeOf(execErr) == models.CodeCancelled {
				e.cancelRun(ctx, run, nodeID)
			} else {
				e.failRun(ctx, run, &models.RunError{
					Code:    string(models.CodeOf(execErr)),
					Message: execErr.Error(),
					NodeID:  nodeID,
				})
			}
			return nil
		}
		g.completed[nodeID] = true

		traversals, err := e.evaluateEdges(ctx, run.ID, node, g.outgoing[nodeID], output)
		if err != nil {
			e.failRun(ctx, run, &models.RunError{
				Code:    string(models.CodePermanent),
				Message: fmt.Sprintf("edge condition failed after node %s: %v", nodeID, err),
				NodeID:  nodeID,
			})
			return nil
		}
		for i, edge := range g.outgoing[nodeID] {
			g.settle(edge, traversals[i])
		}
	}

	// Drain check: a COMPLETED run must account for every node
	if unreached := g.unreached(def); len(unreached) > 0 {
		e.failRun(ctx, run, &models.RunError{
			Code:    codeInconsistentGraph,
			Message: fmt.Sprintf("graph walk ended with unreached nodes: %s", strings.Join(unreached, ", ")),
		})
		return nil
	}

	e.completeRun(ctx, run, def, g)
	return nil
}

// executeNode runs one node through the dispatcher with per-attempt rows and
// transient retries. Returns the output of the successful attempt.
func (e *Engine) executeNode(ctx context.Context, run *models.WorkflowRun, node *models.Node, predecessors []string, order int) (any, error) {
	policy := e.dispatcher.RetryPolicyFor(node.Type)

	for attempt := 0; ; attempt++ {
		input, err := e.buildInput(ctx, run.ID, node.ID, predecessors)
		if err != nil {
			return nil, err
		}

		if attempt == 0 {
			if err := e.store.AddExecutionStep(ctx, run.ID, node.ID, map[string]any{"node_type": node.Type}); err != nil {
				e.logger.Warn("failed to record execution step", "run_id", run.ID, "node_id", node.ID, "error", err)
			}
		}

		startedAt := time.Now().UTC()
		attemptRow := &models.NodeExecution{
			ID:            uuid.New().String(),
			WorkflowRunID: run.ID,
			NodeID:        node.ID,
			NodeType:      node.Type,
			Status:        models.NodeRunning,
			InputData: map[string]any{
				"previous":  input.Previous,
				"trigger":   input.Trigger,
				"variables": input.Workflow.Variables,
			},
			StartedAt:      &startedAt,
			ExecutionOrder: order,
			RetryCount:     attempt,
		}
		if err := e.nodeExecs.Append(ctx, attemptRow); err != nil {
			e.logger.Error("failed to append node execution row", "run_id", run.ID, "node_id", node.ID, "error", err)
		}

		nodeCtx, cancel := context.WithTimeout(ctx, e.nodeTimeout())
		output, execErr := e.dispatcher.Dispatch(nodeCtx, node.Type, node.Config, input)
		cancel()
		duration := time.Since(startedAt)

		if execErr == nil {
			e.resolveAttempt(ctx, attemptRow.ID, models.NodeCompleted, output, "")
			if err := e.withStoreRetry(ctx, "save node output", func() error {
				return e.store.SaveNodeOutput(ctx, run.ID, node.ID, output)
			}); err != nil {
				return nil, err
			}
			if e.metrics != nil {
				e.metrics.NodeExecuted(node.Type, string(models.NodeCompleted), duration)
			}
			e.events.Publish(ctx, RunEvent{
				Type: EventNodeCompleted, RunID: run.ID, WorkflowID: run.WorkflowID, NodeID: node.ID,
			})
			e.logger.Debug("node completed", "run_id", run.ID, "node_id", node.ID, "attempt", attempt, "duration", duration)
			return output, nil
		}

		execErr = e.classifyNodeError(ctx, nodeCtx, execErr, node.ID)
		status := models.NodeFailed
		if models.CodeOf(execErr) == models.CodeCancelled {
			status = models.NodeCancelled
		}
		e.resolveAttempt(ctx, attemptRow.ID, status, nil, execErr.Error())
		if e.metrics != nil {
			e.metrics.NodeExecuted(node.Type, string(status), duration)
		}
		e.events.Publish(ctx, RunEvent{
			Type: EventNodeFailed, RunID: run.ID, WorkflowID: run.WorkflowID, NodeID: node.ID, Error: execErr.Error(),
		})

		if models.IsTransient(execErr) && attempt < policy.MaxRetries {
			backoff := policy.Backoff(attempt + 1)
			e.logger.Warn("node failed, retrying",
				"run_id", run.ID, "node_id", node.ID, "attempt", attempt, "backoff", backoff, "error", execErr)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil, models.NewCancelled("run stopped during retry backoff")
			}
		}
		return nil, execErr
	}
}

// classifyNodeError distinguishes node timeout, run cancellation, and plain
// executor failures
func (e *Engine) classifyNodeError(runCtx, nodeCtx context.Context, err error, nodeID string) error {
	var execErr *models.ExecutionError
	if errors.As(err, &execErr) && execErr.NodeID == "" {
		execErr.NodeID = nodeID
	}

	switch {
	case runCtx.Err() != nil:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return &models.ExecutionError{Class: models.CodeTimeout, NodeID: nodeID, Message: "run deadline exceeded", Cause: err}
		}
		return &models.ExecutionError{Class: models.CodeCancelled, NodeID: nodeID, Message: "run cancelled", Cause: err}
	case errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && models.CodeOf(err) != models.CodeTimeout:
		return &models.ExecutionError{Class: models.CodeTimeout, NodeID: nodeID, Message: "node deadline exceeded", Cause: err}
	}
	return err
}

// buildInput composes the executor input envelope, narrowing Previous to the
// outputs of traversed predecessors
func (e *Engine) buildInput(ctx context.Context, runID, nodeID string, predecessors []string) (*models.NodeInput, error) {
	var input *models.NodeInput
	err := e.withStoreRetry(ctx, "build node input", func() error {
		var err error
		input, err = e.store.GetNodeInput(ctx, runID, nodeID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(predecessors) > 0 {
		input.Previous = make(map[string]any, len(predecessors))
		for _, pred := range predecessors {
			if output, ok := input.Nodes[pred]; ok {
				input.Previous[pred] = output
			}
		}
	}
	return input, nil
}

// evaluateEdges decides traversal for each outgoing edge against the state
// after the source node completed
func (e *Engine) evaluateEdges(ctx context.Context, runID string, node *models.Node, edges []models.Edge, output any) ([]bool, error) {
	traversals := make([]bool, len(edges))
	var env map[string]any

	for i, edge := range edges {
		if !edge.HasCondition() {
			traversals[i] = true
			continue
		}
		if env == nil {
			state, err := e.store.GetWorkflowState(ctx, runID)
			if err != nil {
				return nil, err
			}
			env = edgeEnv(state, node.ID, output)
		}
		result, err := e.evaluator.EvalBool(*edge.Condition, env)
		if err != nil {
			return nil, fmt.Errorf("condition on edge %s->%s: %w", edge.From, edge.To, err)
		}
		traversals[i] = result
	}
	return traversals, nil
}

// edgeEnv builds the condition environment: workflow variables and the source
// node's output fields at the top level, plus the envelope sections by name
func edgeEnv(state *models.WorkflowState, nodeID string, output any) map[string]any {
	env := map[string]any{}
	for k, v := range state.Variables {
		env[k] = v
	}
	if fields, ok := output.(map[string]any); ok {
		for k, v := range fields {
			env[k] = v
		}
	}
	env["nodes"] = state.NodeOutputs
	env["trigger"] = state.TriggerData
	env["variables"] = state.Variables
	env["output"] = output
	env["node_id"] = nodeID
	return env
}

// skipNode records a SKIPPED attempt row for a pruned node
func (e *Engine) skipNode(ctx context.Context, run *models.WorkflowRun, node *models.Node, order int) {
	now := time.Now().UTC()
	row := &models.NodeExecution{
		ID:             uuid.New().String(),
		WorkflowRunID:  run.ID,
		NodeID:         node.ID,
		NodeType:       node.Type,
		Status:         models.NodeSkipped,
		StartedAt:      &now,
		CompletedAt:    &now,
		ExecutionOrder: order,
	}
	if err := e.nodeExecs.Append(ctx, row); err != nil {
		e.logger.Error("failed to record skipped node", "run_id", run.ID, "node_id", node.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.NodeExecuted(node.Type, string(models.NodeSkipped), 0)
	}
	e.logger.Debug("node skipped", "run_id", run.ID, "node_id", node.ID)
}

// resolveAttempt closes an attempt row, logging rather than failing the run
// when the log write itself fails
func (e *Engine) resolveAttempt(ctx context.Context, id string, status models.NodeExecutionStatus, output any, errMsg string) {
	if err := e.nodeExecs.Resolve(ctx, id, status, output, errMsg, time.Now().UTC()); err != nil {
		e.logger.Error("failed to resolve node execution row", "execution_id", id, "error", err)
	}
}

// checkCancelled reports whether the run should stop at this boundary
func (e *Engine) checkCancelled(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.NewTimeout("run deadline exceeded")
		}
		return models.NewCancelled("run cancelled")
	}

	state, err := e.store.GetWorkflowState(ctx, runID)
	if err != nil {
		// Cache-miss plus durable outage; keep executing, the flag is
		// re-checked at the next boundary
		e.logger.Warn("failed to read cancel flag", "run_id", runID, "error", err)
		return nil
	}
	if flagged, _ := state.Variables[cancelRequestedVar].(bool); flagged {
		return models.NewCancelled("cancellation requested")
	}
	return nil
}

// completeRun finalizes a run whose graph walk reached the end
func (e *Engine) completeRun(ctx context.Context, run *models.WorkflowRun, def *models.Definition, g *graphState) {
	state, err := e.store.GetWorkflowState(ctx, run.ID)
	if err != nil {
		e.logger.Error("failed to read final state", "run_id", run.ID, "error", err)
	}

	// Result data is the outputs of completed end nodes
	resultData := map[string]any{}
	if state != nil {
		for _, node := range def.Nodes {
			if len(g.outgoing[node.ID]) > 0 || !g.completed[node.ID] {
				continue
			}
			if output, ok := state.NodeOutputs[node.ID]; ok {
				resultData[node.ID] = output
			}
		}
	}

	run.ResultData = resultData
	e.finalizeRun(ctx, run, state, models.RunCompleted, nil)
	e.events.Publish(ctx, RunEvent{Type: EventRunCompleted, RunID: run.ID, WorkflowID: run.WorkflowID})
	e.logger.Info("run completed", "run_id", run.ID, "end_nodes", len(resultData))
}

// failRun finalizes a run as FAILED, fail-fast
func (e *Engine) failRun(ctx context.Context, run *models.WorkflowRun, runErr *models.RunError) {
	state, _ := e.store.GetWorkflowState(ctx, run.ID)
	e.finalizeRun(ctx, run, state, models.RunFailed, runErr)
	e.events.Publish(ctx, RunEvent{
		Type: EventRunFailed, RunID: run.ID, WorkflowID: run.WorkflowID, NodeID: runErr.NodeID, Error: runErr.Message,
	})
	e.logger.Warn("run failed", "run_id", run.ID, "node_id", runErr.NodeID, "code", runErr.Code, "error", runErr.Message)
}

// cancelRun finalizes a run as CANCELLED at a node boundary
func (e *Engine) cancelRun(ctx context.Context, run *models.WorkflowRun, nodeID string) {
	state, _ := e.store.GetWorkflowState(ctx, run.ID)
	e.finalizeRun(ctx, run, state, models.RunCancelled, &models.RunError{
		Code:    string(models.CodeCancelled),
		Message: "run cancelled",
		NodeID:  nodeID,
	})
	e.events.Publish(ctx, RunEvent{Type: EventRunCancelled, RunID: run.ID, WorkflowID: run.WorkflowID})
	e.logger.Info("run cancelled", "run_id", run.ID, "at_node", nodeID)
}

// finalizeRun persists the run's terminal status with its final state, then
// evicts the run's cache entries
func (e *Engine) finalizeRun(ctx context.Context, run *models.WorkflowRun, state *models.WorkflowState, status models.RunStatus, runErr *models.RunError) {
	// Finalization must survive a cancelled context
	ctx = context.WithoutCancel(ctx)

	now := time.Now().UTC()
	run.Status = status
	run.Error = runErr
	run.CompletedAt = &now
	if state != nil {
		state.Status = string(status)
		state.UpdatedAt = now
	}

	if err := e.withStoreRetry(ctx, "finalize run", func() error {
		return e.runs.Finalize(ctx, run, state)
	}); err != nil {
		e.logger.Error("failed to finalize run", "run_id", run.ID, "status", status, "error", err)
	}

	if e.metrics != nil && run.StartedAt != nil {
		e.metrics.RunFinished(string(status), now.Sub(*run.StartedAt))
	}
	if err := e.store.CleanupRun(ctx, run.ID); err != nil {
		e.logger.Warn("failed to clean run cache", "run_id", run.ID, "error", err)
	}
}

// finalize persists a terminal status for a run outside the graph walk, such
// as a PENDING run cancelled before start
func (e *Engine) finalize(ctx context.Context, run *models.WorkflowRun, state *models.WorkflowState, status models.RunStatus, runErr *models.RunError) {
	now := time.Now().UTC()
	run.Status = status
	run.Error = runErr
	run.CompletedAt = &now
	if err := e.runs.Finalize(context.WithoutCancel(ctx), run, state); err != nil {
		e.logger.Error("failed to finalize run", "run_id", run.ID, "status", status, "error", err)
	}
}

// withStoreRetry retries a state operation once before surfacing it as an
// infrastructure failure
func (e *Engine) withStoreRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	e.logger.Warn("state operation failed, retrying", "op", op, "error", err)

	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return models.NewInternal("StoreUnavailable", err)
	}

	if err := fn(); err != nil {
		return models.NewInternal("StoreUnavailable", err)
	}
	return nil
}
