package models

import (
	"fmt"
	"time"
)

// StateScope addresses one of the three state namespaces
type StateScope string

const (
	ScopeWorkflow StateScope = "workflow"
	ScopeNode     StateScope = "node"
	ScopeGlobal   StateScope = "global"
)

// NodeStateType classifies a node-scoped state record
type NodeStateType string

const (
	StateInput        NodeStateType = "input"
	StateOutput       NodeStateType = "output"
	StateIntermediate NodeStateType = "intermediate"
	StateConfig       NodeStateType = "config"
)

// StateKey addresses a single state value across both tiers
type StateKey struct {
	Scope  StateScope
	RunID  string
	NodeID string
	SubKey string
}

// String renders the cache-tier key for this address
func (k StateKey) String() string {
	switch k.Scope {
	case ScopeWorkflow:
		return fmt.Sprintf("state:wf:%s", k.RunID)
	case ScopeNode:
		return fmt.Sprintf("state:node:%s:%s:%s", k.RunID, k.NodeID, k.SubKey)
	case ScopeGlobal:
		return fmt.Sprintf("state:global:%s", k.SubKey)
	}
	return fmt.Sprintf("state:%s:%s:%s:%s", k.Scope, k.RunID, k.NodeID, k.SubKey)
}

// WorkflowState is the single run-scoped state object, 1:1 with a run.
// NodeOutputs mirrors the authoritative per-node outputs for cheap lookup.
// Maps to: workflow_states table
type WorkflowState struct {
	RunID         string          `db:"run_id" json:"run_id"`
	Status        string          `db:"status" json:"status"`
	StartedAt     time.Time       `db:"started_at" json:"started_at"`
	Variables     map[string]any  `db:"variables" json:"variables"`
	NodeOutputs   map[string]any  `db:"node_outputs" json:"node_outputs"`
	ExecutionPath []ExecutionStep `db:"execution_path" json:"execution_path"`
	TriggerData   map[string]any  `db:"trigger_data" json:"trigger_data,omitempty"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// ExecutionStep is one append-only entry in a run's execution path
type ExecutionStep struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// NodeState is a generic audit record keyed by (run, node, type)
// Maps to: node_states table
type NodeState struct {
	RunID     string        `db:"run_id" json:"run_id"`
	NodeID    string        `db:"node_id" json:"node_id"`
	StateType NodeStateType `db:"state_type" json:"state_type"`
	Payload   any           `db:"payload" json:"payload"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// NodeInput is the canonical envelope supplied to every executor
type NodeInput struct {
	Workflow NodeInputWorkflow `json:"workflow"`
	Nodes    map[string]any    `json:"nodes"`
	Trigger  map[string]any    `json:"trigger,omitempty"`
	Previous map[string]any    `json:"previous,omitempty"`
}

// NodeInputWorkflow carries run-level context inside the input envelope
type NodeInputWorkflow struct {
	RunID     string         `json:"run_id"`
	Status    string         `json:"status"`
	Variables map[string]any `json:"variables"`
}
