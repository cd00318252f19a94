package models

import (
	"strings"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "DRAFT"
	WorkflowActive   WorkflowStatus = "ACTIVE"
	WorkflowArchived WorkflowStatus = "ARCHIVED"
)

// Workflow is a saved, versioned DAG definition
// Maps to: workflows table
type Workflow struct {
	ID          string         `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	Description string         `db:"description" json:"description,omitempty"`
	Version     int            `db:"version" json:"version"`
	Definition  Definition     `db:"definition" json:"definition"`
	Status      WorkflowStatus `db:"status" json:"status"`
	CreatedBy   string         `db:"created_by" json:"created_by"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// Definition is the DAG of typed nodes a workflow executes
type Definition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is a unit of work within a workflow definition
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Config   map[string]any `json:"config,omitempty"`
	Position map[string]any `json:"position,omitempty"` // layout hint, ignored by the engine
}

// Edge connects two nodes. A nil Condition means the edge is always
// traversed; a set Condition gates traversal on its boolean result.
type Edge struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Condition *string `json:"condition,omitempty"`
}

// HasCondition reports whether this edge carries a non-blank condition
func (e *Edge) HasCondition() bool {
	return e.Condition != nil && strings.TrimSpace(*e.Condition) != ""
}

// CanExecute reports whether new runs may be started from this workflow
func (w *Workflow) CanExecute() bool {
	return w.Status == WorkflowActive
}

// NodeByID returns the node with the given id, or nil
func (d *Definition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NodeIndex returns the position of a node in the definition order, or -1
func (d *Definition) NodeIndex(id string) int {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// IsTrigger reports whether the node type names a trigger
func (n *Node) IsTrigger() bool {
	return strings.HasSuffix(n.Type, "Trigger")
}
