// Package storage provides the labeled property graph engines that back
// OrganicDB's engine-based graph store.
//
// The package defines the Engine interface and two implementations:
//   - MemoryEngine: in-memory storage for tests and ephemeral processes
//   - BadgerEngine: persistent disk-based storage on BadgerDB
//
// Entities, modules and learned pattern summaries are all stored as nodes;
// explicit module membership is stored as CONTAINS edges.
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine("moduleId")
//	defer engine.Close()
//
//	engine.CreateNode(&storage.Node{
//		ID:         "lead-1",
//		Labels:     []string{"Lead"},
//		Properties: map[string]any{"email": "a@b.com"},
//		CreatedAt:  time.Now(),
//	})
//
//	leads, _ := engine.GetNodesByLabel("Lead")
//	fmt.Printf("Found %d leads\n", len(leads))
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges.
type EdgeID string

// Node is a vertex in the labeled property graph.
//
// Labels carry the node's type ("Lead", "Module", "AttributePattern").
// Properties hold arbitrary JSON-compatible values; after a round trip
// through BadgerEngine numbers come back as float64.
//
// Node structs are NOT thread-safe. The storage engine handles concurrency.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// HasLabel reports whether the node carries label (case-insensitive).
func (n *Node) HasLabel(label string) bool {
	want := normalizeLabel(label)
	for _, l := range n.Labels {
		if normalizeLabel(l) == want {
			return true
		}
	}
	return false
}

// Edge is a directed relationship between two nodes.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Engine defines the storage engine interface for graph operations.
//
// All Engine implementations MUST be thread-safe. CreateNode fails with
// ErrAlreadyExists if the ID is taken; UpdateNode fails with ErrNotFound if
// it is not. Returned nodes and edges are copies the caller may mutate.
type Engine interface {
	// Node operations
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	UpdateNode(node *Node) error
	DeleteNode(id NodeID) error

	// Edge operations
	CreateEdge(edge *Edge) error
	DeleteEdge(id EdgeID) error

	// Query operations
	GetNodesByLabel(label string) ([]*Node, error)
	GetNodesByProperty(key, value string) ([]*Node, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	GetEdgeBetween(startID, endID NodeID, edgeType string) *Edge
	AllNodes() ([]*Node, error)

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	// Lifecycle
	Close() error
}

func copyProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	labels := make([]string, len(n.Labels))
	copy(labels, n.Labels)
	return &Node{
		ID:         n.ID,
		Labels:     labels,
		Properties: copyProperties(n.Properties),
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
	}
}

func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}
	return &Edge{
		ID:         e.ID,
		StartNode:  e.StartNode,
		EndNode:    e.EndNode,
		Type:       e.Type,
		Properties: copyProperties(e.Properties),
		CreatedAt:  e.CreatedAt,
	}
}
