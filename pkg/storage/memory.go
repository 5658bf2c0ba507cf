package storage

import (
	"strings"
	"sync"
)

// normalizeLabel converts a label to lowercase for case-insensitive matching.
func normalizeLabel(label string) string {
	return strings.ToLower(label)
}

// idSet is a set of node or edge ids.
type idSet[T comparable] map[T]struct{}

func (s idSet[T]) add(id T)    { s[id] = struct{}{} }
func (s idSet[T]) remove(id T) { delete(s, id) }

// MemoryEngine is a thread-safe in-memory graph engine.
//
// It keeps the same indexes as BadgerEngine (labels, adjacency and the
// configured string properties) so both engines answer queries the same
// way. Returned nodes and edges are deep copies.
type MemoryEngine struct {
	mu     sync.RWMutex
	closed bool

	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	byLabel  map[string]idSet[NodeID]
	outgoing map[NodeID]idSet[EdgeID]
	incoming map[NodeID]idSet[EdgeID]

	// byProperty maps key -> value -> nodes for the indexed keys.
	byProperty map[string]map[string]idSet[NodeID]
}

// NewMemoryEngine creates an empty in-memory engine. String values of the
// indexed property keys can be looked up with GetNodesByProperty without a
// scan.
//
// Example:
//
//	engine := storage.NewMemoryEngine("moduleId")
//	defer engine.Close()
func NewMemoryEngine(indexed ...string) *MemoryEngine {
	m := &MemoryEngine{
		nodes:      make(map[NodeID]*Node),
		edges:      make(map[EdgeID]*Edge),
		byLabel:    make(map[string]idSet[NodeID]),
		outgoing:   make(map[NodeID]idSet[EdgeID]),
		incoming:   make(map[NodeID]idSet[EdgeID]),
		byProperty: make(map[string]map[string]idSet[NodeID]),
	}
	for _, key := range indexed {
		m.byProperty[key] = make(map[string]idSet[NodeID])
	}
	return m
}

func (m *MemoryEngine) read(fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return fn()
}

func (m *MemoryEngine) write(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return fn()
}

// CreateNode stores a deep copy of node.
func (m *MemoryEngine) CreateNode(node *Node) error {
	if err := checkNode(node); err != nil {
		return err
	}
	return m.write(func() error {
		if _, taken := m.nodes[node.ID]; taken {
			return ErrAlreadyExists
		}
		m.putNode(copyNode(node))
		return nil
	})
}

// GetNode returns a copy of the node with the given id.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	var out *Node
	err := m.read(func() error {
		n, ok := m.nodes[id]
		if !ok {
			return ErrNotFound
		}
		out = copyNode(n)
		return nil
	})
	return out, err
}

// UpdateNode replaces an existing node and re-indexes it.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if err := checkNode(node); err != nil {
		return err
	}
	return m.write(func() error {
		old, ok := m.nodes[node.ID]
		if !ok {
			return ErrNotFound
		}
		m.unindexNode(old)
		m.putNode(copyNode(node))
		return nil
	})
}

// DeleteNode removes a node together with every edge touching it.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}
	return m.write(func() error {
		n, ok := m.nodes[id]
		if !ok {
			return ErrNotFound
		}
		for edgeID := range m.outgoing[id] {
			m.dropEdge(edgeID)
		}
		for edgeID := range m.incoming[id] {
			m.dropEdge(edgeID)
		}
		delete(m.outgoing, id)
		delete(m.incoming, id)
		m.unindexNode(n)
		delete(m.nodes, id)
		return nil
	})
}

// CreateEdge stores a directed edge between two existing nodes.
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	return m.write(func() error {
		if _, taken := m.edges[edge.ID]; taken {
			return ErrAlreadyExists
		}
		if m.nodes[edge.StartNode] == nil || m.nodes[edge.EndNode] == nil {
			return ErrInvalidEdge
		}
		m.edges[edge.ID] = copyEdge(edge)
		setFor(m.outgoing, edge.StartNode).add(edge.ID)
		setFor(m.incoming, edge.EndNode).add(edge.ID)
		return nil
	})
}

// DeleteEdge removes an edge.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}
	return m.write(func() error {
		if m.edges[id] == nil {
			return ErrNotFound
		}
		m.dropEdge(id)
		return nil
	})
}

// GetNodesByLabel returns copies of the nodes carrying label, matched
// case-insensitively.
func (m *MemoryEngine) GetNodesByLabel(label string) ([]*Node, error) {
	var out []*Node
	err := m.read(func() error {
		out = m.collect(m.byLabel[normalizeLabel(label)])
		return nil
	})
	return out, err
}

// GetNodesByProperty returns copies of the nodes whose key property is the
// string value. Indexed keys are answered from the index; other keys scan.
func (m *MemoryEngine) GetNodesByProperty(key, value string) ([]*Node, error) {
	var out []*Node
	err := m.read(func() error {
		if index, ok := m.byProperty[key]; ok {
			out = m.collect(index[value])
			return nil
		}
		out = []*Node{}
		for _, n := range m.nodes {
			if v, ok := n.Properties[key].(string); ok && v == value {
				out = append(out, copyNode(n))
			}
		}
		return nil
	})
	return out, err
}

// GetOutgoingEdges returns the edges starting at nodeID.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.edgesOf(nodeID, m.outgoing)
}

// GetIncomingEdges returns the edges ending at nodeID.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.edgesOf(nodeID, m.incoming)
}

func (m *MemoryEngine) edgesOf(nodeID NodeID, index map[NodeID]idSet[EdgeID]) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}
	var out []*Edge
	err := m.read(func() error {
		out = make([]*Edge, 0, len(index[nodeID]))
		for id := range index[nodeID] {
			if e := m.edges[id]; e != nil {
				out = append(out, copyEdge(e))
			}
		}
		return nil
	})
	return out, err
}

// GetEdgeBetween returns an edge from source to target with the given type,
// or nil. An empty edgeType matches any type.
func (m *MemoryEngine) GetEdgeBetween(source, target NodeID, edgeType string) *Edge {
	var found *Edge
	_ = m.read(func() error {
		for id := range m.outgoing[source] {
			e := m.edges[id]
			if e != nil && e.EndNode == target && (edgeType == "" || e.Type == edgeType) {
				found = copyEdge(e)
				break
			}
		}
		return nil
	})
	return found
}

// AllNodes returns copies of every node.
func (m *MemoryEngine) AllNodes() ([]*Node, error) {
	var out []*Node
	err := m.read(func() error {
		out = make([]*Node, 0, len(m.nodes))
		for _, n := range m.nodes {
			out = append(out, copyNode(n))
		}
		return nil
	})
	return out, err
}

// NodeCount returns the number of nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	var n int64
	err := m.read(func() error {
		n = int64(len(m.nodes))
		return nil
	})
	return n, err
}

// EdgeCount returns the number of edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	var n int64
	err := m.read(func() error {
		n = int64(len(m.edges))
		return nil
	})
	return n, err
}

// Close drops all data. Later calls fail with ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.nodes, m.edges = nil, nil
	m.byLabel, m.byProperty = nil, nil
	m.outgoing, m.incoming = nil, nil
	return nil
}

// putNode stores n and indexes it. Caller holds the write lock.
func (m *MemoryEngine) putNode(n *Node) {
	m.nodes[n.ID] = n
	for _, label := range n.Labels {
		setFor(m.byLabel, normalizeLabel(label)).add(n.ID)
	}
	for key, index := range m.byProperty {
		if v, ok := n.Properties[key].(string); ok {
			setFor(index, v).add(n.ID)
		}
	}
}

// unindexNode removes n from the label and property indexes.
func (m *MemoryEngine) unindexNode(n *Node) {
	for _, label := range n.Labels {
		if set := m.byLabel[normalizeLabel(label)]; set != nil {
			set.remove(n.ID)
		}
	}
	for key, index := range m.byProperty {
		if v, ok := n.Properties[key].(string); ok && index[v] != nil {
			index[v].remove(n.ID)
		}
	}
}

// dropEdge removes an edge and its adjacency entries.
func (m *MemoryEngine) dropEdge(id EdgeID) {
	e := m.edges[id]
	if e == nil {
		return
	}
	if set := m.outgoing[e.StartNode]; set != nil {
		set.remove(id)
	}
	if set := m.incoming[e.EndNode]; set != nil {
		set.remove(id)
	}
	delete(m.edges, id)
}

func (m *MemoryEngine) collect(ids idSet[NodeID]) []*Node {
	out := make([]*Node, 0, len(ids))
	for id := range ids {
		if n := m.nodes[id]; n != nil {
			out = append(out, copyNode(n))
		}
	}
	return out
}

func setFor[K comparable, T comparable](index map[K]idSet[T], key K) idSet[T] {
	set := index[key]
	if set == nil {
		set = make(idSet[T])
		index[key] = set
	}
	return set
}

func checkNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	return nil
}
