package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes keep keys short and scans cheap.
const (
	prefixNode          = byte(0x01) // node:nodeID -> Node
	prefixEdge          = byte(0x02) // edge:edgeID -> Edge
	prefixLabelIndex    = byte(0x03) // label:labelName\x00nodeID -> {}
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID\x00edgeID -> {}
	prefixIncomingIndex = byte(0x05) // incoming:nodeID\x00edgeID -> {}
	prefixPropertyIndex = byte(0x06) // property:key\x00value\x00nodeID -> {}
)

// BadgerEngine provides persistent graph storage on BadgerDB.
//
// Every write runs in a single Badger transaction, so a node and its label
// index entries (or an edge and its adjacency entries) land atomically.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db      *badger.DB
	indexed []string
	mu      sync.RWMutex // guards closed
	closed  bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB without touching disk. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil keeps Badger quiet.
	Logger badger.Logger

	// IndexedProperties are node property keys whose string values are
	// indexed for GetNodesByProperty. Changing the set does not reindex
	// existing nodes.
	IndexedProperties []string
}

// NewBadgerEngine opens (or creates) a persistent engine in dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory opens a BadgerDB engine that keeps everything in RAM.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions opens a BadgerDB engine with explicit options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.Logger)

	// Low memory settings for containerized deployments.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerEngine{db: db, indexed: opts.IndexedProperties}, nil
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

// indexKey builds prefix + owner + 0x00 + member.
func indexKey(prefix byte, owner, member string) []byte {
	key := make([]byte, 0, 2+len(owner)+len(member))
	key = append(key, prefix)
	key = append(key, owner...)
	key = append(key, 0x00)
	key = append(key, member...)
	return key
}

// indexPrefix builds prefix + owner + 0x00 for scans.
func indexPrefix(prefix byte, owner string) []byte {
	return indexKey(prefix, owner, "")
}

func labelIndexKey(label string, id NodeID) []byte {
	return indexKey(prefixLabelIndex, normalizeLabel(label), string(id))
}

func propertyIndexKey(key, value string, id NodeID) []byte {
	return indexKey(prefixPropertyIndex, key+"\x00"+value, string(id))
}

func outgoingIndexKey(nodeID NodeID, edgeID EdgeID) []byte {
	return indexKey(prefixOutgoingIndex, string(nodeID), string(edgeID))
}

func incomingIndexKey(nodeID NodeID, edgeID EdgeID) []byte {
	return indexKey(prefixIncomingIndex, string(nodeID), string(edgeID))
}

// memberFromIndexKey returns the part of an index key after the separator.
func memberFromIndexKey(key []byte, prefixLen int) string {
	if prefixLen >= len(key) {
		return ""
	}
	return string(key[prefixLen:])
}

// ============================================================================
// Transaction helpers
// ============================================================================

func (b *BadgerEngine) view(fn func(txn *badger.Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return b.db.View(fn)
}

func (b *BadgerEngine) update(fn func(txn *badger.Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return b.db.Update(fn)
}

// scanKeys calls fn with every key under prefix. Values are not prefetched.
func scanKeys(txn *badger.Txn, prefix []byte, fn func(key []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := fn(it.Item().KeyCopy(nil)); err != nil {
			return err
		}
	}
	return nil
}

func readNode(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var node Node
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &node)
	}); err != nil {
		return nil, fmt.Errorf("decoding node %s: %w", id, err)
	}
	return &node, nil
}

func readEdge(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var edge Edge
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &edge)
	}); err != nil {
		return nil, fmt.Errorf("decoding edge %s: %w", id, err)
	}
	return &edge, nil
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ============================================================================
// Node Operations
// ============================================================================

// CreateNode creates a new node in persistent storage.
func (b *BadgerEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	return b.update(func(txn *badger.Txn) error {
		found, err := exists(txn, nodeKey(node.ID))
		if err != nil {
			return err
		}
		if found {
			return ErrAlreadyExists
		}
		return b.writeNode(txn, node)
	})
}

// indexKeys returns every label and property index key of node.
func (b *BadgerEngine) indexKeys(node *Node) [][]byte {
	keys := make([][]byte, 0, len(node.Labels)+len(b.indexed))
	for _, label := range node.Labels {
		keys = append(keys, labelIndexKey(label, node.ID))
	}
	for _, key := range b.indexed {
		if v, ok := node.Properties[key].(string); ok {
			keys = append(keys, propertyIndexKey(key, v, node.ID))
		}
	}
	return keys
}

func (b *BadgerEngine) writeNode(txn *badger.Txn, node *Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	if err := txn.Set(nodeKey(node.ID), data); err != nil {
		return err
	}
	for _, key := range b.indexKeys(node) {
		if err := txn.Set(key, []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerEngine) unindexNode(txn *badger.Txn, node *Node) error {
	for _, key := range b.indexKeys(node) {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	var node *Node
	err := b.view(func(txn *badger.Txn) error {
		var err error
		node, err = readNode(txn, id)
		return err
	})
	return node, err
}

// UpdateNode replaces an existing node and rewrites its index entries.
func (b *BadgerEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	return b.update(func(txn *badger.Txn) error {
		existing, err := readNode(txn, node.ID)
		if err != nil {
			return err
		}
		if err := b.unindexNode(txn, existing); err != nil {
			return err
		}
		return b.writeNode(txn, node)
	})
}

// DeleteNode removes a node and all its edges.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}

	return b.update(func(txn *badger.Txn) error {
		node, err := readNode(txn, id)
		if err != nil {
			return err
		}
		if err := b.unindexNode(txn, node); err != nil {
			return err
		}

		var edgeIDs []EdgeID
		for _, p := range []byte{prefixOutgoingIndex, prefixIncomingIndex} {
			prefix := indexPrefix(p, string(id))
			if err := scanKeys(txn, prefix, func(key []byte) error {
				edgeIDs = append(edgeIDs, EdgeID(memberFromIndexKey(key, len(prefix))))
				return nil
			}); err != nil {
				return err
			}
		}
		for _, edgeID := range edgeIDs {
			if err := deleteEdgeInTxn(txn, edgeID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		return txn.Delete(nodeKey(id))
	})
}

// ============================================================================
// Edge Operations
// ============================================================================

// CreateEdge creates a new edge between two existing nodes.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	return b.update(func(txn *badger.Txn) error {
		found, err := exists(txn, edgeKey(edge.ID))
		if err != nil {
			return err
		}
		if found {
			return ErrAlreadyExists
		}
		for _, endpoint := range []NodeID{edge.StartNode, edge.EndNode} {
			ok, err := exists(txn, nodeKey(endpoint))
			if err != nil {
				return err
			}
			if !ok {
				return ErrInvalidEdge
			}
		}

		data, err := json.Marshal(edge)
		if err != nil {
			return fmt.Errorf("failed to encode edge: %w", err)
		}
		if err := txn.Set(edgeKey(edge.ID), data); err != nil {
			return err
		}
		if err := txn.Set(outgoingIndexKey(edge.StartNode, edge.ID), []byte{}); err != nil {
			return err
		}
		return txn.Set(incomingIndexKey(edge.EndNode, edge.ID), []byte{})
	})
}

// DeleteEdge removes an edge.
func (b *BadgerEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}
	return b.update(func(txn *badger.Txn) error {
		return deleteEdgeInTxn(txn, id)
	})
}

func deleteEdgeInTxn(txn *badger.Txn, id EdgeID) error {
	edge, err := readEdge(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(outgoingIndexKey(edge.StartNode, id)); err != nil {
		return err
	}
	if err := txn.Delete(incomingIndexKey(edge.EndNode, id)); err != nil {
		return err
	}
	return txn.Delete(edgeKey(id))
}

// ============================================================================
// Query Operations
// ============================================================================

// GetNodesByLabel returns all nodes with the specified label.
func (b *BadgerEngine) GetNodesByLabel(label string) ([]*Node, error) {
	return b.nodesFromIndex(indexPrefix(prefixLabelIndex, normalizeLabel(label)))
}

// GetNodesByProperty returns the nodes whose key property is the string
// value. Indexed keys are answered from the index; other keys scan.
func (b *BadgerEngine) GetNodesByProperty(key, value string) ([]*Node, error) {
	for _, k := range b.indexed {
		if k == key {
			return b.nodesFromIndex(indexPrefix(prefixPropertyIndex, key+"\x00"+value))
		}
	}

	all, err := b.AllNodes()
	if err != nil {
		return nil, err
	}
	nodes := []*Node{}
	for _, n := range all {
		if v, ok := n.Properties[key].(string); ok && v == value {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

func (b *BadgerEngine) nodesFromIndex(prefix []byte) ([]*Node, error) {
	nodes := []*Node{}
	err := b.view(func(txn *badger.Txn) error {
		return scanKeys(txn, prefix, func(key []byte) error {
			id := NodeID(memberFromIndexKey(key, len(prefix)))
			node, err := readNode(txn, id)
			if errors.Is(err, ErrNotFound) {
				return nil // index entry outlived its node
			}
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetOutgoingEdges returns all edges whose start node is nodeID.
func (b *BadgerEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacent(prefixOutgoingIndex, nodeID)
}

// GetIncomingEdges returns all edges whose end node is nodeID.
func (b *BadgerEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacent(prefixIncomingIndex, nodeID)
}

func (b *BadgerEngine) adjacent(indexType byte, nodeID NodeID) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	edges := []*Edge{}
	err := b.view(func(txn *badger.Txn) error {
		prefix := indexPrefix(indexType, string(nodeID))
		return scanKeys(txn, prefix, func(key []byte) error {
			edge, err := readEdge(txn, EdgeID(memberFromIndexKey(key, len(prefix))))
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			edges = append(edges, edge)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// GetEdgeBetween returns an edge from source to target with the given type,
// or nil. An empty edgeType matches any type.
func (b *BadgerEngine) GetEdgeBetween(source, target NodeID, edgeType string) *Edge {
	edges, err := b.GetOutgoingEdges(source)
	if err != nil {
		return nil
	}
	for _, edge := range edges {
		if edge.EndNode == target && (edgeType == "" || edge.Type == edgeType) {
			return edge
		}
	}
	return nil
}

// AllNodes returns every node.
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	nodes := []*Node{}
	err := b.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixNode}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var node Node
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &node)
			}); err != nil {
				return err
			}
			nodes = append(nodes, &node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// ============================================================================
// Stats and Lifecycle
// ============================================================================

// NodeCount returns the total number of nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.countPrefix(prefixNode)
}

// EdgeCount returns the total number of edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixEdge)
}

func (b *BadgerEngine) countPrefix(prefix byte) (int64, error) {
	var count int64
	err := b.view(func(txn *badger.Txn) error {
		return scanKeys(txn, []byte{prefix}, func([]byte) error {
			count++
			return nil
		})
	})
	return count, err
}

// Close closes the BadgerDB database. Closing twice is a no-op.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
