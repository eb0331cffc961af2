// Package graph holds the in-memory prompt flow: nodes, edges and the
// structural invariants between them.
package graph

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/promptflow/internal/connection"
	"github.com/rendis/promptflow/pkg/schema"
)

// maxIDAttempts bounds retries when a provider returns an id already in use,
// e.g. a counter restarted over a loaded flow.
const maxIDAttempts = 64

// ConnectionChecker decides whether a candidate edge may be added.
type ConnectionChecker interface {
	Validate(topo connection.Topology, source, target *schema.FlowNode, sourceHandle, targetHandle string) schema.ConnectionResult
}

// EdgeRequest describes a candidate edge.
type EdgeRequest struct {
	Source       string
	Target       string
	SourceHandle string
	TargetHandle string
}

// Graph owns a flow's nodes and edges. Every mutator either succeeds
// completely or leaves the graph unchanged, and no edge ever references a
// missing node. Safe for concurrent use.
type Graph struct {
	mu sync.RWMutex

	id    string
	name  string
	nodes []*schema.FlowNode
	index map[string]*schema.FlowNode
	edges []schema.FlowEdge

	ids     IDProvider
	checker ConnectionChecker
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithIDProvider sets the id source for new nodes and edges.
func WithIDProvider(p IDProvider) Option {
	return func(g *Graph) { g.ids = p }
}

// WithChecker replaces the connection checker consulted by AddEdge.
func WithChecker(c ConnectionChecker) Option {
	return func(g *Graph) { g.checker = c }
}

// WithClock sets the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) { g.now = now }
}

// WithLogger sets the logger for mutations.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// WithIdentity sets the flow id and name.
func WithIdentity(id, name string) Option {
	return func(g *Graph) {
		g.id = id
		g.name = name
	}
}

// New creates an empty graph. Without options it uses UUID ids and the
// default connection rules.
func New(opts ...Option) *Graph {
	g := &Graph{
		index:  make(map[string]*schema.FlowNode),
		ids:    UUIDProvider{},
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.checker == nil {
		g.checker = connection.NewValidator(
			connection.DefaultRuleSet(),
			connection.DefaultCompatibility(),
			connection.WithLogger(g.logger),
		)
	}
	if g.id == "" {
		g.id = g.ids.NewID("flow")
	}
	return g
}

// Load builds a graph from a saved flow. Duplicate node or edge ids and
// edges referencing missing nodes are rejected and nothing is built. Loaded
// edges are not re-checked by the connection checker; run the validation
// pipeline to detect cycles in imported flows.
func Load(flow *schema.PromptFlow, opts ...Option) (*Graph, error) {
	if flow == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow is nil")
	}
	g := New(append([]Option{WithIdentity(flow.ID, flow.Name)}, opts...)...)

	for i := range flow.Nodes {
		n := flow.Nodes[i].Clone()
		if err := g.checkNode(&n); err != nil {
			return nil, err
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateID, "duplicate node id %q", n.ID).WithNode(n.ID)
		}
		g.appendNode(&n)
	}

	edgeIDs := make(map[string]bool, len(flow.Edges))
	for _, e := range flow.Edges {
		if e.ID == "" || edgeIDs[e.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateID, "missing or duplicate edge id %q", e.ID)
		}
		edgeIDs[e.ID] = true
		if err := g.checkEndpoints(e.Source, e.Target); err != nil {
			return nil, err
		}
		if g.hasEdge(e.Source, e.Target, e.SourceHandle, e.TargetHandle) {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateEdge, "duplicate edge %s -> %s", e.Source, e.Target)
		}
		g.edges = append(g.edges, e)
	}

	if obs, ok := g.ids.(idObserver); ok {
		for _, n := range g.nodes {
			obs.Observe(n.ID)
		}
		for _, e := range g.edges {
			obs.Observe(e.ID)
		}
	}
	return g, nil
}

// ID returns the flow id.
func (g *Graph) ID() string {
	return g.id
}

// AddNode creates a node of type t with a provider-issued id. A nil data
// gets the empty payload for t.
func (g *Graph) AddNode(t schema.NodeType, pos schema.Position, data schema.NodeData) (*schema.FlowNode, error) {
	if data == nil {
		var err error
		if data, err = schema.NewNodeData(t); err != nil {
			return nil, err
		}
	}
	n := &schema.FlowNode{Type: t, Position: pos, Data: data}
	if err := g.checkNode(n); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := g.freshID(string(t), g.hasNode)
	if err != nil {
		return nil, err
	}
	n.ID = id
	stored := n.Clone()
	g.appendNode(&stored)

	g.logger.Debug("node added", slog.String("node_id", id), slog.String("type", string(t)))
	out := stored.Clone()
	return &out, nil
}

// InsertNode adds a node with an explicit id, as for paste or import.
func (g *Graph) InsertNode(node schema.FlowNode) error {
	n := node.Clone()
	if n.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "node id is required")
	}
	if err := g.checkNode(&n); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.index[n.ID]; dup {
		return schema.NewErrorf(schema.ErrCodeDuplicateID, "duplicate node id %q", n.ID).WithNode(n.ID)
	}
	g.appendNode(&n)
	g.logger.Debug("node inserted", slog.String("node_id", n.ID), slog.String("type", string(n.Type)))
	return nil
}

// UpdateNodeData replaces a node's payload. The variant must match the
// node's type.
func (g *Graph) UpdateNodeData(id string, data schema.NodeData) error {
	if data == nil {
		return schema.NewError(schema.ErrCodeValidation, "node data is required").WithNode(id)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.index[id]
	if !ok {
		return nodeNotFound(id)
	}
	if data.NodeType() != n.Type {
		return schema.NewErrorf(schema.ErrCodeTypeMismatch, "%s data cannot be assigned to a %s node",
			data.NodeType(), n.Type).WithNode(id)
	}
	updated := schema.FlowNode{ID: n.ID, Type: n.Type, Position: n.Position, Data: data}.Clone()
	n.Data = updated.Data
	g.logger.Debug("node updated", slog.String("node_id", id))
	return nil
}

// MoveNode sets a node's canvas position.
func (g *Graph) MoveNode(id string, pos schema.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.index[id]
	if !ok {
		return nodeNotFound(id)
	}
	n.Position = pos
	return nil
}

// RemoveNode deletes a node and every edge touching it. The removed edges
// are returned in their original order.
func (g *Graph) RemoveNode(id string) ([]schema.FlowEdge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.index[id]; !ok {
		return nil, nodeNotFound(id)
	}

	var removed []schema.FlowEdge
	kept := make([]schema.FlowEdge, 0, len(g.edges))
	for _, e := range g.edges {
		if e.Source == id || e.Target == id {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept

	for i, n := range g.nodes {
		if n.ID == id {
			g.nodes = append(g.nodes[:i:i], g.nodes[i+1:]...)
			break
		}
	}
	delete(g.index, id)

	g.logger.Debug("node removed", slog.String("node_id", id), slog.Int("edges_removed", len(removed)))
	return removed, nil
}

// AddEdge checks a candidate edge and appends it when valid. Missing nodes
// and duplicate edges are structural errors. Otherwise the connection
// checker decides: an invalid result adds nothing and is returned with a nil
// edge and nil error.
func (g *Graph) AddEdge(req EdgeRequest) (*schema.FlowEdge, schema.ConnectionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkEndpoints(req.Source, req.Target); err != nil {
		return nil, schema.ConnectionResult{}, err
	}
	if g.hasEdge(req.Source, req.Target, req.SourceHandle, req.TargetHandle) {
		return nil, schema.ConnectionResult{}, schema.NewErrorf(schema.ErrCodeDuplicateEdge,
			"edge %s -> %s already exists", req.Source, req.Target)
	}

	res := g.checker.Validate(lockedTopology{g}, g.index[req.Source], g.index[req.Target], req.SourceHandle, req.TargetHandle)
	if !res.Valid {
		g.logger.Debug("edge blocked",
			slog.String("source", req.Source),
			slog.String("target", req.Target),
			slog.String("code", res.Code),
		)
		return nil, res, nil
	}

	id, err := g.freshID("edge", g.hasEdgeID)
	if err != nil {
		return nil, schema.ConnectionResult{}, err
	}
	e := schema.FlowEdge{
		ID:           id,
		Source:       req.Source,
		Target:       req.Target,
		SourceHandle: req.SourceHandle,
		TargetHandle: req.TargetHandle,
	}
	g.edges = append(g.edges, e)
	g.logger.Debug("edge added", slog.String("edge_id", id), slog.String("source", e.Source), slog.String("target", e.Target))
	return &e, res, nil
}

// RemoveEdge deletes an edge by id.
func (g *Graph) RemoveEdge(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, e := range g.edges {
		if e.ID == id {
			g.edges = append(g.edges[:i:i], g.edges[i+1:]...)
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeEdgeNotFound, "edge %q not found", id)
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (schema.FlowNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.index[id]
	if !ok {
		return schema.FlowNode{}, false
	}
	return n.Clone(), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []schema.FlowNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]schema.FlowNode, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.Clone()
	}
	return out
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []schema.FlowEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]schema.FlowEdge{}, g.edges...)
}

// Outgoing returns the edges leaving id.
func (g *Graph) Outgoing(id string) []schema.FlowEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []schema.FlowEdge
	for _, e := range g.edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns the edges entering id.
func (g *Graph) Incoming(id string) []schema.FlowEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []schema.FlowEdge
	for _, e := range g.edges {
		if e.Target == id {
			out = append(out, e)
		}
	}
	return out
}

// Reachable reports whether a directed path leads from one node to another.
// Every node reaches itself.
func (g *Graph) Reachable(from, to string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reachable(from, to)
}

// TopologicalOrder returns node ids in dependency order using Kahn's
// algorithm. Ready nodes are taken in id order so the result is stable.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		ids[i] = n.ID
	}
	return TopologicalSort(ids, g.edges)
}

// Snapshot returns a deep copy of the flow stamped with the current time.
func (g *Graph) Snapshot() *schema.PromptFlow {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f := &schema.PromptFlow{
		ID:        g.id,
		Name:      g.name,
		Nodes:     make([]schema.FlowNode, len(g.nodes)),
		Edges:     append([]schema.FlowEdge{}, g.edges...),
		UpdatedAt: g.now().UTC(),
	}
	for i, n := range g.nodes {
		f.Nodes[i] = n.Clone()
	}
	return f
}

// TopologicalSort orders ids so every edge points forward. Edges touching
// ids outside the list are ignored. A cycle yields a CYCLE_DETECTED error.
func TopologicalSort(ids []string, edges []schema.FlowEdge) ([]string, error) {
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	next := make(map[string][]string, len(ids))
	for _, e := range edges {
		_, okS := inDegree[e.Source]
		_, okT := inDegree[e.Target]
		if !okS || !okT {
			continue
		}
		next[e.Source] = append(next[e.Source], e.Target)
		inDegree[e.Target]++
	}

	var ready []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	sorted := make([]string, 0, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		var released []string
		for _, t := range next[id] {
			inDegree[t]--
			if inDegree[t] == 0 {
				released = append(released, t)
			}
		}
		sort.Strings(released)
		ready = append(ready, released...)
	}

	if len(sorted) != len(ids) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "flow contains a cycle")
	}
	return sorted, nil
}

// lockedTopology exposes reachability to the checker while AddEdge already
// holds the graph lock.
type lockedTopology struct{ g *Graph }

func (t lockedTopology) Reachable(from, to string) bool {
	return t.g.reachable(from, to)
}

func (g *Graph) reachable(from, to string) bool {
	if from == to {
		_, ok := g.index[from]
		return ok
	}
	next := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		next[e.Source] = append(next[e.Source], e.Target)
	}

	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range next[cur] {
			if t == to {
				return true
			}
			if !seen[t] {
				seen[t] = true
				queue = append(queue, t)
			}
		}
	}
	return false
}

func (g *Graph) checkNode(n *schema.FlowNode) error {
	if !n.Type.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", n.Type).WithNode(n.ID)
	}
	if n.Data == nil {
		return schema.NewError(schema.ErrCodeValidation, "node data is required").WithNode(n.ID)
	}
	if n.Data.NodeType() != n.Type {
		return schema.NewErrorf(schema.ErrCodeTypeMismatch, "%s data cannot be assigned to a %s node",
			n.Data.NodeType(), n.Type).WithNode(n.ID)
	}
	return nil
}

func (g *Graph) checkEndpoints(source, target string) error {
	if _, ok := g.index[source]; !ok {
		return schema.NewErrorf(schema.ErrCodeNodeNotFound, "source node %q not found", source).WithNode(source)
	}
	if _, ok := g.index[target]; !ok {
		return schema.NewErrorf(schema.ErrCodeNodeNotFound, "target node %q not found", target).WithNode(target)
	}
	return nil
}

func (g *Graph) hasEdge(source, target, sh, th string) bool {
	for _, e := range g.edges {
		if e.Source == source && e.Target == target && e.SourceHandle == sh && e.TargetHandle == th {
			return true
		}
	}
	return false
}

func (g *Graph) hasNode(id string) bool {
	_, ok := g.index[id]
	return ok
}

func (g *Graph) hasEdgeID(id string) bool {
	for _, e := range g.edges {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (g *Graph) appendNode(n *schema.FlowNode) {
	g.nodes = append(g.nodes, n)
	g.index[n.ID] = n
}

func (g *Graph) freshID(kind string, taken func(string) bool) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := g.ids.NewID(kind)
		if id != "" && !taken(id) {
			return id, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeDuplicateID, "id provider kept returning ids already in use for %s", kind)
}

func nodeNotFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeNodeNotFound, "node %q not found", id).WithNode(id)
}
