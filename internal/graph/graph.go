package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomhq/loom/internal/spec"
	"github.com/loomhq/loom/pkg/schema"
)

// Graph is the immutable adjacency view of a workflow, rebuilt once per
// execution and safe to share across concurrent executions.
type Graph struct {
	Nodes map[string]*schema.NodeInstance
	// Out and In hold data edges only, keyed by endpoint node ID.
	Out map[string][]*schema.Connection
	In  map[string][]*schema.Connection
	// LoopEdges holds explicit loop back-edges, excluded from the
	// acyclicity check and interpreted by the scheduler.
	LoopEdges []*schema.Connection
	// Triggers are entry points: zero data-edge predecessors or
	// trigger-typed nodes.
	Triggers []string
	// Sorted is a topological order of all nodes over data edges.
	Sorted []string
	// LoopBodies maps each for-each node to the topologically ordered set
	// of nodes reachable only through it. The scheduler fires these once
	// per iteration instead of through the normal frontier.
	LoopBodies map[string][]string
}

// Build validates nodes and connections and constructs the Graph.
// Validation failures return GRAPH_ERROR/VALIDATION_ERROR/SPEC_NOT_FOUND;
// data cycles return CYCLE_DETECTED naming the participating node IDs.
func Build(def *schema.WorkflowDefinition, specs *spec.Registry) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	g := &Graph{
		Nodes:      make(map[string]*schema.NodeInstance, len(def.Nodes)),
		Out:        make(map[string][]*schema.Connection),
		In:         make(map[string][]*schema.Connection),
		LoopBodies: make(map[string][]string),
	}

	// First pass: register nodes, check duplicates and spec existence.
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if _, err := schema.ParseNodeType(string(node.Type)); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s: unknown type %q", node.ID, node.Type).WithNode(node.ID)
		}
		if specs != nil && !specs.Has(node.Type, node.Subtype) {
			return nil, schema.NewErrorf(schema.ErrCodeSpecNotFound, "node %s: no spec for %s/%s",
				node.ID, node.Type, node.Subtype).WithNode(node.ID)
		}
		g.Nodes[node.ID] = node
	}

	// Second pass: required configuration keys per spec.
	if specs != nil {
		for _, node := range g.Nodes {
			sp, err := specs.Get(node.Type, node.Subtype)
			if err != nil {
				return nil, err
			}
			var missing []string
			for _, key := range sp.RequiredConfigKeys() {
				if _, ok := node.Configurations[key]; !ok {
					missing = append(missing, key)
				}
			}
			if len(missing) > 0 {
				sort.Strings(missing)
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"node %s missing required configuration keys: %s",
					node.ID, strings.Join(missing, ", ")).WithNode(node.ID)
			}
		}
	}

	// Third pass: attached node references.
	for _, node := range g.Nodes {
		for _, att := range node.AttachedNodes {
			if _, ok := g.Nodes[att]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeGraph,
					"node %s references non-existent attached node: %s", node.ID, att).WithNode(node.ID)
			}
		}
	}

	// Fourth pass: connections — referential integrity and adjacency.
	for i := range def.Connections {
		conn := &def.Connections[i]
		if _, ok := g.Nodes[conn.FromNode]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeGraph,
				"connection %d references non-existent from_node: %s", i, conn.FromNode)
		}
		if _, ok := g.Nodes[conn.ToNode]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeGraph,
				"connection %d references non-existent to_node: %s", i, conn.ToNode)
		}
		if conn.OutputKey == "" {
			conn.OutputKey = schema.OutputKeyDefault
		}
		if conn.Kind == "" {
			conn.Kind = schema.ConnectionKindData
		}
		if conn.Kind == schema.ConnectionKindLoop {
			g.LoopEdges = append(g.LoopEdges, conn)
			continue
		}
		g.Out[conn.FromNode] = append(g.Out[conn.FromNode], conn)
		g.In[conn.ToNode] = append(g.In[conn.ToNode], conn)
	}

	// Loop edges may only originate from or return to for-each nodes.
	for _, conn := range g.LoopEdges {
		from, to := g.Nodes[conn.FromNode], g.Nodes[conn.ToNode]
		if !isForEach(from) && !isForEach(to) {
			return nil, schema.NewErrorf(schema.ErrCodeGraph,
				"loop connection %s -> %s must touch a for-each node", conn.FromNode, conn.ToNode)
		}
	}

	if err := g.topoSort(); err != nil {
		return nil, err
	}

	g.computeTriggers()
	g.computeLoopBodies()

	return g, nil
}

// topoSort runs Kahn's algorithm over data edges, detecting cycles.
func (g *Graph) topoSort() error {
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.In[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		next := make([]string, 0, len(g.Out[id]))
		for _, conn := range g.Out[id] {
			inDegree[conn.ToNode]--
			if inDegree[conn.ToNode] == 0 {
				next = append(next, conn.ToNode)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(sorted) != len(g.Nodes) {
		var cyclic []string
		inSorted := make(map[string]bool, len(sorted))
		for _, id := range sorted {
			inSorted[id] = true
		}
		for id := range g.Nodes {
			if !inSorted[id] {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"workflow contains a data cycle involving nodes: %s", strings.Join(cyclic, ", ")).
			WithDetails(map[string]any{"nodes": cyclic})
	}

	g.Sorted = sorted
	return nil
}

// computeTriggers collects entry points: zero data-edge predecessors or
// explicitly trigger-typed nodes.
func (g *Graph) computeTriggers() {
	seen := make(map[string]bool)
	for id, node := range g.Nodes {
		if len(g.In[id]) == 0 || node.Type == schema.NodeTypeTrigger {
			seen[id] = true
		}
	}
	g.Triggers = make([]string, 0, len(seen))
	for id := range seen {
		g.Triggers = append(g.Triggers, id)
	}
	sort.Strings(g.Triggers)
}

// computeLoopBodies determines, for every for-each node, which downstream
// nodes belong to its iteration body: the descendants that are unreachable
// from any trigger once the for-each node is removed.
func (g *Graph) computeLoopBodies() {
	for id, node := range g.Nodes {
		if !isForEach(node) {
			continue
		}

		descendants := g.reachableFrom(id, "")
		delete(descendants, id)
		if len(descendants) == 0 {
			continue
		}

		// Reachability from all triggers with the for-each node removed.
		outside := make(map[string]bool)
		for _, t := range g.Triggers {
			if t == id {
				continue
			}
			for d := range g.reachableFrom(t, id) {
				outside[d] = true
			}
		}

		var body []string
		for _, sortedID := range g.Sorted {
			if descendants[sortedID] && !outside[sortedID] {
				body = append(body, sortedID)
			}
		}
		if len(body) > 0 {
			g.LoopBodies[id] = body
		}
	}
}

// reachableFrom returns all nodes reachable from start via data edges,
// including start, never traversing through excluded.
func (g *Graph) reachableFrom(start, excluded string) map[string]bool {
	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] || id == excluded {
			continue
		}
		visited[id] = true
		for _, conn := range g.Out[id] {
			if !visited[conn.ToNode] {
				stack = append(stack, conn.ToNode)
			}
		}
	}
	return visited
}

// InBody reports whether nodeID belongs to any for-each loop body.
func (g *Graph) InBody(nodeID string) bool {
	for _, body := range g.LoopBodies {
		for _, id := range body {
			if id == nodeID {
				return true
			}
		}
	}
	return false
}

// Node returns the node instance for an ID, or an error.
func (g *Graph) Node(id string) (*schema.NodeInstance, error) {
	n, ok := g.Nodes[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node not found: %s", id)
	}
	return n, nil
}

func isForEach(n *schema.NodeInstance) bool {
	return n != nil && n.Type == schema.NodeTypeFlow && n.Subtype == schema.FlowSubtypeForEach
}

// String renders a compact debug view of the graph.
func (g *Graph) String() string {
	var b strings.Builder
	for _, id := range g.Sorted {
		outs := make([]string, 0, len(g.Out[id]))
		for _, conn := range g.Out[id] {
			outs = append(outs, fmt.Sprintf("%s(%s)", conn.ToNode, conn.OutputKey))
		}
		fmt.Fprintf(&b, "%s -> [%s]\n", id, strings.Join(outs, " "))
	}
	return b.String()
}
