package graph

// NodeType distinguishes jobs from triggers.
type NodeType string

const (
	// NodeTypeJob is a job step. Jobs may be edge sources and targets.
	NodeTypeJob NodeType = "job"

	// NodeTypeTrigger is a workflow entry point. Triggers may only be
	// edge sources.
	NodeTypeTrigger NodeType = "trigger"
)

// Node is a vertex in the workflow graph.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
}

// Edge is a directed connection from Source to Target.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is a snapshot of nodes and edges.
//
// Edge order is significant: IsChild returns the first matching edge.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node returns the node with the given id.
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// adjacency maps node id -> outgoing targets, preserving edge order.
type adjacency map[string][]string

func buildAdjacency(g Graph) adjacency {
	adj := make(adjacency, len(g.Nodes))
	for _, n := range g.Nodes {
		if adj[n.ID] == nil {
			adj[n.ID] = []string{}
		}
	}
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

// IsUpstream reports whether b is reachable from a by following edges
// forward (a path a -> ... -> b exists).
//
// A node is not upstream of itself unless a cycle leads back to it.
func IsUpstream(g Graph, a, b string) bool {
	if len(g.Edges) == 0 {
		return false
	}
	adj := buildAdjacency(g)

	visited := map[string]bool{a: true}
	queue := []string{a}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range adj[current] {
			if next == b {
				return true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	return false
}

// IsChild returns the first edge (in edge order) whose source is a and
// target is b.
func IsChild(g Graph, a, b string) (Edge, bool) {
	for _, e := range g.Edges {
		if e.Source == a && e.Target == b {
			return e, true
		}
	}
	return Edge{}, false
}

// Downstream returns every node reachable from id, in breadth-first order.
func Downstream(g Graph, id string) []string {
	adj := buildAdjacency(g)
	visited := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adj[current] {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}
