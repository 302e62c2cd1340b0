package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/orchestra/pkg/schema"
)

// validateGraph performs graph analysis over plan edges: cycle detection
// (Kahn's algorithm) and reachability from the starting node (BFS).
func validateGraph(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	edges := planEdges(plan)

	inDegree := make(map[string]int, len(plan.Nodes))
	for id := range plan.Nodes {
		inDegree[id] = 0
	}
	for _, tos := range edges {
		for _, to := range tos {
			inDegree[to]++
		}
	}

	queue := make([]string, 0, len(plan.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range edges[id] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if visited != len(plan.Nodes) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError("nodes", schema.ErrCodeCycleDetected,
			fmt.Sprintf("plan contains a cycle through %v", cyclic))
		return result
	}

	reachable := map[string]bool{plan.StartingNodeID: true}
	bfs := []string{plan.StartingNodeID}
	for len(bfs) > 0 {
		id := bfs[0]
		bfs = bfs[1:]
		for _, to := range edges[id] {
			if !reachable[to] {
				reachable[to] = true
				bfs = append(bfs, to)
			}
		}
	}

	ids := make([]string, 0, len(plan.Nodes))
	for id := range plan.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !reachable[id] {
			result.AddWarning("nodes."+id, schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from starting node %q", id, plan.StartingNodeID))
		}
	}

	return result
}

// planEdges returns deduplicated edges between existing nodes. Dangling
// references are reported by the semantic stage.
func planEdges(plan *schema.Plan) map[string][]string {
	edges := make(map[string][]string, len(plan.Nodes))
	for id, node := range plan.Nodes {
		seen := make(map[string]bool)
		for _, to := range schema.EdgesOf(node) {
			if _, ok := plan.Nodes[to]; !ok || seen[to] {
				continue
			}
			seen[to] = true
			edges[id] = append(edges[id], to)
		}
	}
	return edges
}
