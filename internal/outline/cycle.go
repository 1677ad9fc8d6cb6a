package outline

import "sort"

// Edges returns the outgoing neighbors of a node under some edge relation.
// The same traversal utilities serve both the structural tree (parent/child
// edges) and the script dependency graph (read edges).
type Edges func(ID) []ID

// Reachable reports whether to can be reached from from by following edges.
func Reachable(from, to ID, edges Edges) bool {
	if from == to {
		return true
	}
	seen := map[ID]struct{}{from: {}}
	stack := []ID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range edges(cur) {
			if next == to {
				return true
			}
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

// CycleFrom returns one cycle reachable from start as a witness path
// (first and last element equal), or nil when none exists.
//
// DFS with a recursion-stack marker: revisiting a node that is still on the
// active stack is the cycle signal. Neighbor order is sorted so the witness
// is stable.
func CycleFrom(start ID, edges Edges) []ID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[ID]int)
	parent := make(map[ID]ID)

	var cycle []ID
	var dfs func(u ID) bool
	dfs = func(u ID) bool {
		color[u] = gray
		next := append([]ID(nil), edges(u)...)
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, v := range next {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back-edge u -> v closes a cycle v ... u -> v.
				cycle = append(cycle, v)
				for cur := u; ; cur = parent[cur] {
					cycle = append(cycle, cur)
					if cur == v {
						break
					}
				}
				return true
			}
		}
		color[u] = black
		return false
	}

	if !dfs(start) {
		return nil
	}

	// The walk collected the path in reverse; normalize to forward order.
	out := make([]ID, len(cycle))
	for i := range cycle {
		out[i] = cycle[len(cycle)-1-i]
	}
	return out
}
