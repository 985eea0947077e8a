// Package dag builds the task dependency graph for a phase board and
// computes ready frontiers and deterministic topological orders.
//
// Grounded on the in-degree / ready-queue approach used by the pack's
// DAGScheduler reference implementation (other_examples,
// 88lin-divinesense/ai-agents), generalized to task ids keyed by an arena
// map rather than object references, per spec.md §9.
package dag

import (
	"fmt"
	"sort"
)

// Status mirrors the subset of board.Status relevant to readiness, kept
// independent of the board package so dag has no import-time dependency on
// how tasks are persisted.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusArchived   Status = "archived"
)

// IsTerminal reports whether a status is a final state (done or archived).
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusArchived
}

// Node is the minimal task view the DAG needs.
type Node struct {
	ID        int
	Status    Status
	DependsOn []int
}

// DAG is a directed acyclic graph of tasks keyed by id.
type DAG struct {
	nodes map[int]Node
	order []int // insertion order, for deterministic iteration fallback
}

// CycleError names a concrete cycle, per the "fails closed" invariant in
// spec.md §3. A missing dependency id is reported by MissingDependencyError.
type CycleError struct {
	Path []int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Path)
}

// MissingDependencyError names a task that depends on a non-existent id.
type MissingDependencyError struct {
	TaskID int
	Missing int
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %d depends on missing task %d", e.TaskID, e.Missing)
}

// Build constructs a DAG from nodes, failing closed on missing ids or
// cycles.
func Build(nodes []Node) (*DAG, error) {
	d := &DAG{nodes: make(map[int]Node, len(nodes))}
	for _, n := range nodes {
		d.nodes[n.ID] = n
		d.order = append(d.order, n.ID)
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := d.nodes[dep]; !ok {
				return nil, &MissingDependencyError{TaskID: n.ID, Missing: dep}
			}
		}
	}
	if cycle := d.findCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}
	return d, nil
}

// findCycle runs a depth-first traversal with a recursion stack, returning
// the concrete cycle path (ascending id order among roots, for determinism)
// or nil if the graph is acyclic.
func (d *DAG) findCycle() []int {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(d.nodes))
	var path []int

	ids := d.sortedIDs()

	var visit func(id int) []int
	visit = func(id int) []int {
		color[id] = gray
		path = append(path, id)
		for _, dep := range d.nodes[id].DependsOn {
			switch color[dep] {
			case gray:
				// Found the cycle; trim path to start at dep.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cyc := append([]int{}, path[start:]...)
				return append(cyc, dep)
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

func (d *DAG) sortedIDs() []int {
	ids := make([]int, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Ready returns the ids of tasks that are not in a terminal status and
// whose entire dependency set is in doneIDs, in ascending id order.
func (d *DAG) Ready(doneIDs map[int]bool) []int {
	var ready []int
	for _, id := range d.sortedIDs() {
		n := d.nodes[id]
		if n.Status.IsTerminal() {
			continue
		}
		if doneIDs[id] {
			continue
		}
		allDone := true
		for _, dep := range n.DependsOn {
			if !doneIDs[dep] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// TopoSort returns a deterministic topological order (Kahn's algorithm,
// ties broken by ascending task id).
func (d *DAG) TopoSort() []int {
	inDegree := make(map[int]int, len(d.nodes))
	downstream := make(map[int][]int, len(d.nodes))
	for _, id := range d.sortedIDs() {
		n := d.nodes[id]
		inDegree[id] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			downstream[dep] = append(downstream[dep], id)
		}
	}

	var frontier []int
	for _, id := range d.sortedIDs() {
		if inDegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Ints(frontier)

	var out []int
	for len(frontier) > 0 {
		sort.Ints(frontier)
		id := frontier[0]
		frontier = frontier[1:]
		out = append(out, id)

		next := append([]int{}, downstream[id]...)
		sort.Ints(next)
		for _, n := range next {
			inDegree[n]--
			if inDegree[n] == 0 {
				frontier = append(frontier, n)
			}
		}
	}
	return out
}

// Node returns the node for id and whether it exists.
func (d *DAG) Node(id int) (Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Len returns the number of tasks in the graph.
func (d *DAG) Len() int { return len(d.nodes) }
