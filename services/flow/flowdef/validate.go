// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flowdef

import (
	"container/heap"
	"strings"
)

// Validate checks the whole definition.
//
// # Description
//
//	Validation runs in phases: field checks (unique names, known kinds,
//	tools only on tool_run steps), transition integrity (every key and
//	target names a step), entry resolution, acyclicity via Kahn's
//	algorithm with a deterministic cycle witness, and reachability of
//	every step from the entry. A cycle is only accepted when the step it
//	re-enters carries a positive max_iterations budget.
//
// # Outputs
//
//   - error: A ConfigError describing the first problem found.
func (f *Flow) Validate() error {
	if f.Name == "" {
		return configErrorf("", "", "flow name must not be empty")
	}
	if len(f.Steps) == 0 {
		return configErrorf(f.Name, "", "flow has no steps")
	}
	f.EnsureDefaults()

	seen := make(map[string]struct{}, len(f.Steps))
	for _, s := range f.Steps {
		if s.Name == "" {
			return configErrorf(f.Name, "", "step with empty name")
		}
		if _, dup := seen[s.Name]; dup {
			return configErrorf(f.Name, s.Name, "duplicate step name")
		}
		seen[s.Name] = struct{}{}

		if s.Provider == "" {
			return configErrorf(f.Name, s.Name, "step names no provider")
		}
		switch s.Kind {
		case KindChat:
			if len(s.Tools) > 0 {
				return configErrorf(f.Name, s.Name, "chat steps cannot carry tools; use kind tool_run")
			}
		case KindToolRun:
			if len(s.Tools) == 0 {
				return configErrorf(f.Name, s.Name, "tool_run steps need at least one tool")
			}
			for _, ref := range s.Tools {
				if ref.Name == "" {
					return configErrorf(f.Name, s.Name, "tool reference with empty name")
				}
			}
		default:
			return configErrorf(f.Name, s.Name, "unknown step kind %q (want chat or tool_run)", s.Kind)
		}
		if s.MaxIterations < 0 {
			return configErrorf(f.Name, s.Name, "max_iterations must not be negative")
		}
	}

	for from, to := range f.Transitions {
		if _, ok := seen[from]; !ok {
			return configErrorf(f.Name, "", "transition from unknown step %q", from)
		}
		if to == "" {
			return configErrorf(f.Name, from, "transition target must name a step")
		}
		if _, ok := seen[to]; !ok {
			return configErrorf(f.Name, from, "transition to unknown step %q", to)
		}
	}

	entry, err := f.EntryStep()
	if err != nil {
		return err
	}
	if err := f.validateAcyclic(); err != nil {
		return err
	}
	return f.validateReachable(entry)
}

// successorGraph builds the effective single-successor edge set as index
// adjacency. outgoing[i] holds at most one element.
func (f *Flow) successorGraph() (outgoing [][]int, indeg []int, index map[string]int) {
	index = make(map[string]int, len(f.Steps))
	for i, s := range f.Steps {
		index[s.Name] = i
	}
	outgoing = make([][]int, len(f.Steps))
	indeg = make([]int, len(f.Steps))
	for i, s := range f.Steps {
		if next, ok := f.Successor(s.Name); ok {
			j := index[next]
			outgoing[i] = append(outgoing[i], j)
			indeg[j]++
		}
	}
	return outgoing, indeg, index
}

// validateAcyclic proves the transition graph has no cycles using Kahn's
// algorithm. A cycle whose re-entered step has a loop budget is accepted:
// its back edge is removed and the check repeats, so several independent
// bounded loops validate while any unbounded cycle fails with a witness.
func (f *Flow) validateAcyclic() error {
	outgoing, indeg, _ := f.successorGraph()

	// Each pass either returns or removes one back edge; with at most one
	// outgoing edge per step, len(Steps)+1 passes always suffice.
	for pass := 0; pass <= len(f.Steps); pass++ {
		if topoComplete(outgoing, indeg, len(f.Steps)) {
			return nil
		}

		cycle := findCycleDeterministic(outgoing, len(f.Steps))
		if len(cycle) < 2 {
			return configErrorf(f.Name, "", "transition graph contains a cycle")
		}

		reentered := f.Steps[cycle[0]]
		if reentered.MaxIterations <= 0 {
			names := make([]string, 0, len(cycle))
			for _, idx := range cycle {
				names = append(names, f.Steps[idx].Name)
			}
			return configErrorf(f.Name, reentered.Name,
				"transition cycle %s; set max_iterations on %s to allow a bounded loop",
				strings.Join(names, " -> "), reentered.Name)
		}

		// Drop the back edge that closes the accepted loop and re-check.
		from := cycle[len(cycle)-2]
		to := cycle[len(cycle)-1]
		outgoing[from] = nil
		indeg[to]--
	}
	return configErrorf(f.Name, "", "transition graph contains a cycle")
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoComplete runs Kahn's algorithm and reports whether every node was
// ordered. The ready queue is a min-heap by declared index so the order,
// and therefore any failure, is deterministic.
func topoComplete(outgoing [][]int, indeg []int, n int) bool {
	work := make([]int, n)
	copy(work, indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := 0; i < n; i++ {
		if work[i] == 0 {
			heap.Push(ready, i)
		}
	}

	ordered := 0
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		ordered++
		for _, v := range outgoing[u] {
			work[v]--
			if work[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}
	return ordered == n
}

// findCycleDeterministic extracts one stable cycle witness via DFS over
// declared indices. The result is [v, ..., u, v]: v is the re-entered
// node, u -> v the back edge.
func findCycleDeterministic(outgoing [][]int, n int) []int {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, n)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range outgoing[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := 0; i < n; i++ {
		if color[i] != white {
			continue
		}
		if dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	// The parent walk built the path in reverse; normalize to forward order.
	rev := make([]int, len(cycle))
	for i := range cycle {
		rev[i] = cycle[len(cycle)-1-i]
	}
	return rev
}

// validateReachable walks the successor chain from entry and requires that
// it visits every step. With single successors the walk is the complete
// reachable set; a bounded loop ends the walk at its first revisit.
func (f *Flow) validateReachable(entry string) error {
	visited := make(map[string]struct{}, len(f.Steps))
	current := entry
	for {
		if _, again := visited[current]; again {
			break
		}
		visited[current] = struct{}{}
		next, ok := f.Successor(current)
		if !ok {
			break
		}
		current = next
	}

	for _, s := range f.Steps {
		if _, ok := visited[s.Name]; !ok {
			return configErrorf(f.Name, s.Name, "step is unreachable from entry %q", entry)
		}
	}
	return nil
}
