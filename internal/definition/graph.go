package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/conduit/model"
)

// FindCycle walks the dependency graph depth-first from each unvisited stage
// in declaration order. It returns the stage IDs of the first cycle found,
// with the repeated stage at both ends, or nil when the graph is acyclic.
// Dependencies on unknown stages are ignored.
func FindCycle(stages []model.Stage) []string {
	deps := make(map[string][]string, len(stages))
	for _, s := range stages {
		if _, dup := deps[s.ID]; dup {
			continue
		}
		deps[s.ID] = s.Dependencies
	}

	visited := make(map[string]bool, len(stages))
	onStack := make(map[string]bool, len(stages))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			if onStack[dep] {
				return closeCycle(path, dep)
			}
			if !visited[dep] {
				if c := visit(dep); c != nil {
					return c
				}
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, s := range stages {
		if visited[s.ID] {
			continue
		}
		if c := visit(s.ID); c != nil {
			return c
		}
	}
	return nil
}

// closeCycle extracts the cycle starting at the back-edge target.
func closeCycle(path []string, target string) []string {
	for i, id := range path {
		if id == target {
			cycle := append([]string(nil), path[i:]...)
			return append(cycle, target)
		}
	}
	return []string{target, target}
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// TopologicalOrder returns stage indexes ordered so that every stage comes
// after all of its dependencies. Among stages that are ready at the same
// time, declaration order wins, so a workflow whose stages are already
// declared in dependency order runs in declaration order.
func TopologicalOrder(stages []model.Stage) ([]int, error) {
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if _, dup := index[s.ID]; !dup {
			index[s.ID] = i
		}
	}

	indegree := make([]int, len(stages))
	dependents := make([][]int, len(stages))
	for i, s := range stages {
		seen := make(map[int]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.ID, dep)
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(stages))
	order := make([]int, 0, len(stages))
	for len(order) < len(stages) {
		next := -1
		for i := range stages {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("stage dependencies contain a cycle")
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}
