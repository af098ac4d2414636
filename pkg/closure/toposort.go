package closure

import (
	"fmt"
	"strings"
)

// CycleError is returned when a dependency graph contains a cycle. Path starts and ends with the same node.
type CycleError struct {
	Path []string
}

func (e CycleError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

const (
	unvisited = iota
	visiting
	done
)

// TopoSort returns every node reachable from roots with dependencies ordered before their dependents.
// Roots and edges are visited in the order given so the result is deterministic.
func TopoSort[T comparable](roots []T, edges func(T) []T) ([]T, error) {
	state := make(map[T]int)
	order := make([]T, 0, len(roots))
	stack := make([]T, 0)

	var visit func(node T) error
	visit = func(node T) error {
		switch state[node] {
		case done:
			return nil
		case visiting:
			start := 0
			for idx, item := range stack {
				if item == node {
					start = idx
					break
				}
			}

			path := make([]string, 0, len(stack)-start+1)
			for _, item := range stack[start:] {
				path = append(path, fmt.Sprint(item))
			}
			path = append(path, fmt.Sprint(node))
			return &CycleError{Path: path}
		}

		state[node] = visiting
		stack = append(stack, node)
		for _, dep := range edges(node) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		order = append(order, node)
		return nil
	}

	for _, root := range roots {
		if err := visit(root); err != nil {
			return nil, err
		}
	}

	return order, nil
}
