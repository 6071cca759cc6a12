// Package toposort orders directed acyclic graphs with Kahn's algorithm,
// using a caller-supplied priority among ready nodes.
package toposort

import (
	"container/heap"
	"errors"
	"fmt"
)

// ErrCycle is returned when the graph contains a cycle.
var ErrCycle = errors.New("graph has a cycle")

// Graph is a DAG over comparable keys. Keys are interned to dense integer
// ids so adjacency is kept in slices.
type Graph[K comparable] struct {
	ids      map[K]int
	keys     []K
	children [][]int
	inDegree []int
}

// New creates an empty graph.
func New[K comparable]() *Graph[K] {
	return &Graph[K]{ids: make(map[K]int)}
}

// Len returns the number of nodes.
func (g *Graph[K]) Len() int {
	return len(g.keys)
}

// Has reports whether the node exists.
func (g *Graph[K]) Has(key K) bool {
	_, ok := g.ids[key]

	return ok
}

// AddNode inserts a node. It returns false if the node already exists.
func (g *Graph[K]) AddNode(key K) bool {
	if g.Has(key) {
		return false
	}

	g.intern(key)

	return true
}

// AddEdge inserts the link from -> to, creating missing nodes. It returns
// false if the edge already exists.
func (g *Graph[K]) AddEdge(from, to K) bool {
	u, v := g.intern(from), g.intern(to)

	for _, child := range g.children[u] {
		if child == v {
			return false
		}
	}

	g.children[u] = append(g.children[u], v)
	g.inDegree[v]++

	return true
}

// Children returns the targets of outgoing edges in insertion order.
func (g *Graph[K]) Children(key K) []K {
	u, ok := g.ids[key]
	if !ok {
		return nil
	}

	out := make([]K, len(g.children[u]))
	for i, v := range g.children[u] {
		out[i] = g.keys[v]
	}

	return out
}

// Sort returns the nodes so that every node follows all of its
// predecessors. Among nodes that are ready at the same time, less decides.
// On a cycle the ordered prefix is returned together with ErrCycle.
func (g *Graph[K]) Sort(less func(a, b K) bool) ([]K, error) {
	inDegree := make([]int, len(g.inDegree))
	copy(inDegree, g.inDegree)

	ready := &readyQueue[K]{keys: g.keys, less: less}

	for id, deg := range inDegree {
		if deg == 0 {
			ready.ids = append(ready.ids, id)
		}
	}

	heap.Init(ready)

	order := make([]K, 0, len(g.keys))

	for ready.Len() > 0 {
		u, _ := heap.Pop(ready).(int)
		order = append(order, g.keys[u])

		for _, v := range g.children[u] {
			inDegree[v]--
			if inDegree[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}

	if len(order) != len(g.keys) {
		return order, fmt.Errorf("%w: %d node(s) unordered", ErrCycle, len(g.keys)-len(order))
	}

	return order, nil
}

func (g *Graph[K]) intern(key K) int {
	if id, ok := g.ids[key]; ok {
		return id
	}

	id := len(g.keys)
	g.ids[key] = id
	g.keys = append(g.keys, key)
	g.children = append(g.children, nil)
	g.inDegree = append(g.inDegree, 0)

	return id
}

// readyQueue is a heap of node ids ordered by less over their keys.
type readyQueue[K comparable] struct {
	ids  []int
	keys []K
	less func(a, b K) bool
}

func (q *readyQueue[K]) Len() int { return len(q.ids) }

func (q *readyQueue[K]) Less(i, j int) bool {
	return q.less(q.keys[q.ids[i]], q.keys[q.ids[j]])
}

func (q *readyQueue[K]) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *readyQueue[K]) Push(x any) {
	id, _ := x.(int)
	q.ids = append(q.ids, id)
}

func (q *readyQueue[K]) Pop() any {
	last := len(q.ids) - 1
	id := q.ids[last]
	q.ids = q.ids[:last]

	return id
}
