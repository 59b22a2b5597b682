// Package routing finds relay paths over the inter-body link graph.
package routing

import "sync"

// Graph is an undirected graph of bodies joined by communication links.
type Graph struct {
	mu  sync.RWMutex
	adj map[string][]string // body ID -> neighbours in insertion order
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{adj: make(map[string][]string)}
}

// FullMesh links every pair of ids.
func FullMesh(ids []string) *Graph {
	g := NewGraph()
	for i := range ids {
		g.AddNode(ids[i])
		for j := i + 1; j < len(ids); j++ {
			g.AddEdge(ids[i], ids[j])
		}
	}
	return g
}

// FromLinks builds a graph containing ids and the given links.
func FromLinks(ids []string, links [][2]string) *Graph {
	g := NewGraph()
	for _, id := range ids {
		g.AddNode(id)
	}
	for _, l := range links {
		g.AddEdge(l[0], l[1])
	}
	return g
}

// AddNode adds id with no edges. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.adj[id]; !ok {
		g.adj[id] = nil
	}
}

// AddEdge links a and b, adding either node if missing. Self-loops and
// duplicate edges are ignored.
func (g *Graph) AddEdge(a, b string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.adj[a]; !ok {
		g.adj[a] = nil
	}
	if _, ok := g.adj[b]; !ok {
		g.adj[b] = nil
	}
	if a == b {
		return
	}
	for _, n := range g.adj[a] {
		if n == b {
			return
		}
	}
	g.adj[a] = append(g.adj[a], b)
	g.adj[b] = append(g.adj[b], a)
}

// HasNode reports whether id is in the graph.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.adj[id]
	return ok
}

// Neighbors returns a copy of id's neighbours.
func (g *Graph) Neighbors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.adj[id]...)
}

// ShortestPath returns the fewest-hop path [src, ..., dst], [src] when
// src == dst, or nil when dst is unreachable or either node is unknown.
func (g *Graph) ShortestPath(src, dst string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.adj[src]; !ok {
		return nil
	}
	if _, ok := g.adj[dst]; !ok {
		return nil
	}
	if src == dst {
		return []string{src}
	}

	queue := []string{src}
	prev := map[string]string{}
	visited := map[string]bool{src: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == dst {
			break
		}
		for _, n := range g.adj[current] {
			if visited[n] {
				continue
			}
			visited[n] = true
			prev[n] = current
			queue = append(queue, n)
		}
	}
	if !visited[dst] {
		return nil
	}

	var path []string
	for node := dst; ; node = prev[node] {
		path = append(path, node)
		if node == src {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
