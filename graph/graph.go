package graph

import "sort"

type Node struct {
	ClientID string
}

// Graph is an undirected similarity graph between clients. Every edge is
// stored in both adjacency lists.
type Graph struct {
	AdjList map[Node][]Node
}

func NewGraph() *Graph {
	return &Graph{
		AdjList: make(map[Node][]Node),
	}
}

func (graph *Graph) AddNode(node Node) {
	if _, ok := graph.AdjList[node]; !ok {
		graph.AdjList[node] = []Node{}
	}
}

func (graph *Graph) AddEdge(src Node, dst Node) {
	graph.AddNode(src)
	graph.AddNode(dst)
	graph.AdjList[src] = append(graph.AdjList[src], dst)
	graph.AdjList[dst] = append(graph.AdjList[dst], src)
}

func dfs(graph *Graph, component *[]Node, visited map[Node]bool, v Node) {
	visited[v] = true
	for i := 0; i < len(graph.AdjList[v]); i++ {
		if !visited[graph.AdjList[v][i]] {
			dfs(graph, component, visited, graph.AdjList[v][i])
		}
	}
	*component = append(*component, v)
}

// Components returns the connected components. Nodes inside a component are
// sorted by client ID and components are ordered by their first client ID,
// so the result does not depend on map iteration order.
func (graph *Graph) Components() [][]Node {
	nodes := graph.sortedNodes()
	visited := make(map[Node]bool)

	components := make([][]Node, 0)
	for _, node := range nodes {
		if visited[node] {
			continue
		}
		component := make([]Node, 0)
		dfs(graph, &component, visited, node)
		sort.Slice(component, func(i, j int) bool {
			return component[i].ClientID < component[j].ClientID
		})
		components = append(components, component)
	}
	return components
}

func (graph *Graph) sortedNodes() []Node {
	nodes := make([]Node, 0, len(graph.AdjList))
	for node := range graph.AdjList {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ClientID < nodes[j].ClientID
	})
	return nodes
}
