// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package graph analyzes a workflow canvas: in-degree scheduling over the
// directed connections and stream isolation over the undirected ones.
// Everything here is pure; the executor never performs I/O.
package graph

import (
	"sort"
	"strings"

	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/workflow"
)

// Executor tracks execution-readiness of canvas nodes.
type Executor struct {
	nodes      map[string]workflow.CanvasNode
	inDegree   map[string]int
	successors map[string][]string
	completed  map[string]bool
	parent     map[string]string // union-find forest
}

// NewExecutor builds the in-degree table and the connected-component
// structure for a canvas. Connections naming unknown nodes are rejected.
func NewExecutor(canvas *workflow.Canvas) (*Executor, error) {
	e := &Executor{
		nodes:      make(map[string]workflow.CanvasNode, len(canvas.Nodes)),
		inDegree:   make(map[string]int, len(canvas.Nodes)),
		successors: make(map[string][]string),
		completed:  make(map[string]bool),
		parent:     make(map[string]string, len(canvas.Nodes)),
	}

	for _, n := range canvas.Nodes {
		if n.ID == "" {
			return nil, &errors.ValidationError{Field: "canvas.nodes", Message: "node id is required"}
		}
		if _, dup := e.nodes[n.ID]; dup {
			return nil, &errors.ValidationError{Field: "canvas.nodes", Message: "duplicate node id: " + n.ID}
		}
		e.nodes[n.ID] = n
		e.inDegree[n.ID] = 0
		e.parent[n.ID] = n.ID
	}

	for _, c := range canvas.Connections {
		if _, ok := e.nodes[c.From]; !ok {
			return nil, &errors.ValidationError{Field: "canvas.connections", Message: "unknown node: " + c.From}
		}
		if _, ok := e.nodes[c.To]; !ok {
			return nil, &errors.ValidationError{Field: "canvas.connections", Message: "unknown node: " + c.To}
		}
		e.inDegree[c.To]++
		e.successors[c.From] = append(e.successors[c.From], c.To)
		e.union(c.From, c.To)
	}

	return e, nil
}

// Node returns the canvas node for an id.
func (e *Executor) Node(id string) (workflow.CanvasNode, bool) {
	n, ok := e.nodes[id]
	return n, ok
}

// GetReadyNode returns a node whose in-degree is zero and that has not
// completed, or "" when none is ready. For a fixed state the result is
// deterministic: the lowest node id wins.
func (e *Executor) GetReadyNode() string {
	best := ""
	for id, deg := range e.inDegree {
		if deg != 0 || e.completed[id] {
			continue
		}
		if best == "" || id < best {
			best = id
		}
	}
	return best
}

// OnNodeComplete marks a node complete and decrements the in-degree of
// its successors.
func (e *Executor) OnNodeComplete(id string) {
	if e.completed[id] {
		return
	}
	e.completed[id] = true
	for _, succ := range e.successors[id] {
		if e.inDegree[succ] > 0 {
			e.inDegree[succ]--
		}
	}
}

// Done reports whether every node has completed.
func (e *Executor) Done() bool {
	return len(e.completed) == len(e.nodes)
}

// IsolateStreams partitions the node ids into weakly-connected
// components. Components and their members are sorted for determinism.
func (e *Executor) IsolateStreams() [][]string {
	byRoot := make(map[string][]string)
	for id := range e.nodes {
		root := e.find(id)
		byRoot[root] = append(byRoot[root], id)
	}

	streams := make([][]string, 0, len(byRoot))
	for _, members := range byRoot {
		sort.Strings(members)
		streams = append(streams, members)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i][0] < streams[j][0] })
	return streams
}

// GetExecutableStreams returns the streams that contain at least one
// execute-sink node. When no execute node exists anywhere on the canvas,
// every stream is executable (backwards compatibility with canvases that
// predate execute nodes).
func (e *Executor) GetExecutableStreams() [][]string {
	streams := e.IsolateStreams()

	anyExecute := false
	for _, n := range e.nodes {
		if isExecute(n) {
			anyExecute = true
			break
		}
	}
	if !anyExecute {
		return streams
	}

	out := make([][]string, 0, len(streams))
	for _, stream := range streams {
		for _, id := range stream {
			if isExecute(e.nodes[id]) {
				out = append(out, stream)
				break
			}
		}
	}
	return out
}

// GetStreamForNode returns the stream containing id, or nil when the id
// is unknown.
func (e *Executor) GetStreamForNode(id string) []string {
	if _, ok := e.nodes[id]; !ok {
		return nil
	}
	root := e.find(id)
	var members []string
	for nodeID := range e.nodes {
		if e.find(nodeID) == root {
			members = append(members, nodeID)
		}
	}
	sort.Strings(members)
	return members
}

// TopologicalOrder returns all node ids in a deterministic topological
// order, or an error when the canvas has a cycle.
func (e *Executor) TopologicalOrder() ([]string, error) {
	deg := make(map[string]int, len(e.inDegree))
	for id, d := range e.inDegree {
		deg[id] = d
	}

	order := make([]string, 0, len(e.nodes))
	for len(order) < len(e.nodes) {
		next := ""
		for id, d := range deg {
			if d != 0 {
				continue
			}
			if next == "" || id < next {
				next = id
			}
		}
		if next == "" {
			return nil, &errors.ValidationError{Field: "canvas.connections", Message: "canvas contains a cycle"}
		}
		order = append(order, next)
		for _, succ := range e.successors[next] {
			deg[succ]--
		}
		delete(deg, next)
	}
	return order, nil
}

func isExecute(n workflow.CanvasNode) bool {
	return strings.EqualFold(n.Type, "execute")
}

func (e *Executor) find(id string) string {
	root := id
	for e.parent[root] != root {
		root = e.parent[root]
	}
	// Path compression.
	for e.parent[id] != root {
		e.parent[id], id = root, e.parent[id]
	}
	return root
}

func (e *Executor) union(a, b string) {
	ra, rb := e.find(a), e.find(b)
	if ra != rb {
		e.parent[rb] = ra
	}
}
