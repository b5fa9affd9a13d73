// Package kinematics derives the set of transform edges a calibration
// dataset must record: every parent/child link on every chain from a known
// frame to the world frame.
package kinematics

import (
	"sort"
)

// Edge is one parent/child link whose pose is recorded per collection.
type Edge struct {
	Key    string `json:"key"`
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// Key derives the dataset key of a link.
func Key(parent, child string) string {
	return parent + "-" + child
}

// NewEdge builds the edge from parent to child.
func NewEdge(parent, child string) Edge {
	return Edge{Key: Key(parent, child), Parent: parent, Child: child}
}

// normalizedKey identifies a link regardless of orientation and cannot be
// confused by frame names that contain the key separator.
func normalizedKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// EdgesFromChain returns the adjacent pairs of a frame chain as edges, the
// earlier frame in each pair taken as the parent.
func EdgesFromChain(frames []string) []Edge {
	if len(frames) < 2 {
		return nil
	}
	edges := make([]Edge, 0, len(frames)-1)
	for i := 0; i+1 < len(frames); i++ {
		edges = append(edges, NewEdge(frames[i], frames[i+1]))
	}
	return edges
}

// EdgeSet is a set of edges deduplicated on the unordered frame pair.
type EdgeSet struct {
	byPair map[string]Edge
	byKey  map[string]string // dataset key -> pair
}

// NewEdgeSet creates an empty set.
func NewEdgeSet() *EdgeSet {
	return &EdgeSet{
		byPair: make(map[string]Edge),
		byKey:  make(map[string]string),
	}
}

// Add inserts e and reports whether it was new. An edge whose frame pair is
// already present, in either orientation, is ignored. So is an edge whose
// dataset key collides with a different pair; Collides reports that case.
func (s *EdgeSet) Add(e Edge) bool {
	pair := normalizedKey(e.Parent, e.Child)
	if _, ok := s.byPair[pair]; ok {
		return false
	}
	if _, ok := s.byKey[e.Key]; ok {
		return false
	}
	s.byPair[pair] = e
	s.byKey[e.Key] = pair
	return true
}

// Collides reports whether e's dataset key is taken by a different pair.
func (s *EdgeSet) Collides(e Edge) bool {
	pair, ok := s.byKey[e.Key]
	return ok && pair != normalizedKey(e.Parent, e.Child)
}

// Len returns the number of edges.
func (s *EdgeSet) Len() int {
	return len(s.byPair)
}

// Edges returns the edges sorted by key.
func (s *EdgeSet) Edges() []Edge {
	edges := make([]Edge, 0, len(s.byPair))
	for _, e := range s.byPair {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key < edges[j].Key })
	return edges
}
