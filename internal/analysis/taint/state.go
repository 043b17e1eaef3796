package taint

import (
	"sort"

	"github.com/xkilldash9x/hpgscan/api/schemas"
)

// PageCache holds lookups that stay valid for every POC run against one
// page. It must not be shared across pages.
type PageCache struct {
	// Patterns maps a leaf construct key to its verified graph matches.
	Patterns    map[string][]schemas.ProgramNode
	CallSites   map[string][]schemas.ProgramNode
	CallTargets map[string][]schemas.CallTarget
	// CallValues holds the decoded argument maps of CG edges, keyed by
	// call id and definition id.
	CallValues map[string]map[int]string
}

// NewPageCache returns an empty cache.
func NewPageCache() *PageCache {
	return &PageCache{
		Patterns:    make(map[string][]schemas.ProgramNode),
		CallSites:   make(map[string][]schemas.ProgramNode),
		CallTargets: make(map[string][]schemas.CallTarget),
		CallValues:  make(map[string]map[int]string),
	}
}

type visitKey struct {
	node string
	tag  string
}

// State is the mutable taint state of one page. The page cache survives
// across POCs; everything else is reset when a POC run starts. A State is
// not safe for concurrent use.
type State struct {
	Cache *PageCache

	fullset  map[string]struct{}
	matches  map[string]map[string]struct{}
	contexts map[string]schemas.ProgramNode
	roots    map[string]struct{}
	visited  map[visitKey]struct{}
}

// NewState returns a State with a fresh page cache.
func NewState() *State {
	s := &State{Cache: NewPageCache()}
	s.reset(nil)
	return s
}

func (s *State) reset(fullset []string) {
	s.fullset = make(map[string]struct{}, len(fullset))
	for _, f := range fullset {
		s.fullset[f] = struct{}{}
	}
	s.matches = make(map[string]map[string]struct{})
	s.contexts = make(map[string]schemas.ProgramNode)
	s.roots = make(map[string]struct{})
	s.visited = make(map[visitKey]struct{})
}

// visit marks (node, tag) and reports whether it was new.
func (s *State) visit(node, tag string) bool {
	k := visitKey{node, tag}
	if _, ok := s.visited[k]; ok {
		return false
	}
	s.visited[k] = struct{}{}
	return true
}

// Visited reports whether tag already reached the statement node.
func (s *State) Visited(node, tag string) bool {
	_, ok := s.visited[visitKey{node, tag}]
	return ok
}

// VisitedCount is the number of (statement, tag) pairs processed so far.
func (s *State) VisitedCount() int {
	return len(s.visited)
}

// record adds tag to the statement node and reports whether the statement
// now covers the full tag set.
func (s *State) record(ctxNode schemas.ProgramNode, tag string) bool {
	tags, ok := s.matches[ctxNode.ID]
	if !ok {
		tags = make(map[string]struct{})
		s.matches[ctxNode.ID] = tags
		s.contexts[ctxNode.ID] = ctxNode
	}
	tags[tag] = struct{}{}
	if len(s.fullset) == 0 {
		return false
	}
	for f := range s.fullset {
		if _, ok := tags[f]; !ok {
			return false
		}
	}
	return true
}

func (s *State) markRoot(id string) {
	s.roots[id] = struct{}{}
}

// Tags returns the sorted tags recorded at the statement node.
func (s *State) Tags(id string) []string {
	out := make([]string, 0, len(s.matches[id]))
	for t := range s.matches[id] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

type scored struct {
	id   string
	tags []string
}

// intersections returns every statement's tags restricted to the fullset,
// largest first.
func (s *State) intersections() []scored {
	var out []scored
	for id, tags := range s.matches {
		var inter []string
		for t := range tags {
			if _, ok := s.fullset[t]; ok {
				inter = append(inter, t)
			}
		}
		if len(inter) == 0 {
			continue
		}
		sort.Strings(inter)
		out = append(out, scored{id: id, tags: inter})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].tags) != len(out[j].tags) {
			return len(out[i].tags) > len(out[j].tags)
		}
		return out[i].id < out[j].id
	})
	return out
}
