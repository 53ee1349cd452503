package engine

import (
	"slices"
	"sort"
	"strings"
)

// aliasSet is an insertion-ordered map from port alias to a handle.
type aliasSet struct {
	order   []string
	handles map[string]Handle
}

func newAliasSet() *aliasSet {
	return &aliasSet{handles: make(map[string]Handle)}
}

func (s *aliasSet) has(alias string) bool {
	_, ok := s.handles[alias]
	return ok
}

func (s *aliasSet) get(alias string) (Handle, bool) {
	h, ok := s.handles[alias]
	return h, ok
}

func (s *aliasSet) put(alias string, h Handle) {
	if _, ok := s.handles[alias]; !ok {
		s.order = append(s.order, alias)
	}
	s.handles[alias] = h
}

func (s *aliasSet) remove(alias string) bool {
	if _, ok := s.handles[alias]; !ok {
		return false
	}
	delete(s.handles, alias)
	if idx := slices.Index(s.order, alias); idx >= 0 {
		s.order = slices.Delete(s.order, idx, idx+1)
	}
	return true
}

func (s *aliasSet) aliases() []string {
	return slices.Clone(s.order)
}

func (s *aliasSet) len() int {
	return len(s.order)
}

func (s *aliasSet) clear() {
	s.order = nil
	s.handles = make(map[string]Handle)
}

// pendingList is an ordered list of aliases without duplicates.
type pendingList []string

// add appends alias, removing an earlier occurrence first.
func (p *pendingList) add(alias string) {
	p.remove(alias)
	*p = append(*p, alias)
}

// remove drops alias and reports whether it was present.
func (p *pendingList) remove(alias string) bool {
	idx := slices.Index(*p, alias)
	if idx < 0 {
		return false
	}
	*p = slices.Delete(*p, idx, idx+1)
	return true
}

func (p pendingList) contains(alias string) bool {
	return slices.Contains(p, alias)
}

// supportedAliasPrefixes are the port name prefixes an isolation group accepts.
var supportedAliasPrefixes = []string{"Ethernet", "PortChannel"}

// IsSupportedAlias reports whether alias names a port kind isolation groups accept.
func IsSupportedAlias(alias string) bool {
	for _, prefix := range supportedAliasPrefixes {
		if strings.HasPrefix(alias, prefix) {
			return true
		}
	}
	return false
}

// ParseAliasList splits a comma-separated alias list into a sorted set.
// Surrounding whitespace and empty entries are dropped.
func ParseAliasList(csv string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range strings.Split(csv, ",") {
		alias := strings.TrimSpace(tok)
		if alias == "" {
			continue
		}
		if _, ok := seen[alias]; ok {
			continue
		}
		seen[alias] = struct{}{}
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
