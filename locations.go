package welfarekit

import (
	"context"
	"sort"
	"sync"
)

// StaticLocations is an in-memory LocationDirectory.
type StaticLocations struct {
	mu       sync.RWMutex
	parent   map[string]string
	children map[string][]string
}

// NewStaticLocations creates an empty directory.
func NewStaticLocations() *StaticLocations {
	return &StaticLocations{
		parent:   make(map[string]string),
		children: make(map[string][]string),
	}
}

// Add places id under parentID. An empty parentID makes id a root.
//
// Example:
//
//	locations := NewStaticLocations().
//	    Add("kerala", "").
//	    Add("malappuram", "kerala").
//	    Add("tirur", "malappuram")
func (l *StaticLocations) Add(id, parentID string) *StaticLocations {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.parent[id]; ok && old != "" {
		l.children[old] = removeString(l.children[old], id)
	}
	l.parent[id] = parentID
	if parentID != "" {
		l.children[parentID] = append(l.children[parentID], id)
	}
	return l
}

// Descendants implements LocationDirectory.
func (l *StaticLocations) Descendants(_ context.Context, id string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	seen := map[string]bool{id: true}
	queue := append([]string(nil), l.children[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, l.children[next]...)
	}
	sort.Strings(out)
	return out, nil
}

// Ancestors implements LocationDirectory.
func (l *StaticLocations) Ancestors(_ context.Context, id string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	seen := map[string]bool{id: true}
	for p := l.parent[id]; p != "" && !seen[p]; p = l.parent[p] {
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}
