package internal

import "sort"

// Roster is the set of connected display names. Names may repeat, so it
// counts occurrences. It is not safe for concurrent use; the server guards
// its copy with its own mutex and the client only touches its projection
// from the UI goroutine.
type Roster struct {
	counts map[string]int
	size   int
}

// NewRoster creates an empty roster
func NewRoster() *Roster {
	return &Roster{counts: make(map[string]int)}
}

// Add records one more participant called name
func (r *Roster) Add(name string) {
	r.counts[name]++
	r.size++
}

// Remove drops one participant called name and reports whether one was present
func (r *Roster) Remove(name string) bool {
	n, ok := r.counts[name]
	if !ok {
		return false
	}
	if n == 1 {
		delete(r.counts, name)
	} else {
		r.counts[name] = n - 1
	}
	r.size--
	return true
}

// Contains reports whether at least one participant uses name
func (r *Roster) Contains(name string) bool {
	return r.counts[name] > 0
}

// Len returns the number of participants, duplicates included
func (r *Roster) Len() int {
	return r.size
}

// Names returns every participant name sorted, duplicates included
func (r *Roster) Names() []string {
	names := make([]string, 0, r.size)
	for name, n := range r.counts {
		for i := 0; i < n; i++ {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Apply folds a server roster update into the roster
func (r *Roster) Apply(update RosterUpdate) {
	if update.IsSnapshot() {
		r.counts = make(map[string]int, len(update.Members))
		r.size = 0
		for _, name := range update.Members {
			r.Add(name)
		}
	}
	if update.Joined != "" {
		r.Add(update.Joined)
	}
	if update.Left != "" {
		r.Remove(update.Left)
	}
}
