package discovery

import "sort"

// PendingKeySet holds channel indices whose device key has not been
// obtained yet. Only a fresh discovery pass resets it; retries shrink it.
type PendingKeySet struct {
	idx map[int]struct{}
}

// NewPendingKeySet creates an empty set.
func NewPendingKeySet() *PendingKeySet {
	return &PendingKeySet{idx: make(map[int]struct{})}
}

func (p *PendingKeySet) Add(index int) {
	p.idx[index] = struct{}{}
}

// Remove reports whether index was pending.
func (p *PendingKeySet) Remove(index int) bool {
	_, ok := p.idx[index]
	delete(p.idx, index)
	return ok
}

func (p *PendingKeySet) Has(index int) bool {
	_, ok := p.idx[index]
	return ok
}

func (p *PendingKeySet) Len() int {
	return len(p.idx)
}

// List returns the pending indices in ascending order.
func (p *PendingKeySet) List() []int {
	out := make([]int, 0, len(p.idx))
	for i := range p.idx {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (p *PendingKeySet) Reset() {
	p.idx = make(map[int]struct{})
}
