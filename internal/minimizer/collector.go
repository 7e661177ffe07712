package minimizer

import (
	"sort"
	"sync"
)

// outcome is one finished single minimization.
type outcome struct {
	round  int
	worker int
	best   Vertex
	status Status
	iter   int
}

// collector gathers the outcomes of one Minimize call. Workers of a round
// append concurrently; scans happen after the round has been joined.
type collector struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (c *collector) add(o outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}

// sorted returns the outcomes in (round, worker) order so that every scan is
// independent of goroutine completion order.
func (c *collector) sorted() []outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]outcome, len(c.outcomes))
	copy(out, c.outcomes)
	sort.Slice(out, func(i, j int) bool {
		if out[i].round != out[j].round {
			return out[i].round < out[j].round
		}
		return out[i].worker < out[j].worker
	})
	return out
}

// best returns the usable outcome with the lowest value, first found on ties.
func best(outcomes []outcome) (outcome, bool) {
	var b outcome
	found := false
	for _, o := range outcomes {
		if !usable(o) {
			continue
		}
		if !found || o.best.Value < b.best.Value {
			b = o
			found = true
		}
	}
	return b, found
}

func usable(o outcome) bool {
	return o.status != InitializationFailure && o.best.Params != nil && !isNaN(o.best.Value)
}
