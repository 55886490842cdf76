package session

import (
	"strings"
	"sync/atomic"
)

const maxCanceledResponseIDs = 64

type canceledState struct {
	set   map[string]struct{}
	order []string
}

// canceledResponses is a bounded copy-on-write set of interrupted response
// ids. Writes happen on the loop goroutine; reads may come from the client
// writer and audio workers.
type canceledResponses struct {
	v atomic.Value // canceledState
}

func (c *canceledResponses) init() {
	c.v.Store(canceledState{set: make(map[string]struct{})})
}

func (c *canceledResponses) add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	state, ok := c.v.Load().(canceledState)
	if !ok {
		state = canceledState{set: make(map[string]struct{})}
	}
	if _, exists := state.set[id]; exists {
		return
	}

	nextSet := make(map[string]struct{}, len(state.set)+1)
	for k := range state.set {
		nextSet[k] = struct{}{}
	}
	nextOrder := make([]string, 0, len(state.order)+1)
	nextOrder = append(nextOrder, state.order...)
	nextOrder = append(nextOrder, id)
	nextSet[id] = struct{}{}

	for len(nextOrder) > maxCanceledResponseIDs {
		delete(nextSet, nextOrder[0])
		nextOrder = nextOrder[1:]
	}
	c.v.Store(canceledState{set: nextSet, order: nextOrder})
}

func (c *canceledResponses) has(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	state, ok := c.v.Load().(canceledState)
	if !ok || state.set == nil {
		return false
	}
	_, exists := state.set[id]
	return exists
}
