// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package locator

import (
	"sync"
)

type delivery struct {
	result    Result
	broadcast bool
	terminal  bool
}

// mailbox queues results of a run for the dispatcher goroutine. push never blocks, so it is
// safe to call while holding the orchestrator lock.
type mailbox struct {
	mu     sync.Mutex
	queue  []delivery
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *mailbox) push(d delivery) {
	m.mu.Lock()
	m.queue = append(m.queue, d)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.queue
	m.queue = nil
	return queue
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

// dispatch delivers queued results of r to its callback and broadcasts accepted positions.
// It returns when the run is stopped or after delivering a terminal result.
func (o *Orchestrator) dispatch(r *run) {
	for {
		select {
		case <-r.box.done:
			return
		case <-r.box.notify:
		}

		for _, d := range r.box.drain() {
			if !o.deliver(r, d) || d.terminal {
				return
			}
		}
	}
}

// deliver hands a single result to the callback. The generation check and the callback run
// under r.deliverMu, which Stop acquires after invalidating the run, so no callback of r starts
// once Stop has returned.
func (o *Orchestrator) deliver(r *run, d delivery) bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if o.generation.Load() != r.gen {
		return false
	}

	r.inCallback.Store(true)
	r.onResult(d.result)
	r.inCallback.Store(false)

	if d.broadcast && o.broadcaster != nil && o.generation.Load() == r.gen {
		o.broadcaster.Publish(r.config.BroadcastTopic, d.result.Sample)
	}
	return true
}
