// Package server hosts the datagram and stream transports that drive the
// request/response pipeline: Server's Serve and HandleStream loops both
// subscribe to the Broadcaster control plane below.
package server

import (
	"sync"

	"github.com/jmanero/dnsframe"
)

// Broadcaster is a single-writer, multi-reader, latest-value primitive used
// to fan lifecycle commands out to every running server and connection. It
// plays the role of a watch channel: readers only ever see the most
// recently published command, and commands issued between two reads of a
// slow reader are coalesced into the latest one. The standard library has
// no off-the-shelf equivalent of this, so Broadcaster is built directly on
// sync.Mutex and a replaced closed-channel, the idiomatic Go pattern for
// "notify of the next change" (see DESIGN.md).
type Broadcaster struct {
	mu      sync.Mutex
	value   dnsframe.ServiceCommand
	changed chan struct{}
}

// NewBroadcaster creates a Broadcaster whose initial value is CmdInit.
// Watcher.Value returns CmdInit until the first Send; Server's loops read
// Value only after Changed fires, so they never act on CmdInit.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		value:   dnsframe.ServiceCommand{Kind: dnsframe.CmdInit},
		changed: make(chan struct{}),
	}
}

// Send publishes a new command, waking every subscriber currently blocked
// in Watcher.Changed.
func (b *Broadcaster) Send(cmd dnsframe.ServiceCommand) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.value = cmd
	close(b.changed)
	b.changed = make(chan struct{})
}

// Watcher observes a stream of coalesced command updates from a
// Broadcaster.
type Watcher struct {
	b *Broadcaster
}

// Subscribe returns a Watcher over the Broadcaster's current and future
// values.
func (b *Broadcaster) Subscribe() *Watcher {
	return &Watcher{b: b}
}

// Changed returns a channel that closes the next time the broadcaster's
// value changes. Callers should select on it alongside other work, then
// call Value to read the latest command.
func (w *Watcher) Changed() <-chan struct{} {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	return w.b.changed
}

// Value returns the most recently published command.
func (w *Watcher) Value() dnsframe.ServiceCommand {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	return w.b.value
}
