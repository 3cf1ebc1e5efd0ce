package dnsframe

import (
	"context"
	"sync"
	"time"
)

// ServiceCommandKind identifies the lifecycle directive a CallResult may
// carry back to the server handling a request.
type ServiceCommandKind int

const (
	// CmdInit is the initial value a Broadcaster holds before any command
	// has been issued; it is never observed by a connection that
	// subscribes after startup.
	CmdInit ServiceCommandKind = iota
	// CmdReconfigure asks live connections to adopt a new idle timeout.
	CmdReconfigure
	// CmdCloseConnection asks the connection that produced it to close
	// once its pending responses have been flushed.
	CmdCloseConnection
	// CmdShutdown asks every server and connection to stop accepting new
	// work and wind down.
	CmdShutdown
)

// String implements fmt.Stringer.
func (k ServiceCommandKind) String() string {
	switch k {
	case CmdInit:
		return "init"
	case CmdReconfigure:
		return "reconfigure"
	case CmdCloseConnection:
		return "close-connection"
	case CmdShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ServiceCommand is a lifecycle directive broadcast to running servers and
// connections, or returned alongside a response to steer the connection
// that produced it.
type ServiceCommand struct {
	Kind ServiceCommandKind
	// IdleTimeout is only meaningful when Kind == CmdReconfigure.
	IdleTimeout time.Duration
}

// CallResult is the per-item payload of a Transaction: an optional response
// to send and an optional command directing the server's or connection's
// handling of subsequent requests.
type CallResult struct {
	Response *Response
	Command  *ServiceCommand
}

// NewCallResult wraps a built Response with no command.
func NewCallResult(resp *Response) *CallResult {
	return &CallResult{Response: resp}
}

// WithCommand attaches a ServiceCommand to the result and returns it for
// chaining.
func (c *CallResult) WithCommand(cmd ServiceCommand) *CallResult {
	c.Command = &cmd
	return c
}

// Item is one value produced by a Transaction: either a CallResult or a
// service error, never both.
type Item struct {
	Result *CallResult
	Err    error
}

type transactionKind int

const (
	transactionSingle transactionKind = iota
	transactionStream
)

// Transaction represents one response (Single) or an ordered, lazily
// produced sequence of responses (Stream) for one request. A Stream is
// finite; its items are destined for a single client in order.
// Cancelling the context passed to Next drops any un-awaited work —
// already-serialized responses may still be in flight at the transport.
type Transaction struct {
	kind transactionKind

	mu         sync.Mutex
	single     func(context.Context) (*CallResult, error)
	singleDone bool

	stream <-chan Item
}

// Single builds a Transaction that resolves exactly one item by invoking fn
// once, on the first call to Next.
func Single(fn func(context.Context) (*CallResult, error)) Transaction {
	return Transaction{kind: transactionSingle, single: fn}
}

// Stream builds a Transaction over an ordered, finite channel of items. The
// producer must close ch when the sequence is complete.
func Stream(ch <-chan Item) Transaction {
	return Transaction{kind: transactionStream, stream: ch}
}

// IsStream reports whether the transaction may yield more than one item.
func (t *Transaction) IsStream() bool { return t.kind == transactionStream }

// Next returns the next item in the transaction, or ok == false once the
// transaction is exhausted (a Single transaction yields exactly one item;
// a Stream transaction yields until its channel closes). Once ctx is done,
// every Next on a Stream returns an item carrying ctx.Err() with ok == true.
func (t *Transaction) Next(ctx context.Context) (Item, bool) {
	switch t.kind {
	case transactionSingle:
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.singleDone {
			return Item{}, false
		}
		t.singleDone = true

		result, err := t.single(ctx)
		return Item{Result: result, Err: err}, true

	case transactionStream:
		select {
		case item, ok := <-t.stream:
			if !ok {
				return Item{}, false
			}
			return item, true
		case <-ctx.Done():
			return Item{Err: ctx.Err()}, true
		}

	default:
		return Item{}, false
	}
}
