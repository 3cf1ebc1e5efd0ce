package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jmanero/dnsframe"
)

func TestBroadcasterInitialValueIsCmdInit(t *testing.T) {
	b := NewBroadcaster()
	w := b.Subscribe()

	assert.Equal(t, dnsframe.CmdInit, w.Value().Kind)
}

func TestBroadcasterSendWakesSubscriber(t *testing.T) {
	b := NewBroadcaster()
	w := b.Subscribe()

	changed := w.Changed()
	b.Send(dnsframe.ServiceCommand{Kind: dnsframe.CmdShutdown})

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not woken by Send")
	}

	assert.Equal(t, dnsframe.CmdShutdown, w.Value().Kind)
}

func TestBroadcasterCoalescesCommandsBetweenReads(t *testing.T) {
	b := NewBroadcaster()
	w := b.Subscribe()

	b.Send(dnsframe.ServiceCommand{Kind: dnsframe.CmdReconfigure, IdleTimeout: time.Second})
	b.Send(dnsframe.ServiceCommand{Kind: dnsframe.CmdCloseConnection})

	// A slow subscriber that never observed the first Send only ever sees
	// the latest coalesced value.
	assert.Equal(t, dnsframe.CmdCloseConnection, w.Value().Kind)
}

func TestBroadcasterMultipleSubscribersAllObserveSend(t *testing.T) {
	b := NewBroadcaster()
	w1 := b.Subscribe()
	w2 := b.Subscribe()

	c1 := w1.Changed()
	c2 := w2.Changed()

	b.Send(dnsframe.ServiceCommand{Kind: dnsframe.CmdShutdown})

	for _, c := range []<-chan struct{}{c1, c2} {
		select {
		case <-c:
		case <-time.After(time.Second):
			t.Fatal("a subscriber missed the broadcast")
		}
	}
}
