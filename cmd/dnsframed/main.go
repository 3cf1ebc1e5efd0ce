// Command dnsframed wires a zone-backed dnsframe.Service behind the
// framework's full default middleware chain over both transports,
// serving a zone behind both transports with a shared chain
// (original_source/examples/serve-zone.rs), adapted from
// jmanero-go-dns/example/main.go's bare Handler wiring.
package main

import (
	"context"
	"crypto/rand"
	"os"
	"os/signal"
	"time"

	"github.com/jmanero/go-listen"
	"github.com/jmanero/go-logging"
	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/jmanero/dnsframe"
	"github.com/jmanero/dnsframe/middleware"
	"github.com/jmanero/dnsframe/server"
	"github.com/jmanero/dnsframe/zone"
)

func mustName(s string) dnsmessage.Name {
	n, err := dnsmessage.NewName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// loadExampleZone commits a small, static example.com. zone so the daemon
// answers something useful out of the box. A production deployment would
// use a zone.Reader plugged into zone.Load instead.
func loadExampleZone(tree *zone.Tree) {
	z := zone.NewZone(mustName("example.com."), dnsmessage.ClassINET, 16)

	w := z.Write()
	must(w.UpdateRRSet("", dnsmessage.TypeSOA, 3600, []dnsmessage.ResourceBody{
		&dnsmessage.SOAResource{
			NS: mustName("ns1.example.com."), MBox: mustName("hostmaster.example.com."),
			Serial: 1, Refresh: 3600, Retry: 600, Expire: 604800, MinTTL: 300,
		},
	}))
	must(w.UpdateRRSet("", dnsmessage.TypeNS, 3600, []dnsmessage.ResourceBody{
		&dnsmessage.NSResource{NS: mustName("ns1.example.com.")},
	}))
	must(w.UpdateRRSet("www", dnsmessage.TypeA, 300, []dnsmessage.ResourceBody{
		&dnsmessage.AResource{A: [4]byte{192, 0, 2, 1}},
	}))
	if _, err := w.Commit(); err != nil {
		panic(err)
	}

	if err := tree.InsertZone(z); err != nil {
		panic(err)
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func cookieSecret() []byte {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}
	return secret
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ctx, logger := logging.Named(ctx, "dnsframed")
	zap.ReplaceGlobals(logger)

	bufs := dnsframe.NewPoolBufSource(0)

	tree := zone.NewTree()
	loadExampleZone(tree)

	svc := middleware.NewXFR(zone.NewService(tree, bufs), tree, bufs)

	chain := middleware.NewChain(
		middleware.NewMandatory(),
		middleware.NewEDNS(),
		middleware.NewCookie(cookieSecret()),
	)

	opts := server.Options{
		Streams:   []server.ListenOptions{{Network: "tcp", Listen: "127.0.0.1:7653", Socket: listen.Options{}}},
		Datagrams: []server.ListenOptions{{Network: "udp", Listen: "127.0.0.1:7653", Socket: listen.Options{}}},
		Shutdown:  5 * time.Second,
		Service:   svc,
		Chain:     chain,
		Bufs:      bufs,
	}

	if err := server.Serve(ctx, opts); err != nil {
		logging.Error(ctx, "serve", zap.Error(err))
		os.Exit(1)
	}
}
