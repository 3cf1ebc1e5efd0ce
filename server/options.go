package server

import (
	"context"
	"net"
	"time"

	"github.com/jmanero/go-listen"
	"github.com/jmanero/go-logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmanero/dnsframe"
	"github.com/jmanero/dnsframe/metrics"
	"github.com/jmanero/dnsframe/middleware"
)

// ListenOptions configures one listener or set of packet connections,
// grounded on jmanero-go-dns/helpers.go's ListenOptions and extended with
// nothing beyond renaming: go-listen's socket options already cover every
// knob the transport layer needs (reuseport, buffer sizes, backlog).
type ListenOptions struct {
	Network string         `json:"network"`
	Listen  string         `json:"listen"`
	Socket  listen.Options `json:"options"`
}

// Options configures a full dnsframe instance: its listeners, shutdown
// grace period, and the service/chain pipeline every listener shares.
type Options struct {
	Streams   []ListenOptions `json:"streams,omitempty"`
	Datagrams []ListenOptions `json:"datagrams,omitempty"`
	Shutdown  time.Duration   `json:"shutdown_timeout"`

	// StreamQueueDepth bounds in-flight frames per stream connection;
	// zero uses Server's default. Datagrams have no per-connection queue.
	StreamQueueDepth int `json:"stream_queue_depth,omitempty"`
	// StreamIdleTimeout closes an idle stream connection; zero uses
	// Server's default, a negative value disables the idle timer.
	StreamIdleTimeout time.Duration `json:"stream_idle_timeout,omitempty"`

	Service dnsframe.Service
	Chain   *middleware.Chain
	Bufs    dnsframe.BufSource
}

// ListenAndServeStream opens net.Listeners for opts and starts accepting
// connections on them.
func ListenAndServeStream(ctx context.Context, opts ListenOptions, group *errgroup.Group, srv *Server) (err error) {
	_, logger := logging.With(ctx, zap.String("bind", opts.Listen))

	listeners, err := listen.Listen(ctx, opts.Network, opts.Listen, opts.Socket)
	if err != nil && len(listeners) == 0 {
		logger.Error("listen.error", zap.Error(err))
		return
	}

	for _, listener := range listeners {
		logger.Info("listening", zap.Stringer("addr", listener.Addr()))
		group.Go(func() error { return srv.ServeStream(listener) })
	}

	return
}

// ListenAndServeDatagram opens and binds net.PacketConns for opts and
// starts reading datagrams from them.
func ListenAndServeDatagram(ctx context.Context, opts ListenOptions, group *errgroup.Group, srv *Server) (err error) {
	_, logger := logging.With(ctx, zap.String("bind", opts.Listen))

	conns, err := listen.Packet(ctx, opts.Network, opts.Listen, opts.Socket)
	if err != nil && len(conns) == 0 {
		return
	}

	for _, conn := range conns {
		logger.Info("listening", zap.Stringer("addr", conn.LocalAddr()))
		group.Go(func() error { return srv.Serve(conn) })
	}

	return
}

// Serve constructs a Server from opts, starts its configured listeners,
// and registers a shutdown monitor that drains it when ctx is cancelled.
func Serve(ctx context.Context, opts Options) (err error) {
	ctx, logger := logging.Named(ctx, "dns")
	group, ctx := errgroup.WithContext(ctx)

	bufs := opts.Bufs
	if bufs == nil {
		bufs = dnsframe.NewPoolBufSource(0)
	}

	broadcaster := NewBroadcaster()
	baseContext := func(ctx context.Context, addr net.Addr) context.Context {
		return logging.WithLogger(ctx, logger.With(zap.String("proto", addr.Network()), zap.Stringer("listener", addr)))
	}
	connContext := func(ctx context.Context, conn net.Conn) context.Context {
		ctx, _ = logging.With(ctx, zap.Stringer("conn", conn.RemoteAddr()))
		return ctx
	}

	streamSrv := &Server{
		Service: opts.Service, Chain: opts.Chain, Bufs: bufs, Broadcaster: broadcaster,
		Metrics: metrics.NewSet("stream"), BaseContext: baseContext, ConnContext: connContext,
		QueueDepth: opts.StreamQueueDepth, IdleTimeout: opts.StreamIdleTimeout,
	}
	dgramSrv := &Server{
		Service: opts.Service, Chain: opts.Chain, Bufs: bufs, Broadcaster: broadcaster,
		Metrics: metrics.NewSet("datagram"), BaseContext: baseContext, ConnContext: connContext,
	}

	group.Go(func() error { return Shutdown(ctx, opts.Shutdown, streamSrv.Shutdown) })
	group.Go(func() error { return Shutdown(ctx, opts.Shutdown, dgramSrv.Shutdown) })

	for _, lo := range opts.Streams {
		if err = ListenAndServeStream(ctx, lo, group, streamSrv); err != nil {
			return
		}
	}

	for _, lo := range opts.Datagrams {
		if err = ListenAndServeDatagram(ctx, lo, group, dgramSrv); err != nil {
			return
		}
	}

	return group.Wait()
}

// Shutdown blocks until ctx is cancelled, then calls shutdown with a fresh
// context bounded by timeout.
func Shutdown(ctx context.Context, timeout time.Duration, shutdown func(context.Context) error) error {
	<-ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logging.Info(ctx, "stopping")
	defer logging.Info(ctx, "stopped")
	return shutdown(ctx)
}
