// Package server implements the datagram and stream transports: running
// every received request through a middleware.Chain in front of a
// dnsframe.Service and honoring lifecycle commands broadcast through a
// Broadcaster. Grounded on jmanero-go-dns/server.go's
// Serve/ServeStream/HandleStream loop, generalized from a single fixed
// Handler interface to the framework's Service/Transaction abstraction
// and the chain's pre/postprocess contract.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jmanero/go-logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/jmanero/dnsframe"
	"github.com/jmanero/dnsframe/metrics"
	"github.com/jmanero/dnsframe/middleware"
)

// defaultQueueDepth bounds how many frames a stream connection may have
// in flight (read but not yet written back) before ServeStream's read
// half stalls reading further frames. It is the backpressure point a
// slow or stuck request (an AXFR waiting on xfr.Pool, say) pushes back
// against, instead of blocking every other request on the connection.
const defaultQueueDepth = 1024

// defaultIdleTimeout closes a stream connection that neither reads nor
// writes for this long, mirroring miekg/dns's vendored server.go
// tcpIdleTimeout convention of a single-digit-second default.
const defaultIdleTimeout = 8 * time.Second

type closers struct {
	sync.Mutex
	entries []io.Closer
}

func (cls *closers) AddCloser(closer io.Closer) {
	cls.Lock()
	defer cls.Unlock()
	cls.entries = append(cls.entries, closer)
}

func (cls *closers) CloseAll() (err error) {
	cls.Lock()
	defer cls.Unlock()

	for _, closer := range cls.entries {
		err = multierr.Append(err, closer.Close())
	}
	return
}

type canceler struct {
	once   sync.Once
	base   context.Context
	cancel context.CancelFunc
}

// Context initializes a context.Context and context.CancelFunc on first
// call. Subsequent calls return the same base Context value.
func (ca *canceler) Context() context.Context {
	ca.once.Do(func() { ca.base, ca.cancel = context.WithCancel(context.Background()) })
	return ca.base
}

// Server runs a dnsframe.Service behind a middleware.Chain over one or
// more datagram sockets and stream listeners, and tracks every request
// through a metrics.Set.
type Server struct {
	Service dnsframe.Service
	Chain   *middleware.Chain
	Bufs    dnsframe.BufSource
	Metrics *metrics.Set

	// Broadcaster carries lifecycle commands (reconfigure/close/shutdown)
	// to every datagram loop and stream connection; nil disables that
	// behavior entirely (no subscription, no select case).
	Broadcaster *Broadcaster

	// QueueDepth bounds the number of frames a stream connection may have
	// in flight at once. Zero uses defaultQueueDepth.
	QueueDepth int
	// IdleTimeout closes a stream connection that sees no read or write
	// activity for this long. Zero uses defaultIdleTimeout; a negative
	// value disables the idle timer entirely.
	IdleTimeout time.Duration

	// BaseContext is called when a new Serve/ServeStream goroutine group
	// is created for a listener.
	BaseContext func(context.Context, net.Addr) context.Context
	// ConnContext is called when a new connection is accepted.
	ConnContext func(context.Context, net.Conn) context.Context

	sync.WaitGroup
	closers
	canceler
}

// process runs one request through the chain and service, returning a
// channel of already-postprocessed items a caller can range over. The
// channel is closed once the transaction is exhausted. It never lets a
// panic in Service or a Processor escape its own goroutine.
func (s *Server) process(ctx context.Context, buf []byte, req *dnsframe.Request) <-chan dnsframe.Item {
	out := make(chan dnsframe.Item, 1)

	s.Go(func() {
		defer close(out)
		defer func() {
			if value := recover(); value != nil {
				logging.Error(ctx, "handler.panic", zap.Any("panic", value), zap.String("stack", string(debug.Stack())))
			}
		}()

		if s.Metrics != nil {
			s.Metrics.RequestReceived()
			defer s.Metrics.RequestCompleted()
		}

		if _, err := req.Start(buf); err != nil {
			logging.Error(ctx, "handler.parse", zap.Error(err))
			return
		}
		req = req.WithContext(ctx)

		resp, lastIdx, err := s.Chain.Preprocess(ctx, s.Bufs, req)
		if err != nil {
			logging.Error(ctx, "handler.preprocess", zap.Error(err))
			return
		}
		if resp != nil {
			s.Chain.Postprocess(ctx, s.Bufs, req, resp, lastIdx)
			out <- dnsframe.Item{Result: dnsframe.NewCallResult(resp)}
			return
		}

		tx, err := s.Service.Call(req)
		if err != nil {
			logging.Error(ctx, "handler.service", zap.Error(err))
			resp = servfail(s.Bufs, req)
			s.Chain.Postprocess(ctx, s.Bufs, req, resp, lastIdx)
			out <- dnsframe.Item{Result: dnsframe.NewCallResult(resp)}
			return
		}

		if tx.IsStream() && req.IsUDP() {
			// A Stream's ordering and backpressure guarantees assume a
			// connection; a datagram transport can't provide either, so a
			// service that returns one for a UDP request is a service error
			// rather than something the client can be blamed for.
			logging.Error(ctx, "handler.stream-over-datagram")
			out <- dnsframe.Item{Result: dnsframe.NewCallResult(servfail(s.Bufs, req))}
			return
		}

		for {
			item, ok := tx.Next(ctx)
			if !ok {
				return
			}
			if item.Result != nil && item.Result.Response != nil {
				s.Chain.Postprocess(ctx, s.Bufs, req, item.Result.Response, lastIdx)
			}
			out <- item
		}
	})

	return out
}

// servfail builds a minimal SERVFAIL response echoing the request's ID,
// for failures the chain/service pipeline can't otherwise turn into a
// Response (e.g. a disallowed Stream-over-datagram transaction).
func servfail(bufs dnsframe.BufSource, req *dnsframe.Request) *dnsframe.Response {
	builder := dnsframe.NewResponseBuilder(bufs, dnsmessage.Header{
		ID: req.Header.ID, Response: true, RCode: dnsmessage.RCodeServerFailure,
	})
	msg, err := builder.Finish()
	if err != nil {
		panic(err)
	}
	return dnsframe.NewResponse(msg)
}

func (s *Server) send(ctx context.Context, wr dnsframe.ResponseWriter, resp *dnsframe.Response) {
	if err := wr.Send(resp); err != nil {
		logging.Error(ctx, "handler.send", zap.Error(err))
		return
	}
	if s.Metrics != nil {
		s.Metrics.ResponseSent()
	}
}

// notify sets ch to the ready state without blocking, dropping the
// signal if a previous one hasn't been consumed yet — callers only care
// that *some* activity happened since the last observation, not how
// much.
func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Serve reads datagrams from conn and dispatches each to the service,
// refusing to honor a Stream transaction produced for a UDP request (a
// datagram transport cannot carry a Stream's ordering/backpressure
// guarantees). It subscribes to the server's Broadcaster, if any, and
// exits cleanly on a Shutdown command; Reconfigure is a no-op for
// datagrams and CloseConnection is unreachable since Serve has no
// individual connections to target.
func (s *Server) Serve(conn net.PacketConn) error {
	s.Add(1)
	s.AddCloser(conn)

	defer s.Done()
	defer conn.Close()

	ctx := s.Context()
	if s.BaseContext != nil {
		ctx = s.BaseContext(ctx, conn.LocalAddr())
	}
	if s.Metrics != nil {
		s.Metrics.ConnectionOpened()
		defer s.Metrics.ConnectionClosed()
	}

	var watcher *Watcher
	if s.Broadcaster != nil {
		watcher = s.Broadcaster.Subscribe()
	}

	type datagram struct {
		buf  []byte
		size int
		from net.Addr
		err  error
	}
	reads := make(chan datagram)

	readOne := func() {
		buf := s.Bufs.Create()
		size, from, err := conn.ReadFrom(buf)
		reads <- datagram{buf: buf, size: size, from: from, err: err}
	}
	go readOne()

	for {
		var changed <-chan struct{}
		if watcher != nil {
			changed = watcher.Changed()
		}

		select {
		case d := <-reads:
			if d.err != nil {
				return d.err
			}

			buf, size, from := d.buf, d.size, d.from
			go readOne()

			s.Go(func() {
				defer s.Bufs.Release(buf)

				req := &dnsframe.Request{Transport: dnsframe.TransportUDP, LocalAddr: conn.LocalAddr(), RemoteAddr: from}
				wr := &dnsframe.PacketWriter{Conn: conn, Addr: from, Bufs: s.Bufs}

				for item := range s.process(ctx, buf[:size], req) {
					if item.Err != nil {
						logging.Error(ctx, "handler.transaction", zap.Error(item.Err))
						continue
					}
					if item.Result == nil || item.Result.Response == nil {
						continue
					}

					s.send(ctx, wr, item.Result.Response)

					if cmd := item.Result.Command; cmd != nil && cmd.Kind == dnsframe.CmdShutdown && s.Broadcaster != nil {
						s.Broadcaster.Send(*cmd)
					}
				}
			})

		case <-changed:
			if watcher.Value().Kind == dnsframe.CmdShutdown {
				return nil
			}
		}
	}
}

// ServeStream accepts connections from listener and reassembles
// length-prefixed frames from each.
func (s *Server) ServeStream(listener net.Listener) error {
	s.Add(1)
	s.AddCloser(listener)

	defer s.Done()
	defer listener.Close()

	ctx := s.Context()
	if s.BaseContext != nil {
		ctx = s.BaseContext(ctx, listener.Addr())
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}

		s.Go(func() { s.HandleStream(ctx, conn) })
	}
}

// streamJob is one length-prefixed frame read off a connection: its
// items channel is the in-order output of running that frame's request
// through the chain and service, produced concurrently with later
// frames' jobs.
type streamJob struct {
	items <-chan dnsframe.Item
}

// HandleStream drives one accepted connection through
// Accepting/Active/Draining/Closed: Accepting is this call starting up,
// Active is the bulk of the method body below, Draining begins the
// moment readStreamFrames stops (EOF, a read error, an idle timeout, or
// a Shutdown/CloseConnection command) and lasts until the write half has
// flushed every already-queued job, and Closed is the deferred conn.Close
// on return. Concurrency note: readStreamFrames pushes one job per frame
// onto a bounded channel (QueueDepth, default 1024) and spawns that job's
// processing immediately, so multiple frames' service work can proceed
// concurrently; writeStreamJobs drains jobs strictly in arrival order,
// so responses are still serialized per connection even though the work
// producing them isn't. Grounded on jmanero-go-dns/server.go's
// HandleStream frame-reassembly loop, split into independent read/write
// halves joined by the jobs channel instead of one synchronous call per
// frame.
func (s *Server) HandleStream(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.ConnContext != nil {
		ctx = s.ConnContext(ctx, conn)
	}
	if s.Metrics != nil {
		s.Metrics.ConnectionOpened()
		defer s.Metrics.ConnectionClosed()
	}

	queueDepth := s.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	idleTimeout := s.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultIdleTimeout
	}

	jobs := make(chan *streamJob, queueDepth)
	activity := make(chan struct{}, 1)
	localCmds := make(chan dnsframe.ServiceCommand, 1)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(jobs)
		s.readStreamFrames(ctx, conn, jobs, activity)
	}()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeStreamJobs(ctx, conn, jobs, activity, localCmds)
	}()

	var watcher *Watcher
	if s.Broadcaster != nil {
		watcher = s.Broadcaster.Subscribe()
	}

	var idle *time.Timer
	if idleTimeout > 0 {
		idle = time.NewTimer(idleTimeout)
		defer idle.Stop()
	}

	closeConn := func() {
		// Stop only the read half, so the write half can still flush
		// every queued job; the deferred conn.Close runs after both.
		conn.SetReadDeadline(time.Now())
		<-readDone
		<-writeDone
	}

	for {
		var changed <-chan struct{}
		if watcher != nil {
			changed = watcher.Changed()
		}
		var idleC <-chan time.Time
		if idle != nil {
			idleC = idle.C
		}

		select {
		case <-readDone:
			// The read half is gone (EOF, read error, or a forced close);
			// let the write half flush whatever is already queued before
			// this connection moves to Closed.
			<-writeDone
			return

		case <-activity:
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(idleTimeout)
			}

		case <-idleC:
			logging.Info(ctx, "stream.idle-timeout")
			closeConn()
			return

		case cmd := <-localCmds:
			switch cmd.Kind {
			case dnsframe.CmdCloseConnection:
				closeConn()
				return
			case dnsframe.CmdReconfigure:
				idleTimeout = cmd.IdleTimeout
				if idleTimeout > 0 {
					if idle == nil {
						idle = time.NewTimer(idleTimeout)
						defer idle.Stop()
					} else {
						if !idle.Stop() {
							select {
							case <-idle.C:
							default:
							}
						}
						idle.Reset(idleTimeout)
					}
				} else if idle != nil {
					idle.Stop()
					idle = nil
				}
			}

		case <-changed:
			switch cmd := watcher.Value(); cmd.Kind {
			case dnsframe.CmdShutdown:
				closeConn()
				return
			}
		}
	}
}

// readStreamFrames reconstructs length-prefixed frames from conn,
// spawning each frame's chain/service processing immediately and
// pushing the resulting streamJob onto jobs. Pushing onto the bounded
// jobs channel is the backpressure point: once QueueDepth jobs are
// outstanding, the next push blocks until the write half drains one,
// which in turn stalls reading further frames off the wire.
func (s *Server) readStreamFrames(ctx context.Context, conn net.Conn, jobs chan<- *streamJob, activity chan<- struct{}) {
	logger := logging.FromContext(ctx)

	buf := s.Bufs.Create()
	defer s.Bufs.Release(buf)

	var wpos, rpos int

	for {
		nread, err := conn.Read(buf[wpos:])
		wpos += nread
		if nread > 0 {
			notify(activity)
		}

		// A frame header (2 bytes) plus a minimal DNS header (12 bytes)
		// is the smallest complete unit worth inspecting.
		for wpos-rpos >= 14 {
			size := int(dnsframe.DecodeLength(buf[rpos:]))

			if need := rpos + 2 + size; need > cap(buf) {
				// Grow to at least need; the reslice to cap(buf) at the
				// end of the outer loop restores the len==cap invariant
				// conn.Read(buf[wpos:]) relies on.
				buf = dnsframe.GrowBuffer(buf, need, need)
			}
			if rpos+2+size > wpos {
				break
			}

			rpos += 2
			// Copy the frame out: buf's backing array is reused and
			// shifted at the end of this read, but the job's processing
			// goroutine may still be reading from it afterwards.
			frame := append([]byte(nil), buf[rpos:rpos+size]...)
			rpos += size

			req := &dnsframe.Request{Transport: dnsframe.TransportTCP, LocalAddr: conn.LocalAddr(), RemoteAddr: conn.RemoteAddr()}
			job := &streamJob{items: s.process(ctx, frame, req)}

			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}

		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			logger.Warn("connection", zap.Error(err))
			return
		}

		wpos = copy(buf, buf[rpos:wpos])
		rpos = 0
		buf = buf[:cap(buf)]
	}
}

// writeStreamJobs drains jobs strictly in arrival order, writing each
// item a job's own channel produces before even looking at the next
// job — this is what keeps per-connection response ordering intact
// despite jobs' service work running concurrently underneath. A
// CallResult's own Command is a local instruction for this connection:
// CmdCloseConnection asks writeStreamJobs's caller to tear the
// connection down once the in-flight item is flushed, and
// CmdReconfigure asks it to adopt a new idle timeout. CmdShutdown is the
// one kind with global reach, so it's forwarded to the Broadcaster
// instead of applied locally.
func (s *Server) writeStreamJobs(ctx context.Context, conn net.Conn, jobs <-chan *streamJob, activity chan<- struct{}, localCmds chan<- dnsframe.ServiceCommand) {
	wr := &dnsframe.StreamWriter{Conn: conn, Bufs: s.Bufs}

	for job := range jobs {
		for item := range job.items {
			if item.Err != nil {
				logging.Error(ctx, "handler.transaction", zap.Error(item.Err))
				continue
			}
			if item.Result == nil || item.Result.Response == nil {
				continue
			}

			s.send(ctx, wr, item.Result.Response)
			notify(activity)

			cmd := item.Result.Command
			if cmd == nil {
				continue
			}

			switch cmd.Kind {
			case dnsframe.CmdShutdown:
				if s.Broadcaster != nil {
					s.Broadcaster.Send(*cmd)
				}
			case dnsframe.CmdCloseConnection, dnsframe.CmdReconfigure:
				notify1(localCmds, *cmd)
			}
		}
	}
}

// notify1 delivers cmd to ch without blocking, replacing any previous
// unread command the same way Broadcaster coalesces values for a slow
// subscriber — only the most recent local command matters. Safe only
// with a single producer, which writeStreamJobs is.
func notify1(ch chan<- dnsframe.ServiceCommand, cmd dnsframe.ServiceCommand) {
	select {
	case ch <- cmd:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cmd:
	default:
	}
}

// Shutdown broadcasts CmdShutdown to every live connection and listener
// loop, closes every tracked listener/connection, waits for in-flight
// handlers to finish or ctx to expire, and cancels handler contexts.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	if s.Broadcaster != nil {
		s.Broadcaster.Send(dnsframe.ServiceCommand{Kind: dnsframe.CmdShutdown})
	}

	if cerr := s.CloseAll(); cerr != nil {
		logging.Error(ctx, "shutdown.close", zap.Error(cerr))
	}

	wait := make(chan struct{})
	go func() { s.Wait(); close(wait) }()

	select {
	case <-ctx.Done():
	case <-wait:
	}

	if s.cancel != nil {
		s.cancel()
	}
	return
}
