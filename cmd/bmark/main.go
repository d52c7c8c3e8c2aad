//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// bmark drives the TCP transport end to end: a server that sinks
// reads, and a client that saturates one or more connections with
// fixed-size writes for a bounded time, reporting throughput.

package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/atomic"
	_ "go.uber.org/automaxprocs"

	"github.com/pujaraniyadav/bblocks.cc/iobuf"
	"github.com/pujaraniyadav/bblocks.cc/logging"
	"github.com/pujaraniyadav/bblocks.cc/reactor"
	"github.com/pujaraniyadav/bblocks.cc/sched"
	"github.com/pujaraniyadav/bblocks.cc/transport/tcp"
)

type options struct {
	server bool
	client bool
	laddr  string
	raddr  string
	iosize int
	nconn  int
	nsec   int
	ncpu   int
}

func parseOptions() (*options, error) {
	o := &options{}
	flag.BoolVarP(&o.server, "server", "s", false, "start server component")
	flag.BoolVarP(&o.client, "client", "c", false, "start client component")
	flag.StringVarP(&o.laddr, "laddr", "l", "0.0.0.0:0", "local address")
	flag.StringVarP(&o.raddr, "raddr", "r", "", "remote address")
	flag.IntVar(&o.iosize, "iosize", 4*1024, "IO size in bytes")
	flag.IntVar(&o.nconn, "conn", 1, "client connections")
	flag.IntVarP(&o.nsec, "time", "t", 60, "time in sec (only with -c)")
	flag.IntVarP(&o.ncpu, "ncpu", "n", 8, "CPUs to use")
	flag.Parse()

	if o.server == o.client {
		return nil, fmt.Errorf("exactly one of --server and --client is required")
	}
	if o.client && o.raddr == "" {
		return nil, fmt.Errorf("--client requires --raddr")
	}
	if o.iosize <= 0 || o.nconn <= 0 || o.nsec <= 0 || o.ncpu <= 0 {
		return nil, fmt.Errorf("sizes, counts and durations must be positive")
	}
	return o, nil
}

// chStats tracks per-channel byte counters.
type chStats struct {
	start        time.Time
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

// serverBench accepts connections and sinks whatever arrives.
type serverBench struct {
	mu      sync.Mutex
	loop    *reactor.EpollLoop
	pool    *sched.Pool
	iosize  int
	chstats map[*tcp.Channel]*chStats
}

func (s *serverBench) WriteDone(ch *tcp.Channel, n int) {}

func (s *serverBench) onConn(status int, ch *tcp.Channel) {
	if status < 0 {
		logger := logging.New("bmark/server")
		logger.Error().Int("status", status).Msg("accept failed")
		return
	}

	s.mu.Lock()
	s.chstats[ch] = &chStats{start: time.Now()}
	s.mu.Unlock()

	ch.RegisterClient(s)
	s.readLoop(ch)
}

// readLoop keeps one read outstanding, re-issuing inline completions
// on the spot and asynchronous ones from the handler.
func (s *serverBench) readLoop(ch *tcp.Channel) {
	for {
		buf := iobuf.Alloc(s.iosize)
		if !ch.Read(buf, s.onRead) {
			return
		}
		s.account(ch, s.iosize)
	}
}

func (s *serverBench) onRead(ch *tcp.Channel, status int, buf *iobuf.Buffer) {
	if status < 0 {
		logger := logging.New("bmark/server")
		logger.Warn().Int("status", status).Msg("channel read failed")
		return
	}
	s.account(ch, status)
	s.readLoop(ch)
}

func (s *serverBench) account(ch *tcp.Channel, n int) {
	s.mu.Lock()
	st := s.chstats[ch]
	s.mu.Unlock()
	if st != nil {
		st.bytesRead.Add(int64(n))
	}
}

// clientBench saturates nconn channels with iosize writes for nsec
// seconds, then reports and wakes the main thread.
type clientBench struct {
	mu       sync.Mutex
	loop     *reactor.EpollLoop
	pool     *sched.Pool
	laddr    string
	raddr    string
	iosize   int
	nsec     int
	start    time.Time
	active   atomic.Int64
	chstats  map[*tcp.Channel]*chStats
}

func newClientBench(loop *reactor.EpollLoop, pool *sched.Pool, o *options) *clientBench {
	return &clientBench{
		loop:    loop,
		pool:    pool,
		laddr:   o.laddr,
		raddr:   o.raddr,
		iosize:  o.iosize,
		nsec:    o.nsec,
		chstats: make(map[*tcp.Channel]*chStats),
	}
}

func (c *clientBench) start0(nconn int) {
	c.start = time.Now()
	connector := tcp.NewConnector(c.loop, c.pool)
	for i := 0; i < nconn; i++ {
		c.active.Inc()
		connector.Connect(c.laddr, c.raddr, c.onConn)
	}
}

func (c *clientBench) onConn(status int, ch *tcp.Channel) {
	if status < 0 {
		fmt.Fprintln(os.Stderr, "bmark: connect failed")
		os.Exit(1)
	}

	c.mu.Lock()
	c.chstats[ch] = &chStats{start: time.Now()}
	c.mu.Unlock()

	ch.RegisterClient(c)
	c.send(ch)
}

// send enqueues writes until the backlog pushes back or time is up.
// On busy it parks; the next WriteDone resumes it.
func (c *clientBench) send(ch *tcp.Channel) {
	for {
		if time.Since(c.start) > time.Duration(c.nsec)*time.Second {
			c.finish(ch)
			return
		}

		buf := iobuf.Alloc(c.iosize)
		if _, err := ch.EnqueueWrite(buf); err != nil {
			// Backlog full; resume from WriteDone.
			return
		}

		c.mu.Lock()
		st := c.chstats[ch]
		c.mu.Unlock()
		if st == nil {
			return
		}
		st.bytesWritten.Add(int64(c.iosize))
	}
}

func (c *clientBench) WriteDone(ch *tcp.Channel, n int) {
	if n < 0 {
		fmt.Fprintln(os.Stderr, "bmark: write failed")
		os.Exit(1)
	}
	if time.Since(c.start) > time.Duration(c.nsec)*time.Second {
		c.finish(ch)
		return
	}
	c.send(ch)
}

// finish retires one channel; the last one reports and wakes main.
// Late WriteDone notifications for an already-retired channel fall
// through the liveness check.
func (c *clientBench) finish(ch *tcp.Channel) {
	c.mu.Lock()
	st, live := c.chstats[ch]
	if !live {
		c.mu.Unlock()
		return
	}
	delete(c.chstats, ch)
	c.mu.Unlock()

	c.printChannel(st)
	ch.UnregisterClient(c, func(status int) {
		ch.Close()
		if c.active.Dec() == 0 {
			c.report()
			c.pool.Wakeup()
		}
	})
}

func (c *clientBench) printChannel(st *chStats) {
	elapsed := time.Since(c.start).Seconds()
	mb := float64(st.bytesWritten.Load()) / (1024 * 1024)
	fmt.Printf("w-bytes %d bytes\n", st.bytesWritten.Load())
	fmt.Printf("time : %.1f s\n", elapsed)
	fmt.Printf("write throughput : %.1f MBps\n", mb/elapsed)
}

func (c *clientBench) report() {
	fmt.Printf("all connections drained after %.1f s\n", time.Since(c.start).Seconds())
}

func main() {
	o, err := parseOptions()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bmark:", err)
		flag.Usage()
		os.Exit(1)
	}

	log := logging.New("bmark")
	pool := sched.New()
	pool.Start(o.ncpu)

	loop, err := reactor.NewEpollLoop("bmark")
	if err != nil {
		log.Fatal().Err(err).Msg("event loop setup failed")
	}

	if o.client {
		log.Info().
			Str("laddr", o.laddr).Str("raddr", o.raddr).
			Int("iosize", o.iosize).Int("conn", o.nconn).
			Int("ncpu", o.ncpu).Int("time_s", o.nsec).
			Msg("running client benchmark")

		c := newClientBench(loop, pool, o)
		pool.ScheduleFunc(func() { c.start0(o.nconn) })
		pool.Wait()
	} else {
		log.Info().Str("laddr", o.laddr).Int("ncpu", o.ncpu).Msg("running server")

		s := &serverBench{
			loop:    loop,
			pool:    pool,
			iosize:  o.iosize,
			chstats: make(map[*tcp.Channel]*chStats),
		}
		ln := tcp.NewListener(o.laddr, loop, pool)
		pool.ScheduleFunc(func() { ln.Listen(s.onConn) })
		pool.Wait()
		ln.Shutdown()
	}

	_ = loop.Close()
	pool.Shutdown()
}
