package distributed

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tsawler/go-ddp/logutil"
)

// Reduction is the operator applied by AllReduce.
type Reduction uint64

const (
	Sum Reduction = iota + 1
	Mean
	Max
)

func (r Reduction) String() string {
	switch r {
	case Sum:
		return "sum"
	case Mean:
		return "mean"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("reduction(%d)", uint64(r))
	}
}

func (r Reduction) valid() bool {
	return r == Sum || r == Mean || r == Max
}

const (
	// DefaultInitTimeout bounds the rendezvous.
	DefaultInitTimeout  = 30 * time.Second
	defaultDialInterval = 100 * time.Millisecond
	failureSendTimeout  = time.Second
)

// GroupOptions configures a process group.
type GroupOptions struct {
	// Timeout bounds the rendezvous. Zero means DefaultInitTimeout.
	Timeout time.Duration
	// CollectiveTimeout bounds every collective. Zero waits forever.
	CollectiveTimeout time.Duration
	// DialInterval paces connection attempts to rank 0.
	DialInterval time.Duration
	Logger       *zap.Logger
}

func (o GroupOptions) withDefaults() GroupOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultInitTimeout
	}
	if o.DialInterval <= 0 {
		o.DialInterval = defaultDialInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// ProcessGroup connects every rank of a run. Rank 0 is the hub of a star:
// workers send their contribution to each collective to the hub, which checks
// that everyone agrees on the operation, reduces in rank order and sends the
// result back. Collectives must be called by every rank in the same order.
type ProcessGroup struct {
	rank Rank
	opts GroupOptions
	lg   *zap.Logger

	hub   *peer   // workers only
	peers []*peer // rank 0 only, indexed by rank

	mu      sync.Mutex
	seq     uint64
	failure error

	closed       atomic.Bool
	finalizeOnce sync.Once
	finalizeErr  error
}

type peer struct {
	rank int
	conn net.Conn
}

func (p *peer) send(f *frame, deadline time.Time) error {
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return writeFrame(p.conn, f)
}

func (p *peer) recv(deadline time.Time) (*frame, error) {
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return readFrame(p.conn)
}

// Initialize forms the process group. Rank 0 listens on addr:port, every
// other rank dials it until the rendezvous timeout expires. A world of one
// never touches the network. Every failure wraps ErrInitialization.
func Initialize(ctx context.Context, rank Rank, addr string, port int, opts GroupOptions) (*ProcessGroup, error) {
	if err := rank.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	g := &ProcessGroup{
		rank: rank,
		opts: opts,
		lg:   logutil.ForRank(opts.Logger, rank.Rank),
	}
	if rank.WorldSize == 1 {
		return g, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	endpoint := net.JoinHostPort(addr, strconv.Itoa(port))
	start := time.Now()
	var err error
	if rank.IsPrimary() {
		err = g.serve(ctx, endpoint)
	} else {
		err = g.join(ctx, endpoint)
	}
	if err != nil {
		g.closeConns()
		return nil, err
	}

	g.lg.Info("process group ready",
		zap.String("endpoint", endpoint),
		zap.Int("world-size", rank.WorldSize),
		zap.Duration("took", time.Since(start)),
	)
	return g, nil
}

func (g *ProcessGroup) serve(ctx context.Context, endpoint string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", endpoint)
	if err != nil {
		return errors.Wrapf(ErrInitialization, "listen on %s: %v", endpoint, err)
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	ws := g.rank.WorldSize
	g.peers = make([]*peer, ws)
	for joined := 1; joined < ws; {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				err = errors.Wrapf(ErrInitialization, "timed out waiting for ranks %v", g.missingRanks())
			} else {
				err = errors.Wrapf(ErrInitialization, "accept: %v", err)
			}
			g.abort(err.Error())
			return err
		}

		r, err := g.admit(ctx, conn)
		if err != nil {
			_ = writeFrame(conn, &frame{Op: opFailure, Kind: failureInit, Err: err.Error()})
			conn.Close()
			g.abort(err.Error())
			return err
		}
		g.peers[r] = &peer{rank: r, conn: conn}
		joined++
		g.lg.Debug("rank joined", zap.Int("peer", r), zap.Int("joined", joined), zap.Int("world-size", ws))
	}

	deadline, _ := ctx.Deadline()
	ready := &frame{Op: opReady, WorldSize: ws}
	for _, p := range g.peers[1:] {
		if err := p.send(ready, deadline); err != nil {
			err = errors.Wrapf(ErrInitialization, "rank %d: %v", p.rank, err)
			g.abort(err.Error())
			return err
		}
	}
	return nil
}

// admit reads the hello of a freshly accepted connection and returns the
// rank it claims.
func (g *ProcessGroup) admit(ctx context.Context, conn net.Conn) (int, error) {
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, errors.Wrapf(ErrInitialization, "handshake: %v", err)
	}
	hello, err := readFrame(conn)
	if err != nil {
		return 0, errors.Wrapf(ErrInitialization, "handshake with %s: %v", conn.RemoteAddr(), err)
	}
	ws := g.rank.WorldSize
	switch {
	case hello.Op != opHello:
		return 0, errors.Wrapf(ErrInitialization, "expected hello from %s, got %s", conn.RemoteAddr(), hello.Op)
	case hello.WorldSize != ws:
		return 0, errors.Wrapf(ErrInitialization, "rank %d expects world size %d, rank 0 expects %d", hello.Rank, hello.WorldSize, ws)
	case hello.Rank <= 0 || hello.Rank >= ws:
		return 0, errors.Wrapf(ErrInitialization, "rank %d out of range for world size %d", hello.Rank, ws)
	case g.peers[hello.Rank] != nil:
		return 0, errors.Wrapf(ErrInitialization, "rank %d joined twice", hello.Rank)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return 0, errors.Wrapf(ErrInitialization, "handshake: %v", err)
	}
	return hello.Rank, nil
}

func (g *ProcessGroup) missingRanks() []int {
	var missing []int
	for r := 1; r < len(g.peers); r++ {
		if g.peers[r] == nil {
			missing = append(missing, r)
		}
	}
	return missing
}

// abort tells every rank that already joined that the rendezvous failed.
func (g *ProcessGroup) abort(msg string) {
	deadline := time.Now().Add(failureSendTimeout)
	for _, p := range g.peers {
		if p != nil {
			_ = p.send(&frame{Op: opFailure, Kind: failureInit, Err: msg}, deadline)
		}
	}
}

func (g *ProcessGroup) join(ctx context.Context, endpoint string) error {
	limiter := rate.NewLimiter(rate.Every(g.opts.DialInterval), 1)
	var (
		dialer   net.Dialer
		attempts int
		lastErr  error
	)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return errors.Wrapf(ErrInitialization, "could not reach rank 0 at %s after %d attempts: %v", endpoint, attempts, lastErr)
		}
		attempts++
		conn, err := dialer.DialContext(ctx, "tcp", endpoint)
		if err != nil {
			lastErr = err
			continue
		}

		deadline, _ := ctx.Deadline()
		p := &peer{rank: 0, conn: conn}
		if err := p.send(&frame{Op: opHello, Rank: g.rank.Rank, WorldSize: g.rank.WorldSize}, deadline); err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		reply, err := p.recv(deadline)
		if err != nil {
			conn.Close()
			return errors.Wrapf(ErrInitialization, "handshake with rank 0: %v", err)
		}
		switch reply.Op {
		case opReady:
			if err := conn.SetDeadline(time.Time{}); err != nil {
				conn.Close()
				return errors.Wrapf(ErrInitialization, "handshake with rank 0: %v", err)
			}
			g.hub = p
			return nil
		case opFailure:
			conn.Close()
			return errors.Wrapf(ErrInitialization, "rank 0 rejected rank %d: %s", g.rank.Rank, reply.Err)
		default:
			conn.Close()
			return errors.Wrapf(ErrInitialization, "unexpected %s during handshake", reply.Op)
		}
	}
}

// Rank returns this participant's rank.
func (g *ProcessGroup) Rank() Rank {
	return g.rank
}

// WorldSize returns the number of participants.
func (g *ProcessGroup) WorldSize() int {
	return g.rank.WorldSize
}

// AllReduce combines values element-wise across all ranks. Every rank must
// pass the same number of values and the same reduction.
func (g *ProcessGroup) AllReduce(red Reduction, values []float64) ([]float64, error) {
	if !red.valid() {
		return nil, fmt.Errorf("unknown reduction %s", red)
	}
	res, err := g.run(&frame{Op: opAllReduce, Reduction: red, Payload: values})
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// Broadcast returns root's values on every rank. Every rank must pass a
// buffer of the same length.
func (g *ProcessGroup) Broadcast(root int, values []float64) ([]float64, error) {
	if root < 0 || root >= g.rank.WorldSize {
		return nil, fmt.Errorf("broadcast root %d out of range for world size %d", root, g.rank.WorldSize)
	}
	res, err := g.run(&frame{Op: opBroadcast, Root: root, Payload: values})
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// AllGather returns every rank's values, indexed by rank. Lengths may differ.
func (g *ProcessGroup) AllGather(values []float64) ([][]float64, error) {
	res, err := g.run(&frame{Op: opAllGather, Payload: values})
	if err != nil {
		return nil, err
	}
	if len(res.Counts) != g.rank.WorldSize {
		return nil, fmt.Errorf("all_gather returned %d parts for world size %d", len(res.Counts), g.rank.WorldSize)
	}
	out := make([][]float64, len(res.Counts))
	offset := 0
	for r, n := range res.Counts {
		if offset+n > len(res.Payload) {
			return nil, fmt.Errorf("all_gather result is truncated")
		}
		out[r] = res.Payload[offset : offset+n : offset+n]
		offset += n
	}
	return out, nil
}

// Barrier returns once every rank has reached it.
func (g *ProcessGroup) Barrier() error {
	_, err := g.run(&frame{Op: opBarrier})
	return err
}

// run executes one collective. Once a collective fails the group is broken
// and every later call returns the same error.
func (g *ProcessGroup) run(req *frame) (*frame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed.Load() {
		return nil, ErrClosed
	}
	if g.failure != nil {
		return nil, g.failure
	}

	g.seq++
	req.Seq = g.seq
	req.Rank = g.rank.Rank
	req.WorldSize = g.rank.WorldSize

	var (
		res *frame
		err error
	)
	switch {
	case g.rank.WorldSize == 1:
		res, err = combine([]*frame{req})
	case g.rank.IsPrimary():
		res, err = g.coordinate(req)
	default:
		res, err = g.submit(req)
	}
	if err != nil {
		if g.closed.Load() {
			err = ErrClosed
		}
		g.failure = err
		g.lg.Warn("collective failed", zap.Stringer("op", req.Op), zap.Uint64("seq", req.Seq), zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (g *ProcessGroup) deadline() time.Time {
	if g.opts.CollectiveTimeout > 0 {
		return time.Now().Add(g.opts.CollectiveTimeout)
	}
	return time.Time{}
}

// coordinate runs on rank 0: collect every contribution, validate, reduce and
// fan the result out.
func (g *ProcessGroup) coordinate(req *frame) (*frame, error) {
	deadline := g.deadline()
	frames := make([]*frame, g.rank.WorldSize)
	frames[0] = req

	var eg errgroup.Group
	for _, p := range g.peers[1:] {
		p := p
		eg.Go(func() error {
			f, err := p.recv(deadline)
			if err != nil {
				return errors.Wrapf(ErrRemoteFailure, "rank %d: %v", p.rank, err)
			}
			frames[p.rank] = f
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.fail(failureRemote, err.Error())
		return nil, err
	}

	res, err := combine(frames)
	if err != nil {
		kind := failureRemote
		if errors.Is(err, ErrCollectiveMismatch) {
			kind = failureMismatch
		}
		g.fail(kind, err.Error())
		return nil, err
	}

	for _, p := range g.peers[1:] {
		if err := p.send(res, deadline); err != nil {
			err = errors.Wrapf(ErrRemoteFailure, "rank %d: %v", p.rank, err)
			g.fail(failureRemote, err.Error())
			return nil, err
		}
	}
	return res, nil
}

// fail sends a failure frame to every worker so nobody waits on a collective
// that will never complete.
func (g *ProcessGroup) fail(kind failureKind, msg string) {
	deadline := time.Now().Add(failureSendTimeout)
	for _, p := range g.peers[1:] {
		_ = p.send(&frame{Op: opFailure, Kind: kind, Err: msg}, deadline)
	}
}

func (g *ProcessGroup) submit(req *frame) (*frame, error) {
	deadline := g.deadline()
	if err := g.hub.send(req, deadline); err != nil {
		return nil, errors.Wrapf(ErrRemoteFailure, "send %s to rank 0: %v", req.Op, err)
	}
	res, err := g.hub.recv(deadline)
	if err != nil {
		return nil, errors.Wrapf(ErrRemoteFailure, "rank 0: %v", err)
	}
	switch res.Op {
	case opResult:
		if res.Seq != req.Seq {
			return nil, errors.Wrapf(ErrCollectiveMismatch, "sent collective #%d, got result for #%d", req.Seq, res.Seq)
		}
		return res, nil
	case opFailure:
		if res.Kind == failureMismatch {
			return nil, errors.Wrapf(ErrCollectiveMismatch, "%s", res.Err)
		}
		return nil, errors.Wrapf(ErrRemoteFailure, "%s", res.Err)
	default:
		return nil, errors.Wrapf(ErrRemoteFailure, "unexpected %s from rank 0", res.Op)
	}
}

// combine validates that all ranks submitted the same collective and computes
// the result. Reductions run in rank order so the result is bit-identical on
// every rank and between runs.
func combine(frames []*frame) (*frame, error) {
	first := frames[0]
	for r, f := range frames[1:] {
		r++
		if f.Seq != first.Seq || f.Op != first.Op || f.Reduction != first.Reduction || f.Root != first.Root {
			return nil, errors.Wrapf(ErrCollectiveMismatch,
				"rank %d called %s(%s, root %d) as collective #%d, rank 0 called %s(%s, root %d) as collective #%d",
				r, f.Op, f.Reduction, f.Root, f.Seq, first.Op, first.Reduction, first.Root, first.Seq)
		}
		if first.Op != opAllGather && len(f.Payload) != len(first.Payload) {
			return nil, errors.Wrapf(ErrCollectiveMismatch,
				"rank %d passed %d values to %s #%d, rank 0 passed %d",
				r, len(f.Payload), f.Op, f.Seq, len(first.Payload))
		}
	}

	res := &frame{Seq: first.Seq, Op: opResult}
	switch first.Op {
	case opAllReduce:
		out := make([]float64, len(first.Payload))
		copy(out, first.Payload)
		for _, f := range frames[1:] {
			for i, v := range f.Payload {
				if first.Reduction == Max {
					if v > out[i] {
						out[i] = v
					}
				} else {
					out[i] += v
				}
			}
		}
		if first.Reduction == Mean {
			n := float64(len(frames))
			for i := range out {
				out[i] /= n
			}
		}
		res.Payload = out
	case opBroadcast:
		if first.Root >= len(frames) {
			return nil, fmt.Errorf("broadcast root %d out of range", first.Root)
		}
		src := frames[first.Root].Payload
		res.Payload = make([]float64, len(src))
		copy(res.Payload, src)
	case opAllGather:
		res.Counts = make([]int, len(frames))
		for r, f := range frames {
			res.Counts[r] = len(f.Payload)
			res.Payload = append(res.Payload, f.Payload...)
		}
	case opBarrier:
	default:
		return nil, fmt.Errorf("unknown collective %s", first.Op)
	}
	return res, nil
}

// Finalize closes every connection. Only the first call does anything; later
// calls return the first call's result.
func (g *ProcessGroup) Finalize() error {
	g.finalizeOnce.Do(func() {
		g.closed.Store(true)
		g.finalizeErr = g.closeConns()
		g.lg.Debug("process group finalized")
	})
	return g.finalizeErr
}

func (g *ProcessGroup) closeConns() error {
	var errs error
	if g.hub != nil {
		errs = multierr.Append(errs, g.hub.conn.Close())
	}
	for _, p := range g.peers {
		if p != nil {
			errs = multierr.Append(errs, p.conn.Close())
		}
	}
	return errs
}
