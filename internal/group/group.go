// Package group implements process-group membership for the equivalence
// checker: a coordinator-less rendezvous over TCP plus the few collective
// primitives the backends are built from.
//
// Rank 0 listens on the shared master address and port; every other rank
// dials it within a bounded join window and announces its rank and its own
// peer listener address. Once all members are present, rank 0 broadcasts
// the address table and the ranks establish a full peer mesh, so that both
// star-shaped (through rank 0) and peer-to-peer (ring, direct exchange)
// communication patterns are available.
//
// The transport is reliable, ordered and connection-oriented; control
// messages are gob-encoded, bulk buffers travel as message payloads.
package group

import (
	"context"
	"encoding/gob"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gomlx/collcheck/internal/utils"
)

// DefaultJoinWindow bounds how long Join waits for the whole group to
// assemble before giving up.
const DefaultJoinWindow = 30 * time.Second

// Config identifies one member of the group to be assembled.
type Config struct {
	Rank       int
	WorldSize  int
	MasterAddr string // host only; the port comes separately
	Port       int
	JoinWindow time.Duration // defaults to DefaultJoinWindow when zero
}

type msgKind uint8

const (
	msgHello msgKind = iota + 1
	msgTable
	msgBarrier
	msgRelease
	msgData
)

type message struct {
	Kind    msgKind
	Rank    int
	Addr    string
	Table   []string
	Payload []byte
}

// link is one established connection with its gob codecs.
// Encoder and decoder sides are independent; sends are serialized.
type link struct {
	conn   net.Conn
	enc    *gob.Encoder
	dec    *gob.Decoder
	sendMu sync.Mutex
}

func newLink(conn net.Conn) *link {
	return &link{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func (l *link) send(m *message) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.enc.Encode(m)
}

func (l *link) recv(want msgKind) (*message, error) {
	var m message
	if err := l.dec.Decode(&m); err != nil {
		return nil, err
	}
	if m.Kind != want {
		return nil, errors.Errorf("unexpected message kind %d (want %d) from rank %d", m.Kind, want, m.Rank)
	}
	return &m, nil
}

func (l *link) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetDeadline(dl)
	} else {
		_ = l.conn.SetDeadline(time.Time{})
	}
}

// Group is an established process group. It is not safe for concurrent use
// by multiple goroutines: collective calls must happen in the same order on
// every member.
type Group struct {
	cfg Config

	master  *link   // non-root: connection to rank 0's rendezvous listener
	workers []*link // root only: one link per rank, nil at index 0
	peers   []*link // full mesh, one link per rank, nil at own rank
}

// Join assembles the group and blocks until all WorldSize members are
// connected, or the join window expires.
func Join(ctx context.Context, cfg Config) (*Group, error) {
	if cfg.WorldSize <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", cfg.WorldSize)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, errors.Errorf("rank %d out of range [0, %d)", cfg.Rank, cfg.WorldSize)
	}
	window := cfg.JoinWindow
	if window == 0 {
		window = DefaultJoinWindow
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	peerLn, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "cannot open peer listener")
	}

	g := &Group{cfg: cfg}
	var table []string
	if cfg.Rank == 0 {
		table, err = g.rendezvousRoot(ctx, peerLn)
	} else {
		table, err = g.rendezvousWorker(ctx, peerLn)
	}
	if err != nil {
		_ = peerLn.Close()
		g.Close()
		return nil, err
	}

	if err := g.connectMesh(ctx, peerLn, table); err != nil {
		_ = peerLn.Close()
		g.Close()
		return nil, err
	}
	_ = peerLn.Close() // mesh is complete, no more inbound connections expected
	return g, nil
}

// Rank returns this member's rank.
func (g *Group) Rank() int { return g.cfg.Rank }

// WorldSize returns the number of members in the group.
func (g *Group) WorldSize() int { return g.cfg.WorldSize }

// rendezvousRoot listens on the shared port, collects one hello per peer
// rank, and distributes the peer address table.
func (g *Group) rendezvousRoot(ctx context.Context, peerLn net.Listener) ([]string, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(g.cfg.Port))
	if err != nil {
		return nil, errors.Wrapf(err, "rank 0 cannot listen on rendezvous port %d", g.cfg.Port)
	}
	defer ln.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = ln.(*net.TCPListener).SetDeadline(dl)
	}

	world := g.cfg.WorldSize
	g.workers = make([]*link, world)
	table := make([]string, world)
	table[0] = net.JoinHostPort(g.cfg.MasterAddr, listenerPort(peerLn))

	seen := utils.MakeSet[int](world)
	seen.Insert(0)
	expected := utils.MakeSet[int](world)
	for r := 0; r < world; r++ {
		expected.Insert(r)
	}
	for i := 1; i < world; i++ {
		conn, err := ln.Accept()
		if err != nil {
			missing := slices.Sorted(maps.Keys(expected.Sub(seen)))
			return nil, errors.Wrapf(err, "rendezvous incomplete: %d of %d members joined, missing ranks %v", i, world, missing)
		}
		l := newLink(conn)
		l.applyDeadline(ctx)
		m, err := l.recv(msgHello)
		if err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "bad hello during rendezvous")
		}
		if m.Rank <= 0 || m.Rank >= world {
			_ = conn.Close()
			return nil, errors.Errorf("hello with rank %d out of range [1, %d)", m.Rank, world)
		}
		if seen.Has(m.Rank) {
			_ = conn.Close()
			return nil, errors.Errorf("rank collision: rank %d joined twice", m.Rank)
		}
		seen.Insert(m.Rank)
		g.workers[m.Rank] = l
		table[m.Rank] = m.Addr
	}

	for r := 1; r < world; r++ {
		if err := g.workers[r].send(&message{Kind: msgTable, Table: table}); err != nil {
			return nil, errors.Wrapf(err, "cannot send address table to rank %d", r)
		}
	}
	return table, nil
}

// rendezvousWorker dials rank 0 with retries inside the join window,
// announces itself, and receives the peer address table.
func (g *Group) rendezvousWorker(ctx context.Context, peerLn net.Listener) ([]string, error) {
	addr := net.JoinHostPort(g.cfg.MasterAddr, strconv.Itoa(g.cfg.Port))
	conn, err := dialRetry(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d cannot reach rendezvous at %s", g.cfg.Rank, addr)
	}
	l := newLink(conn)
	l.applyDeadline(ctx)
	g.master = l

	localHost, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return nil, errors.Wrap(err, "cannot determine local address")
	}
	hello := &message{
		Kind: msgHello,
		Rank: g.cfg.Rank,
		Addr: net.JoinHostPort(localHost, listenerPort(peerLn)),
	}
	if err := l.send(hello); err != nil {
		return nil, errors.Wrap(err, "cannot announce rank")
	}
	m, err := l.recv(msgTable)
	if err != nil {
		return nil, errors.Wrap(err, "did not receive the address table")
	}
	if len(m.Table) != g.cfg.WorldSize {
		return nil, errors.Errorf("address table has %d entries, want %d", len(m.Table), g.cfg.WorldSize)
	}
	return m.Table, nil
}

// connectMesh establishes one connection per peer pair: rank i dials every
// rank j < i, and accepts from every rank j > i.
func (g *Group) connectMesh(ctx context.Context, peerLn net.Listener, table []string) error {
	rank, world := g.cfg.Rank, g.cfg.WorldSize
	g.peers = make([]*link, world)
	if dl, ok := ctx.Deadline(); ok {
		_ = peerLn.(*net.TCPListener).SetDeadline(dl)
	}

	var mu sync.Mutex
	acceptDone := make(chan error, 1)
	go func() {
		for i := 0; i < world-1-rank; i++ {
			conn, err := peerLn.Accept()
			if err != nil {
				acceptDone <- errors.Wrap(err, "peer mesh incomplete")
				return
			}
			l := newLink(conn)
			l.applyDeadline(ctx)
			m, err := l.recv(msgHello)
			if err != nil {
				acceptDone <- errors.Wrap(err, "bad hello on peer mesh")
				return
			}
			if m.Rank <= rank || m.Rank >= world {
				acceptDone <- errors.Errorf("unexpected peer rank %d on mesh at rank %d", m.Rank, rank)
				return
			}
			mu.Lock()
			g.peers[m.Rank] = l
			mu.Unlock()
		}
		acceptDone <- nil
	}()

	// On a dial failure the accept goroutine must be stopped and joined
	// before returning, so Close never races with a link being inserted.
	abort := func() {
		_ = peerLn.Close()
		<-acceptDone
	}
	for j := 0; j < rank; j++ {
		conn, err := dialRetry(ctx, table[j])
		if err != nil {
			abort()
			return errors.Wrapf(err, "rank %d cannot reach peer rank %d at %s", rank, j, table[j])
		}
		l := newLink(conn)
		l.applyDeadline(ctx)
		if err := l.send(&message{Kind: msgHello, Rank: rank}); err != nil {
			abort()
			return errors.Wrapf(err, "cannot introduce rank %d to peer rank %d", rank, j)
		}
		mu.Lock()
		g.peers[j] = l
		mu.Unlock()
	}
	return <-acceptDone
}

// Barrier blocks until every member of the group has reached it.
func (g *Group) Barrier(ctx context.Context) error {
	if g.cfg.Rank == 0 {
		for r := 1; r < g.cfg.WorldSize; r++ {
			g.workers[r].applyDeadline(ctx)
			if _, err := g.workers[r].recv(msgBarrier); err != nil {
				return errors.Wrapf(err, "barrier: waiting for rank %d", r)
			}
		}
		for r := 1; r < g.cfg.WorldSize; r++ {
			if err := g.workers[r].send(&message{Kind: msgRelease}); err != nil {
				return errors.Wrapf(err, "barrier: releasing rank %d", r)
			}
		}
		return nil
	}
	g.master.applyDeadline(ctx)
	if err := g.master.send(&message{Kind: msgBarrier, Rank: g.cfg.Rank}); err != nil {
		return errors.Wrap(err, "barrier: cannot signal rank 0")
	}
	if _, err := g.master.recv(msgRelease); err != nil {
		return errors.Wrap(err, "barrier: waiting for release")
	}
	return nil
}

// Gather collects data from every rank at rank 0. On rank 0 it returns one
// payload per rank (its own included); on other ranks it returns nil.
func (g *Group) Gather(ctx context.Context, data []byte) ([][]byte, error) {
	if g.cfg.Rank != 0 {
		g.master.applyDeadline(ctx)
		err := g.master.send(&message{Kind: msgData, Rank: g.cfg.Rank, Payload: data})
		return nil, errors.Wrap(err, "gather: cannot send to rank 0")
	}
	out := make([][]byte, g.cfg.WorldSize)
	out[0] = append([]byte(nil), data...)
	for r := 1; r < g.cfg.WorldSize; r++ {
		g.workers[r].applyDeadline(ctx)
		m, err := g.workers[r].recv(msgData)
		if err != nil {
			return nil, errors.Wrapf(err, "gather: receiving from rank %d", r)
		}
		if len(m.Payload) != len(data) {
			return nil, errors.Errorf("gather: rank %d sent %d bytes, want %d", r, len(m.Payload), len(data))
		}
		out[r] = m.Payload
	}
	return out, nil
}

// Bcast distributes rank 0's data to every member. On rank 0 the buffer is
// sent as-is; on other ranks it is overwritten with the received contents.
func (g *Group) Bcast(ctx context.Context, data []byte) error {
	if g.cfg.Rank == 0 {
		for r := 1; r < g.cfg.WorldSize; r++ {
			g.workers[r].applyDeadline(ctx)
			if err := g.workers[r].send(&message{Kind: msgData, Payload: data}); err != nil {
				return errors.Wrapf(err, "bcast: sending to rank %d", r)
			}
		}
		return nil
	}
	g.master.applyDeadline(ctx)
	m, err := g.master.recv(msgData)
	if err != nil {
		return errors.Wrap(err, "bcast: receiving from rank 0")
	}
	if len(m.Payload) != len(data) {
		return errors.Errorf("bcast: received %d bytes, want %d", len(m.Payload), len(data))
	}
	copy(data, m.Payload)
	return nil
}

// SendTo sends payload to a peer over the mesh.
func (g *Group) SendTo(ctx context.Context, rank int, payload []byte) error {
	l, err := g.peer(rank)
	if err != nil {
		return err
	}
	l.applyDeadline(ctx)
	return errors.Wrapf(l.send(&message{Kind: msgData, Rank: g.cfg.Rank, Payload: payload}),
		"sending to peer rank %d", rank)
}

// RecvFrom receives one payload from a peer over the mesh.
func (g *Group) RecvFrom(ctx context.Context, rank int) ([]byte, error) {
	l, err := g.peer(rank)
	if err != nil {
		return nil, err
	}
	l.applyDeadline(ctx)
	m, err := l.recv(msgData)
	if err != nil {
		return nil, errors.Wrapf(err, "receiving from peer rank %d", rank)
	}
	return m.Payload, nil
}

func (g *Group) peer(rank int) (*link, error) {
	if rank < 0 || rank >= g.cfg.WorldSize || rank == g.cfg.Rank {
		return nil, errors.Errorf("no peer link from rank %d to rank %d", g.cfg.Rank, rank)
	}
	l := g.peers[rank]
	if l == nil {
		return nil, errors.Errorf("peer link to rank %d not established", rank)
	}
	return l, nil
}

// Close tears all connections down. Safe to call on a partially joined
// group.
func (g *Group) Close() {
	if g.master != nil {
		_ = g.master.conn.Close()
	}
	for _, l := range g.workers {
		if l != nil {
			_ = l.conn.Close()
		}
	}
	for _, l := range g.peers {
		if l != nil {
			_ = l.conn.Close()
		}
	}
}

func listenerPort(ln net.Listener) string {
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	return port
}

// dialRetry dials addr repeatedly until it succeeds or ctx expires. The
// listener side may come up slightly after us; short retries bridge that.
func dialRetry(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	var lastErr error
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%v (last attempt: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
