// Copyright 2026 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

func init() {
	RegisterBackend(&tcpBackend{})
}

type tcpBackend struct{}

func (b *tcpBackend) Type() BackendType { return BackendTCP }
func (b *tcpBackend) Name() string      { return "TCP hub" }
func (b *tcpBackend) Available() bool   { return true }
func (b *tcpBackend) Priority() int     { return 10 }

func (b *tcpBackend) Connect(ctx context.Context, cfg WorldConfig) (Collective, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: TCP backend requires a rendezvous address", ErrBackendUnavailable)
	}
	if cfg.Rank == 0 {
		return connectHub(ctx, cfg)
	}
	return connectPeer(ctx, cfg)
}

// hello is the rendezvous handshake message sent by every peer.
type hello struct {
	Rank      int `json:"rank"`
	WorldSize int `json:"world_size"`
}

type helloAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// tcpWorld is a Collective over TCP connections. Rank 0 holds one connection
// per peer and acts as the exchange hub; every other rank holds a single
// connection to rank 0.
type tcpWorld struct {
	rank      int
	worldSize int
	logger    *zap.Logger

	listener net.Listener // rank 0 only
	peers    []net.Conn   // rank 0: indexed by peer rank (entry 0 nil)
	hub      net.Conn     // ranks > 0
}

func connectHub(ctx context.Context, cfg WorldConfig) (Collective, error) {
	logger := cfg.logger().Named("comm.tcp")
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}
	w := &tcpWorld{
		rank:      0,
		worldSize: cfg.WorldSize,
		logger:    logger,
		listener:  ln,
		peers:     make([]net.Conn, cfg.WorldSize),
	}

	deadline := rendezvousDeadline(ctx, cfg.DialTimeout)
	for joined := 1; joined < cfg.WorldSize; joined++ {
		if d, ok := ln.(interface{ SetDeadline(time.Time) error }); ok && !deadline.IsZero() {
			_ = d.SetDeadline(deadline)
		}
		conn, err := ln.Accept()
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("accepting peer: %w", err)
		}
		var h hello
		if err := readJSON(conn, &h); err != nil {
			w.Close()
			return nil, fmt.Errorf("reading peer hello: %w", err)
		}
		if h.WorldSize != cfg.WorldSize || h.Rank <= 0 || h.Rank >= cfg.WorldSize || w.peers[h.Rank] != nil {
			_ = writeJSON(conn, helloAck{Error: fmt.Sprintf("bad hello: rank %d world %d", h.Rank, h.WorldSize)})
			_ = conn.Close()
			w.Close()
			return nil, fmt.Errorf("peer sent invalid hello: rank %d, world size %d", h.Rank, h.WorldSize)
		}
		w.peers[h.Rank] = conn
		logger.Debug("Peer joined", zap.Int("rank", h.Rank))
	}

	// Release everyone only once the full world is assembled.
	for rank, conn := range w.peers {
		if conn == nil {
			continue
		}
		if err := writeJSON(conn, helloAck{OK: true}); err != nil {
			w.Close()
			return nil, fmt.Errorf("acknowledging rank %d: %w", rank, err)
		}
	}
	logger.Info("World assembled", zap.Int("world_size", cfg.WorldSize))
	return w, nil
}

func connectPeer(ctx context.Context, cfg WorldConfig) (Collective, error) {
	logger := cfg.logger().Named("comm.tcp")
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing hub %s: %w", cfg.Addr, err)
	}
	if err := writeJSON(conn, hello{Rank: cfg.Rank, WorldSize: cfg.WorldSize}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	var ack helloAck
	if err := readJSON(conn, &ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("awaiting hub ack: %w", err)
	}
	if !ack.OK {
		_ = conn.Close()
		return nil, fmt.Errorf("hub rejected rendezvous: %s", ack.Error)
	}
	logger.Debug("Joined world", zap.Int("rank", cfg.Rank))
	return &tcpWorld{
		rank:      cfg.Rank,
		worldSize: cfg.WorldSize,
		logger:    logger,
		hub:       conn,
	}, nil
}

func rendezvousDeadline(ctx context.Context, timeout time.Duration) time.Time {
	if timeout > 0 {
		return time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}

func (w *tcpWorld) Rank() int      { return w.rank }
func (w *tcpWorld) WorldSize() int { return w.worldSize }

// AllGatherGrad is unsupported: gathered peer blocks are copies received over
// the wire and cannot take part in any rank's gradient computation.
func (w *tcpWorld) AllGatherGrad(context.Context, *mat.Dense) (*mat.Dense, error) {
	return nil, ErrGradGatherUnsupported
}

func (w *tcpWorld) AllGather(ctx context.Context, dst []*mat.Dense, local *mat.Dense) error {
	if len(dst) != w.worldSize {
		return fmt.Errorf("comm: need %d destination buffers, got %d", w.worldSize, len(dst))
	}
	start := time.Now()
	var err error
	if w.rank == 0 {
		err = w.hubGather(ctx, dst, local)
	} else {
		err = w.peerGather(ctx, dst, local)
	}
	if err != nil {
		RecordGatherFailure(string(BackendTCP), failureReason(err))
		return err
	}
	rows, cols := local.Dims()
	RecordGather(string(BackendTCP), w.worldSize*rows*cols*8, time.Since(start).Seconds())
	w.logger.Debug("All-gather complete",
		zap.Int("rank", w.rank),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// hubGather collects one block from every peer, validates shapes against the
// hub's own block, and broadcasts all blocks in rank order.
func (w *tcpWorld) hubGather(ctx context.Context, dst []*mat.Dense, local *mat.Dense) error {
	w.applyDeadline(ctx)
	defer w.clearDeadline()

	blocks := make([]*mat.Dense, w.worldSize)
	blocks[0] = local

	g, _ := errgroup.WithContext(ctx)
	for rank := 1; rank < w.worldSize; rank++ {
		rank := rank
		g.Go(func() error {
			b, err := readBlock(w.peers[rank])
			if err != nil {
				return fmt.Errorf("receiving block from rank %d: %w", rank, err)
			}
			blocks[rank] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := checkUniformShape(blocks); err != nil {
		// Peers are waiting for a broadcast that will never come; tear the
		// world down so they fail too instead of hanging.
		w.closeConns()
		return err
	}

	g, _ = errgroup.WithContext(ctx)
	for rank := 1; rank < w.worldSize; rank++ {
		rank := rank
		g.Go(func() error {
			for _, b := range blocks {
				if err := writeBlock(w.peers[rank], b); err != nil {
					return fmt.Errorf("broadcasting to rank %d: %w", rank, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for r, b := range blocks {
		dst[r].Copy(b)
	}
	return nil
}

// peerGather sends the local block to the hub and receives every rank's
// block back, rank-ordered.
func (w *tcpWorld) peerGather(ctx context.Context, dst []*mat.Dense, local *mat.Dense) error {
	w.applyDeadline(ctx)
	defer w.clearDeadline()

	if err := writeBlock(w.hub, local); err != nil {
		return fmt.Errorf("sending block to hub: %w", err)
	}
	for r := 0; r < w.worldSize; r++ {
		b, err := readBlock(w.hub)
		if err != nil {
			return fmt.Errorf("receiving block for rank %d: %w", r, err)
		}
		br, bc := b.Dims()
		lr, lc := local.Dims()
		if br != lr || bc != lc {
			return fmt.Errorf("%w: local block is %dx%d, rank %d block is %dx%d",
				ErrRaggedBatch, lr, lc, r, br, bc)
		}
		dst[r].Copy(b)
	}
	return nil
}

func (w *tcpWorld) applyDeadline(ctx context.Context) {
	d, ok := ctx.Deadline()
	if !ok {
		return
	}
	for _, conn := range w.conns() {
		_ = conn.SetDeadline(d)
	}
}

func (w *tcpWorld) clearDeadline() {
	for _, conn := range w.conns() {
		_ = conn.SetDeadline(time.Time{})
	}
}

func (w *tcpWorld) conns() []net.Conn {
	if w.rank == 0 {
		conns := make([]net.Conn, 0, len(w.peers))
		for _, c := range w.peers {
			if c != nil {
				conns = append(conns, c)
			}
		}
		return conns
	}
	return []net.Conn{w.hub}
}

func (w *tcpWorld) closeConns() {
	for _, conn := range w.conns() {
		_ = conn.Close()
	}
}

func (w *tcpWorld) Close() error {
	w.closeConns()
	if w.listener != nil {
		return w.listener.Close()
	}
	return nil
}

// Wire format. The handshake is a length-prefixed JSON message; tensor
// blocks are length-implicit binary frames:
//
//	uint32 rows | uint32 cols | uint64 xxhash(payload) | rows*cols float64

func writeJSON(conn net.Conn, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(data)))
	if _, err := conn.Write(size[:]); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

func readJSON(conn net.Conn, v any) error {
	var size [4]byte
	if _, err := io.ReadFull(conn, size[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(size[:])
	const maxHello = 1 << 16
	if n > maxHello {
		return fmt.Errorf("handshake message too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(conn, data); err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}

func writeBlock(conn net.Conn, m *mat.Dense) error {
	rows, cols := m.Dims()
	payload := make([]byte, rows*cols*8)
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		for j, v := range row {
			binary.LittleEndian.PutUint64(payload[(i*cols+j)*8:], math.Float64bits(v))
		}
	}

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:], uint32(rows))
	binary.LittleEndian.PutUint32(header[4:], uint32(cols))
	binary.LittleEndian.PutUint64(header[8:], xxhash.Sum64(payload))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readBlock(conn net.Conn) (*mat.Dense, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	rows := int(binary.LittleEndian.Uint32(header[0:]))
	cols := int(binary.LittleEndian.Uint32(header[4:]))
	sum := binary.LittleEndian.Uint64(header[8:])
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid block header: %dx%d", rows, cols)
	}

	payload := make([]byte, rows*cols*8)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	if xxhash.Sum64(payload) != sum {
		return nil, fmt.Errorf("block payload checksum mismatch (%dx%d block)", rows, cols)
	}

	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[i*8:]))
	}
	return mat.NewDense(rows, cols, data), nil
}
