package transport

import (
	"context"
	"encoding/binary"
	"flag"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/runutil"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	// Frames are length-prefixed with a 4 byte big-endian payload size.
	frameHeaderSize = 4
	// Each outbound connection starts with the dialer's rank.
	handshakeSize = 4
)

// TCPConfig configures one rank's TCP view of the ring.
type TCPConfig struct {
	// Rank of this process. Peers holds the listen address of every
	// rank, in rank order; both are supplied by the launcher rather
	// than flags.
	Rank  int      `yaml:"-"`
	Peers []string `yaml:"-"`

	MaxMessageSize int            `yaml:"max_message_size"`
	DialBackoff    backoff.Config `yaml:"dial_backoff"`
}

func (cfg *TCPConfig) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxMessageSize, "transport.max-message-size", 16*1024*1024, "Largest accepted message in bytes. An oversized frame is treated as stream corruption and aborts the run.")
	f.DurationVar(&cfg.DialBackoff.MinBackoff, "transport.dial-backoff-min-period", 100*time.Millisecond, "Minimum delay between attempts to connect to a peer.")
	f.DurationVar(&cfg.DialBackoff.MaxBackoff, "transport.dial-backoff-max-period", time.Second, "Maximum delay between attempts to connect to a peer.")
	f.IntVar(&cfg.DialBackoff.MaxRetries, "transport.dial-max-retries", 60, "Give up connecting to a peer after this many attempts. 0 retries until the context is canceled.")
}

func (cfg *TCPConfig) Validate() error {
	if len(cfg.Peers) < 1 {
		return errors.New("no peers configured")
	}
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
		return errors.Errorf("rank %d outside peer list [0, %d)", cfg.Rank, len(cfg.Peers))
	}
	if cfg.MaxMessageSize < 1 {
		return errors.Errorf("max message size %d, need at least 1", cfg.MaxMessageSize)
	}
	return nil
}

// TCPMesh is the transport of one rank in a distributed run. Peers are
// dialed lazily on first send, with backoff while the peer's listener
// may not be up yet. Inbound connections identify their sender through
// a rank handshake and are drained by one reader goroutine each, which
// preserves FIFO order per directed edge.
type TCPMesh struct {
	cfg    TCPConfig
	logger log.Logger

	listener net.Listener
	inboxes  []chan []byte

	outMtx sync.Mutex
	out    map[int]net.Conn

	inMtx   sync.Mutex
	in      []net.Conn
	senders map[int]bool

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	failErr   error // written at most once, before closed is closed

	wg sync.WaitGroup
}

// NewTCPMesh binds this rank's listener and starts accepting peers.
func NewTCPMesh(cfg TCPConfig, logger log.Logger) (*TCPMesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", cfg.Peers[cfg.Rank])
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d: listen on %s", cfg.Rank, cfg.Peers[cfg.Rank])
	}

	m := &TCPMesh{
		cfg:      cfg,
		logger:   log.With(logger, "component", "tcp-transport", "rank", cfg.Rank),
		listener: listener,
		inboxes:  make([]chan []byte, len(cfg.Peers)),
		out:      map[int]net.Conn{},
		senders:  map[int]bool{},
		closed:   make(chan struct{}),
	}
	for i := range m.inboxes {
		m.inboxes[i] = make(chan []byte, 1)
	}

	m.wg.Add(1)
	go m.acceptLoop()
	return m, nil
}

// Addr returns the address the listener is bound to. Useful when the
// configured address uses port 0.
func (m *TCPMesh) Addr() net.Addr {
	return m.listener.Addr()
}

// Stats returns the total bytes written to and read from peers,
// including framing overhead.
func (m *TCPMesh) Stats() (sent, received uint64) {
	return m.bytesSent.Load(), m.bytesReceived.Load()
}

func (m *TCPMesh) Send(ctx context.Context, to int, payload []byte) error {
	if to < 0 || to >= len(m.cfg.Peers) {
		return errors.Errorf("send to unknown rank %d", to)
	}
	if len(payload) > m.cfg.MaxMessageSize {
		return errors.Errorf("message of %d bytes exceeds limit %d", len(payload), m.cfg.MaxMessageSize)
	}
	select {
	case <-m.closed:
		return m.closeErr()
	default:
	}

	conn, err := m.outbound(ctx, to)
	if err != nil {
		return err
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	if _, err := conn.Write(frame); err != nil {
		return errors.Wrapf(err, "send %d bytes to rank %d", len(payload), to)
	}
	m.bytesSent.Add(uint64(len(frame)))
	return nil
}

func (m *TCPMesh) Receive(ctx context.Context, from int) ([]byte, error) {
	if from < 0 || from >= len(m.cfg.Peers) {
		return nil, errors.Errorf("receive from unknown rank %d", from)
	}
	select {
	case payload := <-m.inboxes[from]:
		return payload, nil
	case <-m.closed:
		return nil, m.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the mesh down: the listener and all connections are
// closed and the reader goroutines are joined. Safe to call multiple
// times and after a failure.
func (m *TCPMesh) Close() (err error) {
	m.fail(nil)

	runutil.CloseWithErrCapture(&err, m.listener, "close listener")

	m.outMtx.Lock()
	for to, conn := range m.out {
		runutil.CloseWithErrCapture(&err, conn, "close connection to rank %d", to)
	}
	m.out = map[int]net.Conn{}
	m.outMtx.Unlock()

	m.inMtx.Lock()
	for _, conn := range m.in {
		runutil.CloseWithErrCapture(&err, conn, "close inbound connection")
	}
	m.in = nil
	m.inMtx.Unlock()

	m.wg.Wait()
	return err
}

// fail marks the mesh broken and unblocks everyone. The first call
// wins; Close calls it with a nil error for an orderly shutdown.
func (m *TCPMesh) fail(err error) {
	m.closeOnce.Do(func() {
		m.failErr = err
		if err != nil {
			level.Error(m.logger).Log("msg", "transport failure, aborting run", "err", err)
		}
		close(m.closed)
	})
}

func (m *TCPMesh) closeErr() error {
	if m.failErr != nil {
		return m.failErr
	}
	return ErrClosed
}

// outbound returns the connection to the given rank, dialing it on
// first use. The peer's listener may not be up yet when the run starts,
// so dialing retries with backoff.
func (m *TCPMesh) outbound(ctx context.Context, to int) (net.Conn, error) {
	m.outMtx.Lock()
	defer m.outMtx.Unlock()

	if conn, ok := m.out[to]; ok {
		return conn, nil
	}

	var (
		conn net.Conn
		err  error
	)
	boff := backoff.New(ctx, m.cfg.DialBackoff)
	for boff.Ongoing() {
		conn, err = net.Dial("tcp", m.cfg.Peers[to])
		if err == nil {
			break
		}
		level.Warn(m.logger).Log("msg", "peer not reachable yet, retrying", "peer", to, "addr", m.cfg.Peers[to], "err", err)
		boff.Wait()
	}
	if conn == nil {
		if err == nil {
			err = boff.Err()
		}
		return nil, errors.Wrapf(err, "dial rank %d at %s", to, m.cfg.Peers[to])
	}

	// Handshake: tell the peer which rank is on this end of the pipe.
	var hs [handshakeSize]byte
	binary.BigEndian.PutUint32(hs[:], uint32(m.cfg.Rank))
	if _, err := conn.Write(hs[:]); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "handshake with rank %d", to)
	}

	m.out[to] = conn
	return conn, nil
}

func (m *TCPMesh) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			m.readFailed(errors.Wrap(err, "accept"))
			return
		}

		m.inMtx.Lock()
		m.in = append(m.in, conn)
		m.inMtx.Unlock()

		m.wg.Add(1)
		go m.readLoop(conn)
	}
}

// readLoop drains one inbound connection into the sender's inbox.
func (m *TCPMesh) readLoop(conn net.Conn) {
	defer m.wg.Done()

	var hs [handshakeSize]byte
	if _, err := io.ReadFull(conn, hs[:]); err != nil {
		m.readFailed(errors.Wrap(err, "read handshake"))
		return
	}
	from := int(binary.BigEndian.Uint32(hs[:]))
	if from >= len(m.cfg.Peers) {
		m.fail(errors.Errorf("handshake from unknown rank %d", from))
		return
	}
	if err := m.claimSender(from); err != nil {
		m.fail(err)
		return
	}
	logger := log.With(m.logger, "peer", from)
	level.Debug(logger).Log("msg", "peer connected")

	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if err == io.EOF {
				// The peer closed the connection at a frame boundary:
				// orderly shutdown on its side.
				level.Debug(logger).Log("msg", "peer disconnected")
				return
			}
			m.readFailed(errors.Wrapf(err, "read frame header from rank %d", from))
			return
		}
		size := int(binary.BigEndian.Uint32(header))
		if size > m.cfg.MaxMessageSize {
			// A nonsense length means the stream is corrupt.
			m.fail(errors.Errorf("frame of %d bytes from rank %d exceeds limit %d", size, from, m.cfg.MaxMessageSize))
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			m.readFailed(errors.Wrapf(err, "read %d byte frame from rank %d", size, from))
			return
		}
		m.bytesReceived.Add(uint64(frameHeaderSize + size))

		select {
		case m.inboxes[from] <- payload:
		case <-m.closed:
			return
		}
	}
}

// claimSender guards against two connections claiming the same rank,
// which would interleave their frames and break FIFO order per edge.
func (m *TCPMesh) claimSender(from int) error {
	m.inMtx.Lock()
	defer m.inMtx.Unlock()
	if m.senders[from] {
		return errors.Errorf("duplicate connection from rank %d", from)
	}
	m.senders[from] = true
	return nil
}

// readFailed reports a broken connection unless the mesh is already
// shutting down, in which case read errors are expected.
func (m *TCPMesh) readFailed(err error) {
	select {
	case <-m.closed:
	default:
		m.fail(err)
	}
}
