package cluster

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/driftdb/driftdb/pkg/wire"
)

// InboundMessage pairs a decoded envelope with the peer it arrived from.
type InboundMessage struct {
	FromNodeID string
	Envelope   wire.Envelope
}

// conn wraps one peer TCP connection with the length-prefixed framing and
// serializes writes (multiple goroutines may call send concurrently; the
// underlying net.Conn does not guarantee that on its own).
type conn struct {
	nodeID string // empty until the handshake identifies the remote peer
	raw    net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

func newConn(raw net.Conn) *conn {
	return &conn{raw: raw, reader: bufio.NewReaderSize(raw, 32*1024)}
}

// writeEnvelope frames and writes env, serialized against concurrent
// writers on the same connection.
func (c *conn) writeEnvelope(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.raw.Write(wire.Encode(env))
	return err
}

// readEnvelope blocks for the next full frame on this connection.
func (c *conn) readEnvelope() (wire.Envelope, error) {
	header := make([]byte, wire.HeaderSize())
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return wire.Envelope{}, err
	}
	typ, length, err := wire.DecodeHeader(header)
	if err != nil {
		return wire.Envelope{}, err
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			return wire.Envelope{}, err
		}
	}
	return wire.Envelope{Type: typ, Payload: payload}, nil
}

func (c *conn) close() error {
	return c.raw.Close()
}

// dial opens an outbound peer connection, optionally wrapped in mTLS.
func dial(addr string, tlsConfig *tls.Config) (*conn, error) {
	if tlsConfig != nil {
		raw, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("cluster: dial %s: %w", addr, err)
		}
		return newConn(raw), nil
	}
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial %s: %w", addr, err)
	}
	return newConn(raw), nil
}

// listen opens the cluster transport's listening socket, optionally
// mTLS-wrapped (clusterTls from configuration).
func listen(bindAddr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig != nil {
		return tls.Listen("tcp", bindAddr, tlsConfig)
	}
	return net.Listen("tcp", bindAddr)
}
