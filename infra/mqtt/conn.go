package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

// open closes any current transport, dials the broker and queues CONNECT.
func (c *Client) open() error {
	if c.destroyed {
		return coremqtt.CodeNoConn
	}
	c.closeConn()

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	raw, err := c.dial("tcp", addr, c.connectTimeout)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return coremqtt.Errorf(coremqtt.CodeLookup, "%v", err)
		}
		return coremqtt.Errno(err)
	}
	rc, fd, err := socketFD(raw)
	if err != nil {
		_ = raw.Close()
		return coremqtt.Errno(err)
	}

	conn := raw
	var tb *tlsBuffer
	if c.tlsFiles != nil || c.tlsConfig != nil {
		cfg := c.tlsConfig
		if cfg == nil {
			cfg, err = LoadTLSConfig(*c.tlsFiles, c.insecure)
			if err != nil {
				_ = raw.Close()
				return err
			}
		}
		cfg = cfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.host
		}
		tb = &tlsBuffer{Conn: raw}
		tc := tls.Client(tb, cfg)
		ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
		err = tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			_ = raw.Close()
			c.log(coremqtt.LogError, "Error: TLS handshake failed: %v", err)
			return coremqtt.Errorf(coremqtt.CodeTLS, "%v", err)
		}
		tb.buffered = true
		conn = tc
	}

	c.conn, c.raw, c.tlsBuf, c.fd = conn, rc, tb, fd
	c.gen++
	c.state = stateConnecting
	now := c.now()
	c.lastIn, c.lastOut, c.pingSent = now, now, time.Time{}
	if c.cleanSession {
		c.inQoS2 = make(map[uint16]*coremqtt.Message)
	}
	c.log(coremqtt.LogDebug, "Client %s sending CONNECT", c.clientID)
	return c.queue(c.connectPacket(), outPacket{})
}

// socketFD extracts the raw connection and OS descriptor backing conn.
func socketFD(conn net.Conn) (syscall.RawConn, int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, -1, errors.New("connection does not expose a descriptor")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, -1, err
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return nil, -1, err
	}
	return rc, fd, nil
}

// tlsBuffer sits between tls.Conn and the TCP socket. After the handshake
// the TLS layer reads ciphertext from in and writes it to out, and the
// engine moves bytes between those buffers and the socket itself.
type tlsBuffer struct {
	net.Conn
	buffered bool
	in       []byte
	out      []byte
}

func (b *tlsBuffer) Read(p []byte) (int, error) {
	if !b.buffered {
		return b.Conn.Read(p)
	}
	if len(b.in) == 0 {
		// A timeout leaves tls.Conn usable and keeps partial records.
		return 0, os.ErrDeadlineExceeded
	}
	n := copy(p, b.in)
	b.in = b.in[n:]
	return n, nil
}

func (b *tlsBuffer) Write(p []byte) (int, error) {
	if !b.buffered {
		return b.Conn.Write(p)
	}
	b.out = append(b.out, p...)
	return len(p), nil
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn, c.raw, c.tlsBuf, c.fd = nil, nil, nil, -1
	c.state = stateNew
	c.inbuf = c.inbuf[:0]
	c.outq = nil
	c.outOff = 0
}

// lost tears down the transport after a failure and reports it through the
// disconnect callback.
func (c *Client) lost(err error) error {
	code := coremqtt.CodeErrno
	var cc coremqtt.Code
	if errors.As(err, &cc) {
		code = cc
	}
	c.closeConn()
	c.log(coremqtt.LogNotice, "Client %s disconnected: %v", c.clientID, err)
	if c.onDisconnect != nil {
		c.onDisconnect(c.userdata, int(code))
	}
	return err
}

// queue encodes p and appends it to the write queue.
func (c *Client) queue(p interface{ Write(io.Writer) error }, meta outPacket) error {
	if c.conn == nil {
		return coremqtt.CodeNoConn
	}
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return coremqtt.Errorf(coremqtt.CodeProtocol, "encode: %v", err)
	}
	meta.data = buf.Bytes()
	c.outq = append(c.outq, meta)
	return nil
}

// LoopRead takes what the socket already holds, without waiting for more,
// and handles every complete packet in the buffer. Callbacks fire before it
// returns. maxPackets is ignored.
func (c *Client) LoopRead(_ int) error {
	if c.conn == nil {
		return coremqtt.CodeNoConn
	}
	gen := c.gen
	eof, err := c.fill()
	if err != nil {
		return c.lost(err)
	}
	for {
		if c.gen != gen || c.conn == nil {
			return nil
		}
		frame, ok, err := nextFrame(c.inbuf)
		if err != nil {
			return c.lost(err)
		}
		if !ok {
			break
		}
		c.inbuf = c.inbuf[len(frame):]
		if err := c.handleFrame(frame); err != nil {
			if c.gen == gen && c.conn != nil {
				return c.lost(err)
			}
			return err
		}
	}
	if eof {
		return c.lost(coremqtt.CodeConnLost)
	}
	return nil
}

// fill moves every byte the socket holds into inbuf, decrypting on TLS. It
// reports whether the peer closed the stream.
func (c *Client) fill() (bool, error) {
	buf := make([]byte, readSize)
	eof := false
	for !eof {
		n, closed, err := readNow(c.raw, buf)
		if err != nil {
			return false, transportErr(err)
		}
		eof = closed
		if n > 0 {
			c.lastIn = c.now()
			if c.tlsBuf != nil {
				c.tlsBuf.in = append(c.tlsBuf.in, buf[:n]...)
			} else {
				c.inbuf = append(c.inbuf, buf[:n]...)
			}
		}
		if n < len(buf) {
			break
		}
	}
	if c.tlsBuf == nil {
		return eof, nil
	}
	for {
		n, err := c.conn.Read(buf)
		c.inbuf = append(c.inbuf, buf[:n]...)
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return eof, nil
		}
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		return false, coremqtt.Errorf(coremqtt.CodeTLS, "%v", err)
	}
}

// LoopWrite writes queued packets until the queue is empty or the socket
// buffer is full. It never waits for the socket: what does not fit stays
// queued for the next call.
func (c *Client) LoopWrite(_ int) error {
	if c.conn == nil {
		return coremqtt.CodeNoConn
	}
	gen := c.gen
	for {
		done, err := c.flushHead()
		if err != nil {
			return c.lost(transportErr(err))
		}
		if !done {
			return nil
		}
		p := c.outq[0]
		c.outq = c.outq[1:]
		c.outOff = 0
		if p.notifyPublish && c.onPublish != nil {
			c.onPublish(c.userdata, p.mid)
		}
		if p.closeAfter {
			c.closeConn()
			c.log(coremqtt.LogDebug, "Client %s disconnected", c.clientID)
			if c.onDisconnect != nil {
				c.onDisconnect(c.userdata, 0)
			}
			return nil
		}
		if c.gen != gen || c.conn == nil {
			return nil
		}
	}
}

// flushHead writes as much of the first queued packet as the socket takes
// and reports whether all of it is on the wire.
func (c *Client) flushHead() (bool, error) {
	if c.tlsBuf == nil {
		if len(c.outq) == 0 {
			return false, nil
		}
		p := c.outq[0]
		n, err := c.writeRaw(p.data[c.outOff:])
		c.outOff += n
		return err == nil && c.outOff == len(p.data), err
	}
	tb := c.tlsBuf
	for {
		if len(tb.out) == 0 {
			if len(c.outq) == 0 {
				return false, nil
			}
			if c.outq[0].sealed {
				return true, nil
			}
			// Records for one packet at a time, so completion is per packet.
			if _, err := c.conn.Write(c.outq[0].data); err != nil {
				return false, err
			}
			c.outq[0].sealed = true
		}
		n, err := c.writeRaw(tb.out)
		tb.out = tb.out[n:]
		if err != nil || len(tb.out) > 0 {
			return false, err
		}
	}
}

func (c *Client) writeRaw(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := writeNow(c.raw, b)
	if n > 0 {
		c.lastOut = c.now()
	}
	return n, err
}

// transportErr maps a socket failure to the code reported to callers.
func transportErr(err error) error {
	var cc coremqtt.Code
	switch {
	case errors.As(err, &cc):
		return err
	case errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return coremqtt.CodeConnLost
	default:
		return coremqtt.Errno(err)
	}
}

// LoopMisc sends keep-alive pings, drops the connection when a ping is not
// answered in time and resends stale in-flight messages.
func (c *Client) LoopMisc() error {
	if c.conn == nil {
		return coremqtt.CodeNoConn
	}
	now := c.now()
	if c.keepalive > 0 && (now.Sub(c.lastOut) >= c.keepalive || now.Sub(c.lastIn) >= c.keepalive) {
		if c.state == stateConnected && c.pingSent.IsZero() {
			c.log(coremqtt.LogDebug, "Client %s sending PINGREQ", c.clientID)
			if err := c.queue(newPingreq(), outPacket{}); err != nil {
				return err
			}
			c.pingSent = now
			c.lastIn, c.lastOut = now, now
		} else {
			c.log(coremqtt.LogWarning, "Client %s keepalive expired", c.clientID)
			return c.lost(coremqtt.CodeKeepalive)
		}
	}
	if c.state == stateConnected {
		return c.retryInflight(now, false)
	}
	return nil
}

// nextFrame returns the first complete MQTT packet in b, if any.
func nextFrame(b []byte) ([]byte, bool, error) {
	if len(b) < 2 {
		return nil, false, nil
	}
	length, mul := 0, 1
	for i := 1; i < 5; i++ {
		if i >= len(b) {
			return nil, false, nil
		}
		length += int(b[i]&0x7f) * mul
		if b[i]&0x80 == 0 {
			total := 1 + i + length
			if len(b) < total {
				return nil, false, nil
			}
			return b[:total], true, nil
		}
		mul *= 128
	}
	return nil, false, coremqtt.Errorf(coremqtt.CodeProtocol, "malformed remaining length")
}
