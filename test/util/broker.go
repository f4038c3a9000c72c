package util

import (
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Broker is a minimal in-process MQTT 3.1.1 broker for protocol tests. It
// answers CONNECT, SUBSCRIBE, UNSUBSCRIBE and PINGREQ, runs both QoS
// handshakes and routes publishes to matching subscriptions of every
// connection, including the publisher's own.
type Broker struct {
	ln net.Listener

	mu          sync.Mutex
	conns       map[*brokerConn]struct{}
	connects    []*packets.ConnectPacket
	published   []*packets.PublishPacket
	connackCode byte
	mutePings   bool
	wg          sync.WaitGroup
}

type brokerConn struct {
	net.Conn
	wmu     sync.Mutex
	subs    map[string]byte
	lastMid uint16
}

// StartBroker listens on a loopback port and serves until the test ends.
func StartBroker(t testing.TB) *Broker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("broker listen: %v", err)
	}
	return startBroker(t, ln)
}

// StartTLSBroker is StartBroker behind a TLS listener using cfg.
func StartTLSBroker(t testing.TB, cfg *tls.Config) *Broker {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("broker listen: %v", err)
	}
	return startBroker(t, ln)
}

func startBroker(t testing.TB, ln net.Listener) *Broker {
	b := &Broker{ln: ln, conns: make(map[*brokerConn]struct{})}
	b.wg.Add(1)
	go b.serve()
	t.Cleanup(b.Close)
	return b
}

// Addr returns the host and port the broker listens on.
func (b *Broker) Addr() (string, int) {
	a := b.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

// SetConnackCode makes later CONNECTs receive rc. Non-zero codes close the
// connection after the CONNACK.
func (b *Broker) SetConnackCode(rc byte) {
	b.mu.Lock()
	b.connackCode = rc
	b.mu.Unlock()
}

// MutePings stops answering PINGREQ.
func (b *Broker) MutePings(mute bool) {
	b.mu.Lock()
	b.mutePings = mute
	b.mu.Unlock()
}

// Connects returns every CONNECT packet received so far.
func (b *Broker) Connects() []*packets.ConnectPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*packets.ConnectPacket(nil), b.connects...)
}

// Published returns every PUBLISH packet received from clients so far.
func (b *Broker) Published() []*packets.PublishPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*packets.PublishPacket(nil), b.published...)
}

// Send publishes a message from the broker to every matching subscription.
func (b *Broker) Send(topic string, payload []byte, qos byte, retain bool) {
	b.route(&packets.PublishPacket{
		FixedHeader: packets.FixedHeader{MessageType: packets.Publish, Qos: qos, Retain: retain},
		TopicName:   topic,
		Payload:     payload,
	})
}

// DropConnections closes every client connection without a DISCONNECT.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		_ = c.Close()
	}
}

// Close stops the listener and drops every connection.
func (b *Broker) Close() {
	_ = b.ln.Close()
	b.DropConnections()
	b.wg.Wait()
}

func (b *Broker) serve() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		c := &brokerConn{Conn: conn, subs: make(map[string]byte)}
		b.mu.Lock()
		b.conns[c] = struct{}{}
		b.mu.Unlock()
		b.wg.Add(1)
		go b.handle(c)
	}
}

func (b *Broker) handle(c *brokerConn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = c.Close()
	}()
	for {
		cp, err := packets.ReadPacket(c)
		if err != nil {
			return
		}
		switch p := cp.(type) {
		case *packets.ConnectPacket:
			b.mu.Lock()
			b.connects = append(b.connects, p)
			rc := b.connackCode
			b.mu.Unlock()
			connack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			connack.ReturnCode = rc
			c.write(connack)
			if rc != packets.Accepted {
				return
			}
		case *packets.PublishPacket:
			b.mu.Lock()
			b.published = append(b.published, p)
			b.mu.Unlock()
			switch p.Qos {
			case 1:
				c.write(ack(packets.Puback, p.MessageID))
			case 2:
				c.write(ack(packets.Pubrec, p.MessageID))
			}
			b.route(p)
		case *packets.PubrelPacket:
			c.write(ack(packets.Pubcomp, p.MessageID))
		case *packets.PubrecPacket:
			c.write(ack(packets.Pubrel, p.MessageID))
		case *packets.SubscribePacket:
			suback := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			suback.MessageID = p.MessageID
			b.mu.Lock()
			for i, f := range p.Topics {
				c.subs[f] = p.Qoss[i]
				suback.ReturnCodes = append(suback.ReturnCodes, p.Qoss[i])
			}
			b.mu.Unlock()
			c.write(suback)
		case *packets.UnsubscribePacket:
			b.mu.Lock()
			for _, f := range p.Topics {
				delete(c.subs, f)
			}
			b.mu.Unlock()
			c.write(ack(packets.Unsuback, p.MessageID))
		case *packets.PingreqPacket:
			b.mu.Lock()
			mute := b.mutePings
			b.mu.Unlock()
			if !mute {
				c.write(packets.NewControlPacket(packets.Pingresp))
			}
		case *packets.DisconnectPacket:
			return
		}
	}
}

func (b *Broker) route(p *packets.PublishPacket) {
	type target struct {
		c   *brokerConn
		qos byte
	}
	var targets []target
	b.mu.Lock()
	for c := range b.conns {
		best, found := byte(0), false
		for f, q := range c.subs {
			if TopicMatches(f, p.TopicName) && (!found || q > best) {
				best, found = q, true
			}
		}
		if found {
			targets = append(targets, target{c: c, qos: min(best, p.Qos)})
		}
	}
	b.mu.Unlock()
	for _, t := range targets {
		out := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		out.TopicName = p.TopicName
		out.Payload = p.Payload
		out.Qos = t.qos
		out.Retain = p.Retain
		if t.qos > 0 {
			out.MessageID = t.c.nextMid()
		}
		t.c.write(out)
	}
}

func (c *brokerConn) nextMid() uint16 {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.lastMid++
	if c.lastMid == 0 {
		c.lastMid = 1
	}
	return c.lastMid
}

func (c *brokerConn) write(p packets.ControlPacket) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = p.Write(c.Conn)
}

func ack(kind byte, mid uint16) packets.ControlPacket {
	p := packets.NewControlPacket(kind)
	switch a := p.(type) {
	case *packets.PubackPacket:
		a.MessageID = mid
	case *packets.PubrecPacket:
		a.MessageID = mid
	case *packets.PubrelPacket:
		a.MessageID = mid
	case *packets.PubcompPacket:
		a.MessageID = mid
	case *packets.UnsubackPacket:
		a.MessageID = mid
	}
	return p
}

// TopicMatches reports whether topic matches the subscription filter.
func TopicMatches(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
