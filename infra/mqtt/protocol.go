package mqtt

import (
	"bytes"
	"sort"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

func (c *Client) connectPacket() *packets.ConnectPacket {
	p := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	p.ProtocolName = "MQTT"
	p.ProtocolVersion = ProtocolVersion
	p.CleanSession = c.cleanSession
	p.Keepalive = uint16(c.keepalive / time.Second)
	p.ClientIdentifier = c.clientID
	if c.will != nil {
		p.WillFlag = true
		p.WillTopic = c.will.topic
		p.WillMessage = c.will.payload
		p.WillQos = byte(c.will.qos)
		p.WillRetain = c.will.retain
	}
	if c.hasLogin {
		p.UsernameFlag = true
		p.Username = c.username
		if c.password != "" {
			p.PasswordFlag = true
			p.Password = []byte(c.password)
		}
	}
	return p
}

func newDisconnect() packets.ControlPacket {
	return packets.NewControlPacket(packets.Disconnect)
}

func newPingreq() packets.ControlPacket {
	return packets.NewControlPacket(packets.Pingreq)
}

func newSubscribe(mid uint16, filter string, qos int) packets.ControlPacket {
	p := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	p.MessageID = mid
	p.Topics = []string{filter}
	p.Qoss = []byte{byte(qos)}
	return p
}

func newUnsubscribe(mid uint16, filter string) packets.ControlPacket {
	p := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	p.MessageID = mid
	p.Topics = []string{filter}
	return p
}

func newAck(kind byte, mid uint16) packets.ControlPacket {
	switch kind {
	case packets.Puback:
		p := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		p.MessageID = mid
		return p
	case packets.Pubrec:
		p := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		p.MessageID = mid
		return p
	case packets.Pubrel:
		p := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
		p.MessageID = mid
		return p
	default:
		p := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
		p.MessageID = mid
		return p
	}
}

func (c *Client) sendPublish(msg coremqtt.Message, dup bool) error {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = msg.Topic
	p.Payload = msg.Payload
	p.Qos = byte(msg.QoS)
	p.Retain = msg.Retain
	p.Dup = dup
	if msg.QoS > 0 {
		p.MessageID = uint16(msg.MID)
	}
	c.log(coremqtt.LogDebug, "Client %s sending PUBLISH (d%d, q%d, r%d, m%d, '%s', ... (%d bytes))",
		c.clientID, b2i(dup), msg.QoS, b2i(msg.Retain), msg.MID, msg.Topic, len(msg.Payload))
	meta := outPacket{}
	if msg.QoS == 0 {
		meta.mid, meta.notifyPublish = msg.MID, true
	} else if f, ok := c.outflight[uint16(msg.MID)]; ok {
		f.sentAt = c.now()
		f.sentGen = c.gen
	}
	return c.queue(p, meta)
}

// retryInflight resends outgoing QoS 1/2 messages. With force every message
// not yet sent on the current connection goes out; otherwise only messages
// older than the retry interval are resent.
func (c *Client) retryInflight(now time.Time, force bool) error {
	mids := make([]int, 0, len(c.outflight))
	for mid := range c.outflight {
		mids = append(mids, int(mid))
	}
	sort.Ints(mids)
	for _, m := range mids {
		f := c.outflight[uint16(m)]
		stale := now.Sub(f.sentAt) >= c.retryInterval
		if force {
			stale = f.sentGen != c.gen
		}
		if !stale {
			continue
		}
		var err error
		switch f.state {
		case waitPubcomp:
			c.log(coremqtt.LogDebug, "Client %s sending PUBREL (Mid: %d)", c.clientID, m)
			err = c.queue(newAck(packets.Pubrel, uint16(m)), outPacket{})
			f.sentAt, f.sentGen = now, c.gen
		default:
			err = c.sendPublish(f.msg, f.sentGen != 0)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleFrame decodes one complete packet and runs its protocol action.
func (c *Client) handleFrame(frame []byte) error {
	cp, err := packets.ReadPacket(bytes.NewReader(frame))
	if err != nil {
		return coremqtt.Errorf(coremqtt.CodeProtocol, "decode: %v", err)
	}
	switch p := cp.(type) {
	case *packets.ConnackPacket:
		return c.handleConnack(p)
	case *packets.PublishPacket:
		return c.handlePublish(p)
	case *packets.PubackPacket:
		c.log(coremqtt.LogDebug, "Client %s received PUBACK (Mid: %d)", c.clientID, p.MessageID)
		c.completeOutgoing(p.MessageID, waitPuback)
	case *packets.PubrecPacket:
		c.log(coremqtt.LogDebug, "Client %s received PUBREC (Mid: %d)", c.clientID, p.MessageID)
		if f, ok := c.outflight[p.MessageID]; ok && f.state == waitPubrec {
			f.state = waitPubcomp
			f.sentAt, f.sentGen = c.now(), c.gen
		}
		c.log(coremqtt.LogDebug, "Client %s sending PUBREL (Mid: %d)", c.clientID, p.MessageID)
		return c.queue(newAck(packets.Pubrel, p.MessageID), outPacket{})
	case *packets.PubrelPacket:
		c.log(coremqtt.LogDebug, "Client %s received PUBREL (Mid: %d)", c.clientID, p.MessageID)
		msg, ok := c.inQoS2[p.MessageID]
		delete(c.inQoS2, p.MessageID)
		gen := c.gen
		if ok && c.onMessage != nil {
			c.onMessage(c.userdata, msg)
		}
		if c.gen != gen || c.conn == nil {
			return nil
		}
		c.log(coremqtt.LogDebug, "Client %s sending PUBCOMP (Mid: %d)", c.clientID, p.MessageID)
		return c.queue(newAck(packets.Pubcomp, p.MessageID), outPacket{})
	case *packets.PubcompPacket:
		c.log(coremqtt.LogDebug, "Client %s received PUBCOMP (Mid: %d)", c.clientID, p.MessageID)
		c.completeOutgoing(p.MessageID, waitPubcomp)
	case *packets.SubackPacket:
		c.log(coremqtt.LogDebug, "Client %s received SUBACK", c.clientID)
		granted := make([]int, len(p.ReturnCodes))
		for i, rc := range p.ReturnCodes {
			granted[i] = int(rc)
		}
		if c.onSubscribe != nil {
			c.onSubscribe(c.userdata, int(p.MessageID), granted)
		}
	case *packets.UnsubackPacket:
		c.log(coremqtt.LogDebug, "Client %s received UNSUBACK", c.clientID)
		if c.onUnsubscribe != nil {
			c.onUnsubscribe(c.userdata, int(p.MessageID))
		}
	case *packets.PingrespPacket:
		c.log(coremqtt.LogDebug, "Client %s received PINGRESP", c.clientID)
		c.pingSent = time.Time{}
	default:
		return coremqtt.Errorf(coremqtt.CodeProtocol, "unexpected %s packet", packets.PacketNames[frame[0]>>4])
	}
	return nil
}

func (c *Client) handleConnack(p *packets.ConnackPacket) error {
	c.log(coremqtt.LogDebug, "Client %s received CONNACK (%d)", c.clientID, p.ReturnCode)
	rc := int(p.ReturnCode)
	if rc == coremqtt.ConnAccepted {
		c.state = stateConnected
	}
	gen := c.gen
	if c.onConnect != nil {
		c.onConnect(c.userdata, rc)
	}
	if c.gen != gen || c.conn == nil {
		return nil
	}
	if rc != coremqtt.ConnAccepted {
		c.log(coremqtt.LogError, "Client %s connection refused: %s", c.clientID, packets.ConnackReturnCodes[p.ReturnCode])
		return coremqtt.CodeConnRefused
	}
	return c.retryInflight(c.now(), true)
}

func (c *Client) handlePublish(p *packets.PublishPacket) error {
	c.log(coremqtt.LogDebug, "Client %s received PUBLISH (d%d, q%d, r%d, m%d, '%s', ... (%d bytes))",
		c.clientID, b2i(p.Dup), p.Qos, b2i(p.Retain), p.MessageID, p.TopicName, len(p.Payload))
	msg := &coremqtt.Message{
		MID:     int(p.MessageID),
		Topic:   p.TopicName,
		Payload: p.Payload,
		QoS:     int(p.Qos),
		Retain:  p.Retain,
	}
	gen := c.gen
	switch p.Qos {
	case 0:
		if c.onMessage != nil {
			c.onMessage(c.userdata, msg)
		}
	case 1:
		if c.onMessage != nil {
			c.onMessage(c.userdata, msg)
		}
		if c.gen != gen || c.conn == nil {
			return nil
		}
		c.log(coremqtt.LogDebug, "Client %s sending PUBACK (Mid: %d)", c.clientID, p.MessageID)
		return c.queue(newAck(packets.Puback, p.MessageID), outPacket{})
	case 2:
		c.inQoS2[p.MessageID] = msg
		c.log(coremqtt.LogDebug, "Client %s sending PUBREC (Mid: %d)", c.clientID, p.MessageID)
		return c.queue(newAck(packets.Pubrec, p.MessageID), outPacket{})
	default:
		return coremqtt.Errorf(coremqtt.CodeProtocol, "invalid qos %d", p.Qos)
	}
	return nil
}

func (c *Client) completeOutgoing(mid uint16, want outDir) {
	f, ok := c.outflight[mid]
	if !ok || f.state != want {
		return
	}
	delete(c.outflight, mid)
	if c.onPublish != nil {
		c.onPublish(c.userdata, int(mid))
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
