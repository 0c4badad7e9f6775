package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Inbound pairs a decoded Message with the address it arrived from.
type Inbound struct {
	Message *Message
	Addr    net.Addr
}

// Transport is the minimal best-effort datagram interface a node depends on.
// It never retries and never acknowledges; reliability is the concern of
// whatever layer correlates requests with responses.
type Transport interface {
	Send(msg *Message, addr net.Addr) error
	Inbound() <-chan Inbound
	LocalAddr() net.Addr
	Close() error
}

// UDPTransport sends and receives Messages over a UDP socket. Received
// datagrams are decoded and pushed onto an inbound channel for the owning
// node to consume; UDPTransport itself does no request/response bookkeeping.
type UDPTransport struct {
	conn      net.PacketConn
	listenAddr net.Addr
	inbound   chan Inbound

	ctx    context.Context
	cancel context.CancelFunc
}

// NewUDPTransport opens a UDP socket on listenAddr and starts the
// background goroutine that decodes incoming datagrams.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		inbound:    make(chan Inbound, 64),
		ctx:        ctx,
		cancel:     cancel,
	}

	go t.receiveLoop()

	return t, nil
}

// Send encodes msg and writes it to addr as a single datagram. Send is
// best-effort: network errors are returned but no retry is attempted.
func (t *UDPTransport) Send(msg *Message, addr net.Addr) error {
	data, err := Serialize(msg)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Inbound returns the channel onto which decoded messages are pushed as
// they arrive.
func (t *UDPTransport) Inbound() <-chan Inbound {
	return t.inbound
}

// LocalAddr returns the address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

// Close stops the receive loop and closes the underlying socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}

func (t *UDPTransport) receiveLoop() {
	buffer := make([]byte, MaxMessageSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := t.conn.ReadFrom(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "receiveLoop",
				"error":    err.Error(),
			}).Debug("udp read error, continuing")
			continue
		}

		msg, err := Parse(buffer[:n])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "receiveLoop",
				"address":  addr.String(),
				"error":    err.Error(),
			}).Warn("failed to parse inbound message, dropping")
			continue
		}

		select {
		case t.inbound <- Inbound{Message: msg, Addr: addr}:
		case <-t.ctx.Done():
			return
		}
	}
}
