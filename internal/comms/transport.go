package comms

import (
	"fmt"
	"net"

	"github.com/signalsfoundry/conjunction-monitor/model"
)

// Transport delivers one datagram, best effort.
type Transport interface {
	Send(payload []byte, dst model.Address) error
}

// UDPTransport sends datagrams from a single unconnected socket.
type UDPTransport struct {
	conn net.PacketConn
}

// NewUDPTransport opens an ephemeral UDP socket for sending.
func NewUDPTransport() (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("open udp sender: %w", err)
	}
	return &UDPTransport{conn: conn}, nil
}

// Send implements Transport.
func (t *UDPTransport) Send(payload []byte, dst model.Address) error {
	addr, err := net.ResolveUDPAddr("udp", dst.String())
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(payload, addr)
	return err
}

// Close releases the socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
