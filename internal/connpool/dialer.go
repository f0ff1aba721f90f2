package connpool

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"

	"github.com/edgeflow/modbusmgr/pkg/modbus/endpoint"
)

// NetDialer opens TCP and UDP connections with net.Dialer. Its Dial method
// also satisfies Serial keys by delegating to SerialDialer, so a single
// NetDialer can back a Pool that mixes transports.
type NetDialer struct {
	Serial SerialDialer
}

// NewDialer builds the default Dialer: plain net.Dial for TCP/UDP,
// go.bug.st/serial for serial links.
func NewDialer() *NetDialer {
	return &NetDialer{}
}

func (d *NetDialer) Dial(ctx context.Context, key endpoint.Key) (Conn, error) {
	switch key.Transport {
	case endpoint.TCP:
		return dialNet(ctx, "tcp", key)
	case endpoint.UDP:
		return dialNet(ctx, "udp", key)
	case endpoint.Serial:
		return d.Serial.Dial(ctx, key)
	default:
		return nil, fmt.Errorf("connpool: unknown transport %d", key.Transport)
	}
}

func dialNet(ctx context.Context, network string, key endpoint.Key) (Conn, error) {
	addr := fmt.Sprintf("%s:%d", key.Host, key.Port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("connpool: dialing %s %s: %w", network, addr, err)
	}
	return conn, nil
}

// SerialDialer opens Modbus RTU/ASCII serial links with go.bug.st/serial.
type SerialDialer struct{}

func (SerialDialer) Dial(ctx context.Context, key endpoint.Key) (Conn, error) {
	mode := &serial.Mode{
		BaudRate: key.Baud,
		DataBits: key.DataBits,
	}
	switch key.Parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}
	switch key.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}

	port, err := serial.Open(key.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("connpool: opening serial port %s: %w", key.Device, err)
	}
	return &serialConn{Port: port}, nil
}

// serialConn adapts go.bug.st/serial.Port (which has no deadline API) to
// Conn by enforcing the deadline as a read timeout instead.
type serialConn struct {
	serial.Port
}

func (s *serialConn) SetReadDeadline(t time.Time) error {
	timeout := time.Until(t)
	if timeout < 0 {
		timeout = 0
	}
	return s.Port.SetReadTimeout(timeout)
}
