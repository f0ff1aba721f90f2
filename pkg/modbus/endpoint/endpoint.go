// Package endpoint defines the canonical identity of a physical Modbus link
// and the pool tuning that applies to it.
package endpoint

import (
	"fmt"
	"time"
)

// Transport identifies the physical layer a Key addresses.
type Transport int

const (
	TCP Transport = iota
	UDP
	Serial
)

// SerialEncoding selects the framing used on a serial link.
type SerialEncoding int

const (
	RTU SerialEncoding = iota
	ASCII
)

func (e SerialEncoding) String() string {
	if e == ASCII {
		return "ascii"
	}
	return "rtu"
}

// Key canonically identifies a physical Modbus link: a TCP or UDP
// host:port pair, or a serial device with its line parameters. Two Keys
// that compare equal must serialize through the same pooled connection -
// Key is a plain comparable struct so it can be used directly as a map key.
type Key struct {
	Transport Transport

	// TCP / UDP
	Host string
	Port int

	// Serial
	Device   string
	Baud     int
	Parity   string // none, odd, even
	DataBits int
	StopBits int
	Encoding SerialEncoding
}

// TCPKey builds a Key for a Modbus TCP endpoint.
func TCPKey(host string, port int) Key {
	return Key{Transport: TCP, Host: host, Port: port}
}

// UDPKey builds a Key for a Modbus UDP endpoint.
func UDPKey(host string, port int) Key {
	return Key{Transport: UDP, Host: host, Port: port}
}

// SerialKey builds a Key for a Modbus serial endpoint.
func SerialKey(device string, baud int, parity string, dataBits, stopBits int, encoding SerialEncoding) Key {
	return Key{
		Transport: Serial,
		Device:    device,
		Baud:      baud,
		Parity:    parity,
		DataBits:  dataBits,
		StopBits:  stopBits,
		Encoding:  encoding,
	}
}

func (k Key) String() string {
	switch k.Transport {
	case TCP:
		return fmt.Sprintf("tcp://%s:%d", k.Host, k.Port)
	case UDP:
		return fmt.Sprintf("udp://%s:%d", k.Host, k.Port)
	case Serial:
		return fmt.Sprintf("serial://%s@%d/%s-%d%s%d", k.Device, k.Baud, k.Encoding, k.DataBits, k.Parity, k.StopBits)
	default:
		return "unknown://"
	}
}

// PoolConfig tunes the connection pool behavior for one endpoint key.
type PoolConfig struct {
	// PassivateBorrowMin is the minimum wall-clock gap enforced between a
	// connection's return and its next borrow (the inter-transaction
	// delay).
	PassivateBorrowMin time.Duration
	// ReconnectAfter proactively closes an idle connection once it has
	// lived this long since it was created. -1 means never.
	ReconnectAfter time.Duration
	// ConnectMaxTries bounds how many dial attempts a single borrow will
	// make before surfacing ConnectFailure.
	ConnectMaxTries int
	// ConnectTimeout bounds each individual dial attempt.
	ConnectTimeout time.Duration
	// AfterConnectDelay is how long a freshly created connection is held
	// before being handed to its first borrower (some slaves need settle
	// time after accepting a socket).
	AfterConnectDelay time.Duration
}

// DefaultTCPPoolConfig returns the tuning field deployments have found
// to work for TCP and UDP slaves: a modest 60ms inter-transaction pace and
// periodic reconnection to recover from half-open sockets.
func DefaultTCPPoolConfig() PoolConfig {
	return PoolConfig{
		PassivateBorrowMin: 60 * time.Millisecond,
		ReconnectAfter:      10 * time.Minute,
		ConnectMaxTries:     3,
		ConnectTimeout:      3 * time.Second,
		AfterConnectDelay:   0,
	}
}

// DefaultSerialPoolConfig mirrors the TCP defaults but paces more
// conservatively (35ms) and never proactively recycles the port, since
// re-opening a serial device is far more disruptive than a TCP reconnect.
func DefaultSerialPoolConfig() PoolConfig {
	return PoolConfig{
		PassivateBorrowMin: 35 * time.Millisecond,
		ReconnectAfter:      -1,
		ConnectMaxTries:     3,
		ConnectTimeout:      2 * time.Second,
		AfterConnectDelay:   0,
	}
}

// DefaultFor returns the stock pool configuration for a key's transport.
func DefaultFor(k Key) PoolConfig {
	if k.Transport == Serial {
		return DefaultSerialPoolConfig()
	}
	return DefaultTCPPoolConfig()
}
