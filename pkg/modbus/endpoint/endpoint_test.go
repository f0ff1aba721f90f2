package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTCPKey(t *testing.T) {
	k := TCPKey("10.0.0.5", 502)
	assert.Equal(t, TCP, k.Transport)
	assert.Equal(t, "10.0.0.5", k.Host)
	assert.Equal(t, 502, k.Port)
}

func TestUDPKey(t *testing.T) {
	k := UDPKey("10.0.0.6", 502)
	assert.Equal(t, UDP, k.Transport)
}

func TestSerialKey(t *testing.T) {
	k := SerialKey("/dev/ttyUSB0", 19200, "even", 8, 1, RTU)
	assert.Equal(t, Serial, k.Transport)
	assert.Equal(t, "/dev/ttyUSB0", k.Device)
	assert.Equal(t, 19200, k.Baud)
	assert.Equal(t, "even", k.Parity)
	assert.Equal(t, 8, k.DataBits)
	assert.Equal(t, 1, k.StopBits)
	assert.Equal(t, RTU, k.Encoding)
}

func TestKey_ComparableAsMapKey(t *testing.T) {
	a := TCPKey("10.0.0.5", 502)
	b := TCPKey("10.0.0.5", 502)
	c := TCPKey("10.0.0.5", 503)

	m := map[Key]int{a: 1}
	m[b] = 2
	assert.Len(t, m, 1, "equal keys must collapse to one map entry")
	assert.Equal(t, 2, m[a])

	m[c] = 3
	assert.Len(t, m, 2)
}

func TestKey_String(t *testing.T) {
	cases := []struct {
		name string
		key  Key
		want string
	}{
		{"tcp", TCPKey("192.168.1.10", 502), "tcp://192.168.1.10:502"},
		{"udp", UDPKey("192.168.1.10", 502), "udp://192.168.1.10:502"},
		{"serial rtu", SerialKey("/dev/ttyS0", 9600, "none", 8, 1, RTU), "serial:///dev/ttyS0@9600/rtu-8none1"},
		{"serial ascii", SerialKey("/dev/ttyS0", 9600, "none", 8, 1, ASCII), "serial:///dev/ttyS0@9600/ascii-8none1"},
		{"unknown", Key{Transport: Transport(99)}, "unknown://"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.key.String())
		})
	}
}

func TestSerialEncoding_String(t *testing.T) {
	assert.Equal(t, "rtu", RTU.String())
	assert.Equal(t, "ascii", ASCII.String())
}

func TestDefaultFor_TCPAndUDPUseTCPDefaults(t *testing.T) {
	assert.Equal(t, DefaultTCPPoolConfig(), DefaultFor(TCPKey("h", 1)))
	assert.Equal(t, DefaultTCPPoolConfig(), DefaultFor(UDPKey("h", 1)))
}

func TestDefaultFor_SerialUsesSerialDefaults(t *testing.T) {
	assert.Equal(t, DefaultSerialPoolConfig(), DefaultFor(SerialKey("d", 9600, "none", 8, 1, RTU)))
}

func TestDefaultSerialPoolConfig_NeverReconnects(t *testing.T) {
	cfg := DefaultSerialPoolConfig()
	assert.Equal(t, time.Duration(-1), cfg.ReconnectAfter)
}

func TestDefaultTCPPoolConfig_ReconnectsPeriodically(t *testing.T) {
	cfg := DefaultTCPPoolConfig()
	assert.Equal(t, 10*time.Minute, cfg.ReconnectAfter)
	assert.Equal(t, 60*time.Millisecond, cfg.PassivateBorrowMin)
}
