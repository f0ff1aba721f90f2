package manager

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/modbusmgr/internal/connpool"
	"github.com/edgeflow/modbusmgr/pkg/modbus/endpoint"
	"github.com/edgeflow/modbusmgr/pkg/modbus/errs"
	"github.com/edgeflow/modbusmgr/pkg/modbus/request"
	"github.com/edgeflow/modbusmgr/pkg/modbus/task"
)

type failDialer struct{}

func (failDialer) Dial(context.Context, endpoint.Key) (connpool.Conn, error) {
	return nil, fmt.Errorf("manager_test: simulated dial failure")
}

type countingCallback struct {
	task.NopCallback
	errs int32
}

func (c *countingCallback) OnError(*errs.TransactionError) {
	atomic.AddInt32(&c.errs, 1)
}

func testRead() request.ReadRequest {
	return request.ReadRequest{UnitID: 1, FunctionCode: request.ReadHoldingRegisters, Reference: 0, Length: 1, MaxTries: 1}
}

func TestManager_SubmitBeforeActivateFails(t *testing.T) {
	m := New(nil)
	err := m.SubmitOneTimeRead(endpoint.TCPKey("10.0.0.1", 502), testRead(), &countingCallback{})
	assert.Error(t, err)
}

func TestManager_ActivateTwiceFails(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Activate(Config{Dialer: failDialer{}}))
	defer m.Deactivate()
	assert.Error(t, m.Activate(Config{Dialer: failDialer{}}))
}

func TestManager_CloseRejectsFurtherActivation(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Activate(Config{Dialer: failDialer{}}))
	m.Close()
	assert.Error(t, m.Activate(Config{Dialer: failDialer{}}))
}

func TestManager_SubmitOneTimeReadRunsAfterActivate(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Activate(Config{Dialer: failDialer{}, RequestTimeout: 10 * time.Millisecond}))
	defer m.Deactivate()

	cb := &countingCallback{}
	require.NoError(t, m.SubmitOneTimeRead(endpoint.TCPKey("10.0.0.2", 502), testRead(), cb))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&cb.errs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_DeactivateUnregistersPolls(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Activate(Config{Dialer: failDialer{}}))

	ep := endpoint.TCPKey("10.0.0.3", 502)
	_, err := m.RegisterRegularPoll(ep, testRead(), time.Hour, 0, &countingCallback{})
	require.NoError(t, err)
	assert.Len(t, m.RegisteredPolls(), 1)

	m.Deactivate()
	assert.Empty(t, m.RegisteredPolls(), "no polls should be registered while inactive")
}

func TestManager_SetEndpointPoolConfigurationNotifiesListeners(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Activate(Config{Dialer: failDialer{}}))
	defer m.Deactivate()

	ep := endpoint.TCPKey("10.0.0.4", 502)
	var got endpoint.PoolConfig
	var notified int32
	m.AddListener(func(key endpoint.Key, cfg endpoint.PoolConfig) {
		atomic.AddInt32(&notified, 1)
		got = cfg
	})

	cfg := endpoint.PoolConfig{PassivateBorrowMin: 123 * time.Millisecond, ConnectMaxTries: 7}
	m.SetEndpointPoolConfiguration(ep, cfg)

	assert.Equal(t, int32(1), atomic.LoadInt32(&notified))
	assert.Equal(t, cfg, got)
	assert.Equal(t, cfg, m.GetEndpointPoolConfiguration(ep))
}

func TestManager_RemoveListenerStopsNotifications(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Activate(Config{Dialer: failDialer{}}))
	defer m.Deactivate()

	var notified int32
	h := m.AddListener(func(endpoint.Key, endpoint.PoolConfig) { atomic.AddInt32(&notified, 1) })
	m.RemoveListener(h)

	m.SetEndpointPoolConfiguration(endpoint.TCPKey("10.0.0.5", 502), endpoint.DefaultTCPPoolConfig())
	assert.Equal(t, int32(0), atomic.LoadInt32(&notified))
}

func TestManager_GetEndpointPoolConfigurationDefaultsByTransport(t *testing.T) {
	m := New(nil)
	tcpCfg := m.GetEndpointPoolConfiguration(endpoint.TCPKey("10.0.0.6", 502))
	serialCfg := m.GetEndpointPoolConfiguration(endpoint.SerialKey("/dev/ttyUSB0", 9600, "none", 8, 1, endpoint.RTU))
	assert.Equal(t, endpoint.DefaultTCPPoolConfig(), tcpCfg)
	assert.Equal(t, endpoint.DefaultSerialPoolConfig(), serialCfg)
}

// loopbackConn answers a single read request with a scripted MBAP response,
// echoing the request's transaction ID, so a one-time submission completes
// successfully and its connection is released back to the pool as idle.
type loopbackConn struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (c *loopbackConn) Read(b []byte) (int, error)       { return c.r.Read(b) }
func (c *loopbackConn) Write(b []byte) (int, error)      { return c.w.Write(b) }
func (c *loopbackConn) Close() error                     { c.w.Close(); return c.r.Close() }
func (c *loopbackConn) SetReadDeadline(time.Time) error  { return nil }

type loopbackDialer struct{ resp []byte }

func (d loopbackDialer) Dial(ctx context.Context, key endpoint.Key) (connpool.Conn, error) {
	clientRead, slaveWrite := io.Pipe()
	slaveRead, clientWrite := io.Pipe()
	go func() {
		buf := make([]byte, 256)
		n, err := slaveRead.Read(buf)
		if err != nil || n < 2 {
			return
		}
		out := make([]byte, len(d.resp))
		copy(out, d.resp)
		out[0], out[1] = buf[0], buf[1]
		_, _ = slaveWrite.Write(out)
	}()
	return &loopbackConn{r: clientRead, w: clientWrite}, nil
}

func TestManager_DeactivateClosesOneOffOnlyEndpoints(t *testing.T) {
	resp := []byte{0, 1, 0, 0, 0, 5, 1, 3, 2, 0x00, 0xFF}
	m := New(nil)
	require.NoError(t, m.Activate(Config{Dialer: loopbackDialer{resp: resp}}))

	ep := endpoint.TCPKey("10.0.0.7", 502)
	cb := &countingCallback{}
	require.NoError(t, m.SubmitOneTimeRead(ep, testRead(), cb))

	require.Eventually(t, func() bool {
		open, _ := m.PoolStats()
		return open == 1
	}, time.Second, 5*time.Millisecond, "one-off read should leave an idle connection behind")

	m.Deactivate()

	open, _ := m.PoolStats()
	assert.Equal(t, 0, open, "deactivation must close one-off-only endpoints too, not just polled ones")
}
