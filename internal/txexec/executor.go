// Package txexec drives a single Modbus transaction end to end: borrowing
// a connection, framing and sending the request, waiting for and decoding
// the response, and retrying according to what kind of failure occurred,
// all while honoring the retry budget carried on the originating task.
package txexec

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/modbusmgr/internal/connpool"
	"github.com/edgeflow/modbusmgr/internal/wire"
	"github.com/edgeflow/modbusmgr/pkg/modbus/endpoint"
	"github.com/edgeflow/modbusmgr/pkg/modbus/errs"
	"github.com/edgeflow/modbusmgr/pkg/modbus/request"
	"github.com/edgeflow/modbusmgr/pkg/modbus/task"
)

// State names the executor's position in the per-transaction state
// machine. Only Executor.Run's internal bookkeeping uses this directly;
// it's exported so callers and tests can assert on it mid-flight via the
// optional onState hook.
type State int

const (
	StateIdle State = iota
	StateBorrowing
	StateRequesting
	StateAwaitingResponse
	StateDecoding
	StateErroring
	StateDone
	StateRetrying
	StateAborting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBorrowing:
		return "borrowing"
	case StateRequesting:
		return "requesting"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateDecoding:
		return "decoding"
	case StateErroring:
		return "erroring"
	case StateDone:
		return "done"
	case StateRetrying:
		return "retrying"
	case StateAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// defaultRequestTimeout bounds how long the executor waits for a single response
// before treating the attempt as an I/O failure.
const defaultRequestTimeout = 2 * time.Second

// CodecFor resolves the wire.Codec for an endpoint key.
func CodecFor(key endpoint.Key) wire.Codec {
	switch key.Transport {
	case endpoint.Serial:
		if key.Encoding == endpoint.ASCII {
			return wire.ASCIICodec{}
		}
		return wire.RTUCodec{}
	default:
		return wire.TCPCodec{}
	}
}

// TransactionIDSource hands out the next transaction ID for framed
// (TCP/UDP) transports. RTU/ASCII codecs ignore it.
type TransactionIDSource interface {
	Next() uint16
}

// MetricsSink receives transaction outcome notifications as each task
// finishes or fails an attempt. metrics.Metrics satisfies this directly.
type MetricsSink interface {
	RecordTransaction(ok bool, attempts int)
	RecordError(kind errs.Kind)
}

// Executor runs transactions against a Pool, pacing retries per the error
// taxonomy's retry policy.
type Executor struct {
	pool          *connpool.Pool
	ids           TransactionIDSource
	log           *zap.Logger
	trace         wire.TraceFunc
	metrics       MetricsSink
	requestTimeout time.Duration

	// StillRegistered reports whether the poll key is still registered;
	// consulted before each retry so a mid-poll unregister stops further
	// attempts promptly instead of completing one more retry cycle.
	StillRegistered func(key task.Key) bool

	// onState, if set, is called on every state transition. Tests use it
	// to assert the executor walks the documented state machine instead
	// of skipping states under error paths.
	onState func(State)
}

func (e *Executor) enter(s State) {
	if e.onState != nil {
		e.onState(s)
	}
}

// Option configures an Executor.
type Option func(*Executor)

// WithTrace installs a hex message trace hook.
func WithTrace(fn wire.TraceFunc) Option {
	return func(e *Executor) { e.trace = fn }
}

// WithRequestTimeout overrides the per-attempt response deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Executor) { e.requestTimeout = d }
}

// WithMetricsSink installs a sink that is notified of every completed or
// exhausted transaction and every per-attempt error, by kind.
func WithMetricsSink(m MetricsSink) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithStateObserver installs a hook called on every state transition.
// Intended for tests; production callers have no need for it.
func WithStateObserver(fn func(State)) Option {
	return func(e *Executor) { e.onState = fn }
}

// New builds an Executor backed by pool, using ids to assign MBAP
// transaction IDs.
func New(pool *connpool.Pool, ids TransactionIDSource, log *zap.Logger, opts ...Option) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		pool:           pool,
		ids:            ids,
		log:            log,
		requestTimeout: defaultRequestTimeout,
		StillRegistered: func(task.Key) bool { return true },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes t to completion (success, exhausted retries, or context
// cancellation), dispatching exactly one terminal callback: OnReadRegisters
// / OnReadBits / OnWrite on success, OnError otherwise. The one exception is
// a read whose key StillRegistered reports as gone at a retry boundary: it
// stops there without a callback.
func (e *Executor) Run(ctx context.Context, t task.Task) {
	e.enter(StateIdle)
	maxTries := t.MaxTries()
	var lastErr *errs.TransactionError

	for attempt := 1; attempt <= maxTries; attempt++ {
		if attempt > 1 {
			e.enter(StateRetrying)
			if t.Kind == task.Read && !e.StillRegistered(t.Key()) {
				e.enter(StateAborting)
				return
			}
		}

		err := e.attempt(ctx, t, attempt)
		if err == nil {
			e.enter(StateDone)
			if e.metrics != nil {
				e.metrics.RecordTransaction(true, attempt)
			}
			return
		}
		e.enter(StateErroring)
		lastErr = err
		if e.metrics != nil {
			e.metrics.RecordError(err.Kind)
		}

		if ctx.Err() != nil {
			e.enter(StateAborting)
			if e.metrics != nil {
				e.metrics.RecordTransaction(false, attempt)
			}
			t.Callback.OnError(lastErr)
			return
		}
		if attempt == maxTries {
			break
		}
		// Connection invalidation already happened inside attempt(); a
		// slave exception paces via the pool's PassivateBorrowMin on the
		// next borrow instead of a fresh connection.
	}

	e.enter(StateAborting)
	if e.metrics != nil {
		e.metrics.RecordTransaction(false, maxTries)
	}
	e.log.Debug("txexec: exhausted retry budget",
		zap.String("endpoint", t.Endpoint.String()), zap.Int("maxTries", maxTries),
		zap.String("lastErrKind", lastErr.Kind.String()))
	t.Callback.OnError(lastErr)
}

// attempt runs one borrow/send/receive/decode cycle, returning nil on
// success.
func (e *Executor) attempt(ctx context.Context, t task.Task, attemptNum int) *errs.TransactionError {
	e.enter(StateBorrowing)
	lease, err := e.pool.Borrow(ctx, t.Endpoint)
	if err != nil {
		return &errs.TransactionError{Kind: errs.ConnectionFailed, Attempt: attemptNum, Cause: err}
	}

	e.enter(StateRequesting)
	codec := CodecFor(t.Endpoint)
	pdu, fc := e.buildPDU(t)

	txn := wire.Transaction{UnitID: e.unitID(t), PDU: pdu}
	if !codec.Headless() {
		txn.ID = e.ids.Next()
	}
	adu := codec.Encode(txn)
	e.traceOut(t.Endpoint, adu)

	if _, err := lease.Conn.Write(adu); err != nil {
		lease.Invalidate()
		return &errs.TransactionError{Kind: errs.IOError, FunctionCode: byte(fc), Attempt: attemptNum, Cause: err}
	}

	e.enter(StateAwaitingResponse)
	deadline := time.Now().Add(e.requestTimeout)
	respADU, err := codec.ReadResponse(ctx, lease.Conn, adu, deadline)
	if err != nil {
		lease.Invalidate()
		return &errs.TransactionError{Kind: errs.IOError, FunctionCode: byte(fc), Attempt: attemptNum, Cause: err}
	}
	e.traceIn(t.Endpoint, respADU)

	e.enter(StateDecoding)
	respTxn, decodeErr := codec.Decode(respADU)
	if exc, ok := decodeErr.(*wire.ErrExceptionResponse); ok {
		lease.Release()
		return &errs.TransactionError{
			Kind: errs.SlaveException, FunctionCode: exc.FunctionCode,
			ExceptionCode: exc.ExceptionCode, Attempt: attemptNum, Cause: decodeErr,
		}
	}
	if decodeErr != nil {
		lease.Invalidate()
		return &errs.TransactionError{Kind: errs.DecodeError, FunctionCode: byte(fc), Attempt: attemptNum, Cause: decodeErr}
	}
	if !codec.Headless() && respTxn.ID != txn.ID {
		lease.Invalidate()
		return &errs.TransactionError{
			Kind: errs.TransactionIDMismatch, FunctionCode: byte(fc), Attempt: attemptNum,
			Cause: fmt.Errorf("txexec: got transaction id %d, want %d", respTxn.ID, txn.ID),
		}
	}

	if t.Kind == task.Write {
		if err := wire.VerifyWriteEcho(pdu, respTxn.PDU); err != nil {
			lease.Invalidate()
			return &errs.TransactionError{Kind: errs.DecodeError, FunctionCode: byte(fc), Attempt: attemptNum, Cause: err}
		}
	}

	lease.Release()
	e.deliver(t, fc, respTxn.PDU[1:])
	return nil
}

func (e *Executor) unitID(t task.Task) byte {
	if t.Kind == task.Read {
		return t.Read.UnitID
	}
	return t.Write.UnitID
}

func (e *Executor) buildPDU(t task.Task) ([]byte, request.FunctionCode) {
	if t.Kind == task.Read {
		return wire.BuildReadPDU(t.Read), t.Read.FunctionCode
	}
	return wire.BuildWritePDU(t.Write), t.Write.FunctionCode()
}

// deliver dispatches the terminal success callback. respPDU is the
// response payload with the function code byte already stripped.
func (e *Executor) deliver(t task.Task, fc request.FunctionCode, respPDU []byte) {
	if t.Kind == task.Write {
		t.Callback.OnWrite(t.Write, request.ResponseSummary{FunctionCode: fc})
		return
	}

	if t.Read.IsBitRead() {
		bits, err := wire.ParseReadBits(respPDU, int(t.Read.Length))
		if err != nil {
			t.Callback.OnError(&errs.TransactionError{Kind: errs.DecodeError, FunctionCode: byte(fc), Cause: err})
			return
		}
		t.Callback.OnReadBits(t.Read, request.NewBitArray(bits))
		return
	}

	regs, err := wire.ParseReadRegisters(respPDU, int(t.Read.Length))
	if err != nil {
		t.Callback.OnError(&errs.TransactionError{Kind: errs.DecodeError, FunctionCode: byte(fc), Cause: err})
		return
	}
	t.Callback.OnReadRegisters(t.Read, request.NewRegisterArray(regs))
}

func (e *Executor) traceOut(key endpoint.Key, adu []byte) {
	if e.trace != nil {
		e.trace(key.String(), "tx", adu)
	}
}

func (e *Executor) traceIn(key endpoint.Key, adu []byte) {
	if e.trace != nil {
		e.trace(key.String(), "rx", adu)
	}
}
