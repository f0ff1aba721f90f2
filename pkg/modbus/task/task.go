// Package task binds a request to the endpoint it targets and the callback
// that should receive its outcome.
package task

import (
	"github.com/edgeflow/modbusmgr/pkg/modbus/endpoint"
	"github.com/edgeflow/modbusmgr/pkg/modbus/errs"
	"github.com/edgeflow/modbusmgr/pkg/modbus/request"
)

// Callback receives the outcome of a task's execution. Exactly one of
// OnReadRegisters/OnReadBits, OnWrite, or OnError fires per attempt
// sequence. Implementations must return quickly - they run on the worker
// goroutine that executed the transaction, after its connection has been
// returned to the pool, so a slow callback delays that worker but never
// holds a connection slot.
type Callback interface {
	OnReadRegisters(req request.ReadRequest, data request.RegisterArray)
	OnReadBits(req request.ReadRequest, data request.BitArray)
	OnWrite(req request.WriteRequest, summary request.ResponseSummary)
	OnError(err *errs.TransactionError)
}

// NopCallback is a Callback whose methods all do nothing, useful as a base
// to embed when a consumer only cares about one or two outcomes.
type NopCallback struct{}

func (NopCallback) OnReadRegisters(request.ReadRequest, request.RegisterArray) {}
func (NopCallback) OnReadBits(request.ReadRequest, request.BitArray)           {}
func (NopCallback) OnWrite(request.WriteRequest, request.ResponseSummary)     {}
func (NopCallback) OnError(*errs.TransactionError)                            {}

// Kind distinguishes a read task from a write task.
type Kind int

const (
	Read Kind = iota
	Write
)

// Task is a single unit of scheduled work: an endpoint, a request, and the
// callback to deliver its outcome to.
//
// The callback is held strongly rather than weakly: consumers must call
// Manager.UnregisterRegularPoll explicitly to stop a poll. Prompt
// cancellation after unregistration is enforced by the registration check
// in the scheduler, not by garbage collection, so holding a strong
// reference here doesn't risk a callback firing after teardown.
type Task struct {
	Endpoint endpoint.Key
	Kind     Kind
	Read     request.ReadRequest
	Write    request.WriteRequest
	Callback Callback
}

// Key identifies a registered poll for scheduling-dedup purposes: two read
// tasks with the same endpoint and the same request (by content, per
// ReadRequest equality) are the same registration and must replace each
// other rather than run side by side. Only read tasks are registered as
// periodic polls, so Key deliberately omits the write fields - WriteRequest
// carries a []uint16 payload and is not comparable, so it could never be a
// map key component anyway.
type Key struct {
	Endpoint endpoint.Key
	Read     request.ReadRequest
}

// Key computes the Task's poll-dedup key. Only meaningful for Kind == Read.
func (t Task) Key() Key {
	return Key{Endpoint: t.Endpoint, Read: t.Read}
}

// NewRead builds a read task.
func NewRead(ep endpoint.Key, req request.ReadRequest, cb Callback) Task {
	return Task{Endpoint: ep, Kind: Read, Read: req, Callback: cb}
}

// NewWrite builds a write task.
func NewWrite(ep endpoint.Key, req request.WriteRequest, cb Callback) Task {
	return Task{Endpoint: ep, Kind: Write, Write: req, Callback: cb}
}

// MaxTries returns the retry budget of the underlying request.
func (t Task) MaxTries() int {
	if t.Kind == Read {
		return t.Read.MaxTries
	}
	return t.Write.MaxTries
}
