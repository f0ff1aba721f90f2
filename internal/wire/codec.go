// Package wire drives the Modbus wire protocol: transaction framing for
// TCP (MBAP), RTU, and ASCII, and the message trace hook type the executor
// uses for diagnostics. Transaction IDs travel on Transaction but are
// assigned by the caller. It is the "library
// primitive" the manager is built against - none of the repos in this
// module's lineage publish a standalone, importable Modbus codec as a
// dependency (the ones in the wild are whole client/server libraries, not
// something another module can import just for framing), so this package
// is hand-rolled on encoding/binary rather than wired to a third-party
// codec. See DESIGN.md for the full accounting.
package wire

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/edgeflow/modbusmgr/pkg/modbus/request"
)

// Transaction is one PDU exchange, independent of how it is framed on the
// wire.
type Transaction struct {
	ID     uint16 // ignored by headless codecs (RTU/ASCII)
	UnitID byte
	PDU    []byte // function code + payload
}

// TraceFunc receives the raw bytes of every request and response ADU,
// tagged with a direction marker ("tx"/"rx") and the endpoint string.
// The manager wires this to its logger so wire traffic can be inspected at
// debug level without the codec depending on a logging package itself.
type TraceFunc func(endpoint string, direction string, adu []byte)

// Codec drives one transport's framing. A single Codec value is stateless
// and safe for concurrent use by multiple connections of the same
// transport; it never touches the network itself.
type Codec interface {
	// Headless reports whether transaction identity is purely local
	// bookkeeping (RTU/ASCII: true) rather than a real transaction ID that
	// must be verified against the request (TCP/UDP: false).
	Headless() bool

	// Encode renders a Transaction as the bytes to put on the wire.
	Encode(t Transaction) []byte

	// ReadResponse reads exactly one complete ADU from r, honoring the
	// given deadline, using the request ADU to know how many bytes to
	// expect back.
	ReadResponse(ctx context.Context, r io.Reader, requestADU []byte, deadline time.Time) ([]byte, error)

	// Decode parses an ADU into a Transaction. For framed transports this
	// also validates the embedded length field.
	Decode(adu []byte) (Transaction, error)
}

// ErrShortFrame indicates a response ADU was truncated or otherwise too
// small to be a valid frame.
type ErrShortFrame struct {
	Got, Want int
}

func (e *ErrShortFrame) Error() string {
	return fmt.Sprintf("wire: short frame: got %d bytes, want at least %d", e.Got, e.Want)
}

// ErrChecksum indicates an RTU CRC or ASCII LRC did not match.
type ErrChecksum struct {
	Got, Want uint16
}

func (e *ErrChecksum) Error() string {
	return fmt.Sprintf("wire: checksum mismatch: got %#x, want %#x", e.Got, e.Want)
}

// ErrExceptionResponse indicates the slave replied with a valid exception
// PDU (function code with the high bit set).
type ErrExceptionResponse struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ErrExceptionResponse) Error() string {
	return fmt.Sprintf("wire: exception response: function %#x code %d", e.FunctionCode, e.ExceptionCode)
}

// expectedDataLength returns how many payload bytes follow the function
// code in a normal (non-exception) response to fc, given the request's
// Reference/quantity already encoded in reqPDU. Returns -1 when the length
// cannot be predicted from the request alone (not used by any function
// code this module emits).
func expectedDataLength(fc request.FunctionCode, reqPDU []byte) int {
	switch fc {
	case request.ReadCoils, request.ReadDiscreteInputs:
		quantity := int(reqPDU[3])<<8 | int(reqPDU[4])
		byteCount := quantity / 8
		if quantity%8 != 0 {
			byteCount++
		}
		return 1 + byteCount // byte-count field + payload
	case request.ReadHoldingRegisters, request.ReadInputRegisters:
		quantity := int(reqPDU[3])<<8 | int(reqPDU[4])
		return 1 + quantity*2
	case request.WriteSingleCoil, request.WriteSingleRegister:
		return 4 // address(2) + value(2)
	case request.WriteMultipleCoils, request.WriteMultipleRegisters:
		return 4 // address(2) + quantity(2)
	default:
		return -1
	}
}
