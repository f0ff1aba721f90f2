package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_String(t *testing.T) {
	cases := map[Kind]string{
		Unknown:               "Unknown",
		ConnectionFailed:      "ConnectionFailed",
		IOError:               "IOError",
		SlaveException:        "SlaveException",
		TransactionIDMismatch: "TransactionIdMismatch",
		DecodeError:           "DecodeError",
		Kind(99):              "Unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestTransactionError_Error_SlaveException(t *testing.T) {
	e := &TransactionError{Kind: SlaveException, FunctionCode: 0x03, ExceptionCode: 2, Attempt: 1}
	assert.Equal(t, "modbus: slave exception on function 0x3, code 2 (attempt 1)", e.Error())
}

func TestTransactionError_Error_WithCause(t *testing.T) {
	cause := errors.New("connection reset")
	e := &TransactionError{Kind: IOError, Attempt: 2, Cause: cause}
	assert.Equal(t, fmt.Sprintf("modbus: %s (attempt 2): %s", IOError, cause), e.Error())
}

func TestTransactionError_Error_WithoutCause(t *testing.T) {
	e := &TransactionError{Kind: ConnectionFailed, Attempt: 3}
	assert.Equal(t, "modbus: ConnectionFailed (attempt 3)", e.Error())
}

func TestTransactionError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	e := &TransactionError{Kind: IOError, Cause: cause}
	assert.Equal(t, cause, errors.Unwrap(e))
	assert.True(t, errors.Is(e, cause))
}

func TestTransactionError_Retryable_AlwaysTrue(t *testing.T) {
	for _, k := range []Kind{Unknown, ConnectionFailed, IOError, SlaveException, TransactionIDMismatch, DecodeError} {
		e := &TransactionError{Kind: k}
		assert.True(t, e.Retryable())
	}
}

func TestTransactionError_InvalidatesConnection(t *testing.T) {
	assert.False(t, (&TransactionError{Kind: SlaveException}).InvalidatesConnection())
	for _, k := range []Kind{Unknown, ConnectionFailed, IOError, TransactionIDMismatch, DecodeError} {
		e := &TransactionError{Kind: k}
		assert.True(t, e.InvalidatesConnection(), "kind %s should invalidate the connection", k)
	}
}
