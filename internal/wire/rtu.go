package wire

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/edgeflow/modbusmgr/pkg/modbus/request"
)

const (
	rtuMinSize       = 4 // unit id + function + 2-byte CRC
	rtuMaxSize       = 256
	rtuExceptionSize = 5 // unit id + function + exception code + 2-byte CRC
)

// RTUCodec frames PDUs for Modbus RTU: unit ID, PDU, then a 2-byte CRC-16
// (low byte first), with no transaction ID - request/response pairing is
// purely sequential on one serial line.
type RTUCodec struct{}

func (RTUCodec) Headless() bool { return true }

func (RTUCodec) Encode(t Transaction) []byte {
	adu := make([]byte, 2+len(t.PDU)+2)
	adu[0] = t.UnitID
	copy(adu[1:], t.PDU)
	var c crc16
	c.reset().pushBytes(adu[:len(adu)-2])
	sum := c.value()
	adu[len(adu)-2] = byte(sum)
	adu[len(adu)-1] = byte(sum >> 8)
	return adu
}

func (RTUCodec) Decode(adu []byte) (Transaction, error) {
	if len(adu) < rtuMinSize {
		return Transaction{}, &ErrShortFrame{Got: len(adu), Want: rtuMinSize}
	}
	var c crc16
	c.reset().pushBytes(adu[:len(adu)-2])
	want := c.value()
	got := uint16(adu[len(adu)-1])<<8 | uint16(adu[len(adu)-2])
	if got != want {
		return Transaction{}, &ErrChecksum{Got: got, Want: want}
	}
	unitID := adu[0]
	pdu := adu[1 : len(adu)-2]
	if len(pdu) >= 2 && pdu[0]&0x80 != 0 {
		return Transaction{UnitID: unitID, PDU: pdu}, &ErrExceptionResponse{FunctionCode: pdu[0], ExceptionCode: pdu[1]}
	}
	return Transaction{UnitID: unitID, PDU: pdu}, nil
}

// expectedRTUResponseLength predicts total ADU length (unit id + PDU + CRC)
// from the request ADU, the way a real RTU client must since there is no
// length field on the wire - only end-of-frame silence, which this
// byte-counting client approximates by knowing each function code's
// regular reply shape.
func expectedRTUResponseLength(requestADU []byte) int {
	if len(requestADU) < 2 {
		return rtuMinSize
	}
	fc := request.FunctionCode(requestADU[1])
	n := expectedDataLength(fc, requestADU[1:])
	if n < 0 {
		return rtuMaxSize
	}
	return 1 + 1 + n + 2 // unit id + function + data + crc
}

func (RTUCodec) ReadResponse(ctx context.Context, r io.Reader, requestADU []byte, deadline time.Time) ([]byte, error) {
	if d, ok := r.(deadlineSetter); ok {
		_ = d.SetReadDeadline(deadline)
	}

	var buf [rtuMaxSize]byte
	n := 0
	for n < rtuMinSize {
		nn, err := r.Read(buf[n:])
		n += nn
		if err != nil {
			return nil, fmt.Errorf("wire: reading RTU response: %w", err)
		}
		if nn == 0 {
			return nil, fmt.Errorf("wire: reading RTU response: no progress after %d bytes", n)
		}
	}

	function := requestADU[1]
	target := rtuExceptionSize
	if buf[1] == function {
		target = expectedRTUResponseLength(requestADU)
	}
	if target > rtuMaxSize {
		target = rtuMaxSize
	}
	for n < target {
		nn, err := r.Read(buf[n:target])
		n += nn
		if err != nil {
			return nil, fmt.Errorf("wire: reading RTU response body: %w", err)
		}
		if nn == 0 {
			return nil, fmt.Errorf("wire: reading RTU response body: no progress after %d bytes", n)
		}
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}
