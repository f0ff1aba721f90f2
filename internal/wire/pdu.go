package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/edgeflow/modbusmgr/pkg/modbus/request"
)

// BuildReadPDU renders a ReadRequest as its function-code + address +
// quantity PDU.
func BuildReadPDU(r request.ReadRequest) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(r.FunctionCode)
	binary.BigEndian.PutUint16(pdu[1:], r.Reference)
	binary.BigEndian.PutUint16(pdu[3:], r.Length)
	return pdu
}

// coilOnWire is the bit-exact 0xFF00/0x0000 encoding the protocol requires
// for single coil writes.
func coilOnWire(v bool) uint16 {
	if v {
		return 0xFF00
	}
	return 0x0000
}

// BuildWritePDU renders a WriteRequest as its function-code + payload PDU.
func BuildWritePDU(w request.WriteRequest) []byte {
	switch w.FunctionCode() {
	case request.WriteSingleCoil:
		pdu := make([]byte, 5)
		pdu[0] = byte(request.WriteSingleCoil)
		binary.BigEndian.PutUint16(pdu[1:], w.Address)
		binary.BigEndian.PutUint16(pdu[3:], coilOnWire(w.Bit))
		return pdu
	case request.WriteMultipleCoils:
		// WriteRequest's Coil shape only ever carries one bit, so a
		// multi-coil write is always a single-bit FC15 PDU.
		return BuildWriteMultipleCoilsPDU(w.Address, []bool{w.Bit})
	case request.WriteSingleRegister:
		pdu := make([]byte, 5)
		pdu[0] = byte(request.WriteSingleRegister)
		binary.BigEndian.PutUint16(pdu[1:], w.Address)
		binary.BigEndian.PutUint16(pdu[3:], w.Data[0])
		return pdu
	case request.WriteMultipleRegisters:
		data := make([]byte, len(w.Data)*2)
		for i, v := range w.Data {
			binary.BigEndian.PutUint16(data[i*2:], v)
		}
		pdu := make([]byte, 6+len(data))
		pdu[0] = byte(request.WriteMultipleRegisters)
		binary.BigEndian.PutUint16(pdu[1:], w.Address)
		binary.BigEndian.PutUint16(pdu[3:], uint16(len(w.Data)))
		pdu[5] = byte(len(data))
		copy(pdu[6:], data)
		return pdu
	default:
		return nil
	}
}

// BuildWriteMultipleCoilsPDU renders a multi-coil write from an explicit bit
// slice. BuildWritePDU calls this with a single-element slice for
// WriteRequest's Coil shape, which only ever carries one bit.
func BuildWriteMultipleCoilsPDU(address uint16, bits []bool) []byte {
	byteCount := (len(bits) + 7) / 8
	data := make([]byte, byteCount)
	for i, v := range bits {
		if v {
			data[i/8] |= 1 << uint(i%8)
		}
	}
	pdu := make([]byte, 6+len(data))
	pdu[0] = byte(request.WriteMultipleCoils)
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], uint16(len(bits)))
	pdu[5] = byte(len(data))
	copy(pdu[6:], data)
	return pdu
}

// ParseReadRegisters decodes a holding/input register read response PDU
// into `quantity` registers.
func ParseReadRegisters(pdu []byte, quantity int) ([]uint16, error) {
	if len(pdu) < 1 {
		return nil, &ErrShortFrame{Got: len(pdu), Want: 1}
	}
	byteCount := int(pdu[0])
	if len(pdu) < 1+byteCount || byteCount < quantity*2 {
		return nil, &ErrShortFrame{Got: len(pdu), Want: 1 + quantity*2}
	}
	out := make([]uint16, quantity)
	for i := 0; i < quantity; i++ {
		out[i] = binary.BigEndian.Uint16(pdu[1+i*2:])
	}
	return out, nil
}

// ParseReadBits decodes a coil/discrete-input read response PDU into
// `quantity` bits.
func ParseReadBits(pdu []byte, quantity int) ([]bool, error) {
	if len(pdu) < 1 {
		return nil, &ErrShortFrame{Got: len(pdu), Want: 1}
	}
	byteCount := int(pdu[0])
	needed := quantity / 8
	if quantity%8 != 0 {
		needed++
	}
	if len(pdu) < 1+byteCount || byteCount < needed {
		return nil, &ErrShortFrame{Got: len(pdu), Want: 1 + needed}
	}
	out := make([]bool, quantity)
	for i := 0; i < quantity; i++ {
		b := pdu[1+i/8]
		out[i] = (b>>uint(i%8))&0x1 != 0
	}
	return out, nil
}

// VerifyWriteEcho checks that a write acknowledgement echoes the request
// PDU, as Modbus writes are required to.
func VerifyWriteEcho(requestPDU, responsePDU []byte) error {
	if len(responsePDU) < 1 || responsePDU[0] != requestPDU[0] {
		return fmt.Errorf("wire: write response function code mismatch")
	}
	// Every write reply echoes the address and the value (single writes)
	// or quantity (multiple writes) from bytes 1-4 of the request.
	if len(responsePDU) < 5 || len(requestPDU) < 5 || !bytes.Equal(responsePDU[1:5], requestPDU[1:5]) {
		return fmt.Errorf("wire: write response does not echo the request address and value/quantity")
	}
	return nil
}
