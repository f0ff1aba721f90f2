// Package codec translates between raw Modbus register frames and typed
// scalar values. It knows nothing about transport, pooling, or scheduling -
// it is pure data transformation, mirrored on the register packing helpers in
// the industrial node implementations this module grew out of.
package codec

import (
	"fmt"
	"math"
)

// ValueType identifies the wire shape of a scalar value extracted from, or
// packed into, a sequence of 16-bit Modbus registers.
type ValueType int

const (
	BIT ValueType = iota
	INT8
	UINT8
	INT16
	UINT16
	INT32
	UINT32
	INT64
	UINT64
	FLOAT32
	FLOAT64

	// *_SWAP variants reverse register order within a multi-register value,
	// matching the word-swapped layout common on VFDs and power meters.
	INT32_SWAP
	UINT32_SWAP
	INT64_SWAP
	UINT64_SWAP
	FLOAT32_SWAP
	FLOAT64_SWAP
)

// registerWidth returns how many 16-bit registers a value of this type
// occupies. Sub-register types (bitsPerElement < 16) report one register
// and pack multiple elements into it; bitsPerElement reports their width
// in bits.
func registerWidth(t ValueType) (registers int, bitsPerElement int) {
	switch t {
	case BIT:
		return 1, 1
	case INT8, UINT8:
		return 1, 8
	case INT16, UINT16:
		return 1, 16
	case INT32, UINT32, FLOAT32, INT32_SWAP, UINT32_SWAP, FLOAT32_SWAP:
		return 2, 16
	case INT64, UINT64, FLOAT64, INT64_SWAP, UINT64_SWAP, FLOAT64_SWAP:
		return 4, 16
	default:
		return 0, 0
	}
}

func isSwapped(t ValueType) bool {
	switch t {
	case INT32_SWAP, UINT32_SWAP, INT64_SWAP, UINT64_SWAP, FLOAT32_SWAP, FLOAT64_SWAP:
		return true
	default:
		return false
	}
}

// ErrDecodeOutOfBounds is returned by ExtractFromRegisters when the request
// index would read past the end of the provided register sequence.
type ErrDecodeOutOfBounds struct {
	Index int
	Type  ValueType
	Len   int
}

func (e *ErrDecodeOutOfBounds) Error() string {
	return fmt.Sprintf("codec: index %d of type %d out of bounds for %d registers", e.Index, e.Type, e.Len)
}

// ErrInvalidSubRegisterIndex is returned when a sub-16-bit type's bit width
// does not evenly divide 16, making the requested index ambiguous.
type ErrInvalidSubRegisterIndex struct {
	Type ValueType
}

func (e *ErrInvalidSubRegisterIndex) Error() string {
	return fmt.Sprintf("codec: value type %d does not divide evenly into a register", e.Type)
}

// subElementsPerRegister returns how many sub-register elements of t pack
// into one 16-bit register, and an error if t's width doesn't divide evenly.
func subElementsPerRegister(t ValueType) (int, error) {
	_, bits := registerWidth(t)
	if bits == 0 || bits > 16 {
		return 0, &ErrInvalidSubRegisterIndex{Type: t}
	}
	if 16%bits != 0 {
		return 0, &ErrInvalidSubRegisterIndex{Type: t}
	}
	return 16 / bits, nil
}

// registerWindow resolves the logical index of a value of type t into the
// register span it occupies within registers, honoring sub-register packing
// for widths below 16 bits (high-order element first within the register).
func registerWindow(registers []uint16, index int, t ValueType) ([]uint16, int, error) {
	width, _ := registerWidth(t)
	if width == 0 {
		return nil, 0, fmt.Errorf("codec: unknown value type %d", t)
	}

	if width >= 1 && registerBitWidth(t) >= 16 {
		start := index
		end := start + width
		if start < 0 || end > len(registers) {
			return nil, 0, &ErrDecodeOutOfBounds{Index: index, Type: t, Len: len(registers)}
		}
		return registers[start:end], 0, nil
	}

	perReg, err := subElementsPerRegister(t)
	if err != nil {
		return nil, 0, err
	}
	regIdx := index / perReg
	subIdx := index % perReg
	if regIdx < 0 || regIdx >= len(registers) {
		return nil, 0, &ErrDecodeOutOfBounds{Index: index, Type: t, Len: len(registers)}
	}
	return registers[regIdx : regIdx+1], subIdx, nil
}

func registerBitWidth(t ValueType) int {
	_, bits := registerWidth(t)
	return bits
}

// ExtractFromRegisters decodes a value of the given type at the given
// logical index. For types of bit width >= 16, index counts whole registers
// from the start of the sequence. For narrower types, index counts
// sub-elements packed high-order-first within each register.
func ExtractFromRegisters(registers []uint16, index int, t ValueType) (float64, error) {
	window, subIdx, err := registerWindow(registers, index, t)
	if err != nil {
		return 0, err
	}

	if isSwapped(t) {
		window = swapWords(window)
	}

	switch t {
	case BIT:
		reg := window[0]
		bit := (reg >> uint(15-subIdx)) & 0x1
		return float64(bit), nil
	case INT8:
		b := extractByte(window[0], subIdx)
		return float64(int8(b)), nil
	case UINT8:
		return float64(extractByte(window[0], subIdx)), nil
	case INT16:
		return float64(int16(window[0])), nil
	case UINT16:
		return float64(window[0]), nil
	case INT32, INT32_SWAP:
		v := uint32(window[0])<<16 | uint32(window[1])
		return float64(int32(v)), nil
	case UINT32, UINT32_SWAP:
		v := uint32(window[0])<<16 | uint32(window[1])
		return float64(v), nil
	case INT64, INT64_SWAP:
		v := words64(window)
		return float64(int64(v)), nil
	case UINT64, UINT64_SWAP:
		v := words64(window)
		return float64(v), nil
	case FLOAT32, FLOAT32_SWAP:
		bits := uint32(window[0])<<16 | uint32(window[1])
		return float64(math.Float32frombits(bits)), nil
	case FLOAT64, FLOAT64_SWAP:
		bits := words64(window)
		return math.Float64frombits(bits), nil
	default:
		return 0, fmt.Errorf("codec: unknown value type %d", t)
	}
}

// CommandToRegisters packs value into the register layout for type t. The
// returned slice has the same register width ExtractFromRegisters(·, 0, t)
// would expect to read back from. Sub-16-bit types occupy the high-order
// position within their register, matching the high-order-first convention
// ExtractFromRegisters uses at index 0.
func CommandToRegisters(value float64, t ValueType) ([]uint16, error) {
	switch t {
	case BIT:
		// Packed high-order-first, same as ExtractFromRegisters(·, 0, BIT)
		// expects: occupies the register's top bit.
		if value != 0 {
			return []uint16{1 << 15}, nil
		}
		return []uint16{0}, nil
	case INT8, UINT8:
		// Packed into the high byte to match extractByte's subIdx-0 read.
		return []uint16{uint16(uint8(int64(value))) << 8}, nil
	case INT16:
		return []uint16{uint16(int16(int64(value)))}, nil
	case UINT16:
		return []uint16{uint16(uint64(value))}, nil
	case INT32, INT32_SWAP:
		v := uint32(int32(int64(value)))
		regs := []uint16{uint16(v >> 16), uint16(v)}
		return swapIf(regs, isSwapped(t)), nil
	case UINT32, UINT32_SWAP:
		v := uint32(int64(value))
		regs := []uint16{uint16(v >> 16), uint16(v)}
		return swapIf(regs, isSwapped(t)), nil
	case INT64, INT64_SWAP:
		v := uint64(int64(value))
		regs := splitWords64(v)
		return swapIf(regs, isSwapped(t)), nil
	case UINT64, UINT64_SWAP:
		v := uint64(value)
		regs := splitWords64(v)
		return swapIf(regs, isSwapped(t)), nil
	case FLOAT32, FLOAT32_SWAP:
		bits := math.Float32bits(float32(value))
		regs := []uint16{uint16(bits >> 16), uint16(bits)}
		return swapIf(regs, isSwapped(t)), nil
	case FLOAT64, FLOAT64_SWAP:
		bits := math.Float64bits(value)
		regs := splitWords64(bits)
		return swapIf(regs, isSwapped(t)), nil
	default:
		return nil, fmt.Errorf("codec: unknown value type %d", t)
	}
}

// CommandToBool interprets common on/off spellings used by write requests
// originating from JSON or text configuration: boolean literals, numeric
// zero/non-zero, and the open/closed vocabulary used by valve and contact
// devices. It returns false, false when the value cannot be interpreted.
func CommandToBool(value interface{}) (result bool, ok bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch v {
		case "on", "ON", "true", "TRUE", "open", "OPEN", "1":
			return true, true
		case "off", "OFF", "false", "FALSE", "closed", "CLOSED", "0":
			return false, true
		default:
			return false, false
		}
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case float64:
		return v != 0, true
	case float32:
		return v != 0, true
	default:
		return false, false
	}
}

func extractByte(reg uint16, subIdx int) uint8 {
	if subIdx == 0 {
		return uint8(reg >> 8)
	}
	return uint8(reg)
}

func words64(window []uint16) uint64 {
	return uint64(window[0])<<48 | uint64(window[1])<<32 | uint64(window[2])<<16 | uint64(window[3])
}

func splitWords64(v uint64) []uint16 {
	return []uint16{
		uint16(v >> 48),
		uint16(v >> 32),
		uint16(v >> 16),
		uint16(v),
	}
}

func swapWords(window []uint16) []uint16 {
	swapped := make([]uint16, len(window))
	for i, w := range window {
		swapped[len(window)-1-i] = w
	}
	return swapped
}

func swapIf(regs []uint16, swap bool) []uint16 {
	if !swap {
		return regs
	}
	return swapWords(regs)
}
