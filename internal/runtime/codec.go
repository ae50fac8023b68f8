package runtime

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Load decodes element i of the little-endian buffer b.
func (t DType) Load(b []byte, i int) float32 {
	switch t {
	case F16:
		return float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
	case F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	case U64:
		return float32(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return 0
}

// Store encodes v as element i of b. F16 rounds to nearest even.
func (t DType) Store(b []byte, i int, v float32) {
	switch t {
	case F16:
		binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
	case F32:
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	case U64:
		binary.LittleEndian.PutUint64(b[8*i:], uint64(v))
	}
}
