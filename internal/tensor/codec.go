package tensor

import (
	"encoding/binary"

	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// Encode packs vals as little-endian elements of dt.
func Encode(dt runtime.DType, vals []float32) []byte {
	out := make([]byte, len(vals)*dt.Size())
	for i, v := range vals {
		dt.Store(out, i, v)
	}
	return out
}

// EncodeU64 packs vals as little-endian u64 elements.
func EncodeU64(vals []uint64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[8*i:], v)
	}
	return out
}

// ReadFloat32 copies the logical elements of t to the host in row-major
// order. Pending markers are awaited on the host; callers must synchronise
// streams that still write t.
func (t *Tensor) ReadFloat32() ([]float32, error) {
	raw, err := t.readRaw()
	if err != nil {
		return nil, err
	}
	d := t.Desc()
	out := make([]float32, d.NumElements())
	d.ForEach(func(lin, off int) {
		out[lin] = t.dtype.Load(raw, off)
	})
	return out, nil
}

// ReadUint64 is ReadFloat32 for u64 tensors.
func (t *Tensor) ReadUint64() ([]uint64, error) {
	if t.dtype != runtime.U64 {
		return nil, ErrTypeMismatch
	}
	raw, err := t.readRaw()
	if err != nil {
		return nil, err
	}
	d := t.Desc()
	out := make([]uint64, d.NumElements())
	d.ForEach(func(lin, off int) {
		out[lin] = binary.LittleEndian.Uint64(raw[8*off:])
	})
	return out, nil
}

func (t *Tensor) readRaw() ([]byte, error) {
	p, err := t.Data(nil)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, t.Desc().Span())
	if len(raw) == 0 {
		return raw, nil
	}
	if err := t.storage.be.MemcpyD2H(raw, p); err != nil {
		return nil, err
	}
	return raw, nil
}
