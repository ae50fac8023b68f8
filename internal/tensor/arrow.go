package tensor

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Named pairs a tensor with the label it is dumped under.
type Named struct {
	Name   string
	Tensor *Tensor
}

// DumpSchema is the Arrow schema written by WriteArrow: one row per tensor.
var DumpSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "device", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// Record packs tensors into one record batch of DumpSchema, one row per
// tensor. Element values are widened to float32 in row-major order. The
// caller releases the record.
func Record(pool memory.Allocator, tensors ...Named) (arrow.RecordBatch, error) {
	names := array.NewStringBuilder(pool)
	defer names.Release()
	dtypes := array.NewStringBuilder(pool)
	defer dtypes.Release()
	devices := array.NewStringBuilder(pool)
	defer devices.Release()
	shapes := array.NewListBuilder(pool, arrow.PrimitiveTypes.Int64)
	defer shapes.Release()
	shapeValues := shapes.ValueBuilder().(*array.Int64Builder)
	data := array.NewListBuilder(pool, arrow.PrimitiveTypes.Float32)
	defer data.Release()
	dataValues := data.ValueBuilder().(*array.Float32Builder)

	for _, nt := range tensors {
		vals, err := nt.Tensor.ReadFloat32()
		if err != nil {
			return nil, err
		}
		names.Append(nt.Name)
		dtypes.Append(nt.Tensor.DType().String())
		devices.Append(nt.Tensor.Device().String())
		shapes.Append(true)
		for _, s := range nt.Tensor.shape {
			shapeValues.Append(int64(s))
		}
		data.Append(true)
		dataValues.AppendValues(vals, nil)
	}

	cols := []arrow.Array{names.NewArray(), dtypes.NewArray(), devices.NewArray(), shapes.NewArray(), data.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(DumpSchema, cols, int64(len(tensors))), nil
}

// WriteArrow dumps tensors as a single Arrow IPC record batch.
func WriteArrow(w io.Writer, tensors ...Named) error {
	pool := memory.NewGoAllocator()
	rec, err := Record(pool, tensors...)
	if err != nil {
		return err
	}
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(DumpSchema), ipc.WithAllocator(pool))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
