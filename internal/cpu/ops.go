package cpu

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-phalanx/internal/ops"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/simd"
)

// Handle creates host operator descriptors for one logical device.
type Handle struct {
	dev runtime.Device
}

func NewHandle(id int) (ops.Handle, error) {
	if id < 0 {
		return nil, runtime.Errorf(runtime.StatusBadDevice, "CreateHandle", "cpu:%d", id)
	}
	return &Handle{dev: runtime.Device{Kind: runtime.CPU, ID: id}}, nil
}

func (h *Handle) Device() runtime.Device { return h.dev }
func (h *Handle) Destroy() error         { return nil }

func (h *Handle) bind(op string, s runtime.Stream, ptrs ...runtime.Ptr) error {
	if s != nil && s.Device() != h.dev {
		return runtime.Errorf(runtime.StatusDeviceMismatch, op, "stream on %s, handle on %s", s.Device(), h.dev)
	}
	return runtime.CheckDevice(op, h.dev, ptrs...)
}

type base struct {
	ws int
}

func (b base) WorkspaceSize() int { return b.ws }
func (base) Destroy() error       { return nil }

func (b base) checkWorkspace(op string, ws runtime.Ptr) error {
	if b.ws == 0 {
		return nil
	}
	_, err := resolve(op, ws, b.ws)
	if err != nil {
		return runtime.NewError(runtime.StatusInvalidArgument, op, "workspace too small", err)
	}
	return nil
}

func shapeErr(op, format string, args ...interface{}) error {
	return runtime.Errorf(runtime.StatusInvalidArgument, op, format, args...)
}

func requireFloat(op string, descs ...ops.TensorDesc) error {
	for _, d := range descs {
		if !d.DType.IsFloat() {
			return runtime.Errorf(runtime.StatusBadDatatype, op, "%s is not a float type", d.DType)
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RMSNorm

type rmsNorm struct {
	base
	h       *Handle
	y, x, w ops.TensorDesc
	eps     float32
}

func (h *Handle) CreateRMSNorm(y, x, w ops.TensorDesc, eps float32) (ops.RMSNorm, error) {
	const op = "CreateRMSNorm"
	if err := ops.Validate(op, map[string]ops.TensorDesc{"y": y, "x": x, "w": w}); err != nil {
		return nil, err
	}
	if err := requireFloat(op, y, x, w); err != nil {
		return nil, err
	}
	if x.Ndim() != 2 || !sameShape(x.Shape, y.Shape) || w.Ndim() != 1 || w.Shape[0] != x.Shape[1] {
		return nil, shapeErr(op, "y %v, x %v, w %v", y.Shape, x.Shape, w.Shape)
	}
	return &rmsNorm{h: h, y: y, x: x, w: w, eps: eps}, nil
}

func (d *rmsNorm) Run(ws, y, x, w runtime.Ptr, s runtime.Stream) error {
	const op = "RMSNorm"
	if err := d.h.bind(op, s, y, x, w); err != nil {
		return err
	}
	yb, err := resolve(op, y, d.y.Span())
	if err != nil {
		return err
	}
	xb, err := resolve(op, x, d.x.Span())
	if err != nil {
		return err
	}
	wb, err := resolve(op, w, d.w.Span())
	if err != nil {
		return err
	}
	return runtime.Launch(s, timed("rmsnorm", func() error {
		n, dim := d.x.Shape[0], d.x.Shape[1]
		wv := gather(wb, d.w)
		parallelRows(n, func(start, end int) {
			row := make([]float32, dim)
			for i := start; i < end; i++ {
				for j := range row {
					row[j] = d.x.DType.Load(xb, i*d.x.Strides[0]+j*d.x.Strides[1])
				}
				scale := float32(1 / math.Sqrt(simd.SumSquares(row)/float64(dim)+float64(d.eps)))
				for j, v := range row {
					d.y.DType.Store(yb, i*d.y.Strides[0]+j*d.y.Strides[1], v*scale*wv[j])
				}
			}
		})
		return nil
	}))
}

// Matmul

type matmul struct {
	base
	h           *Handle
	c, a, b     ops.TensorDesc
	alpha, beta float32
}

func (h *Handle) CreateMatmul(c ops.TensorDesc, alpha float32, a, b ops.TensorDesc, beta float32) (ops.Matmul, error) {
	const op = "CreateMatmul"
	if err := ops.Validate(op, map[string]ops.TensorDesc{"c": c, "a": a, "b": b}); err != nil {
		return nil, err
	}
	if err := requireFloat(op, c, a, b); err != nil {
		return nil, err
	}
	if a.Ndim() != 2 || b.Ndim() != 2 || c.Ndim() != 2 ||
		a.Shape[1] != b.Shape[0] || c.Shape[0] != a.Shape[0] || c.Shape[1] != b.Shape[1] {
		return nil, shapeErr(op, "c %v = a %v @ b %v", c.Shape, a.Shape, b.Shape)
	}
	return &matmul{h: h, c: c, a: a, b: b, alpha: alpha, beta: beta}, nil
}

// gemm returns the row-major m x n product of row-major a (m x k) and b (k x n).
func gemm(m, k, n int, a, b []float32) []float32 {
	c := make([]float32, m*n)
	if m == 0 || n == 0 || k == 0 {
		return c
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
	return c
}

func (d *matmul) Run(ws, c, a, b runtime.Ptr, s runtime.Stream) error {
	const op = "Matmul"
	if err := d.h.bind(op, s, c, a, b); err != nil {
		return err
	}
	cb, err := resolve(op, c, d.c.Span())
	if err != nil {
		return err
	}
	ab, err := resolve(op, a, d.a.Span())
	if err != nil {
		return err
	}
	bb, err := resolve(op, b, d.b.Span())
	if err != nil {
		return err
	}
	return runtime.Launch(s, timed("matmul", func() error {
		m, k, n := d.a.Shape[0], d.a.Shape[1], d.b.Shape[1]
		out := gemm(m, k, n, gather(ab, d.a), gather(bb, d.b))
		if d.beta != 0 {
			old := gather(cb, d.c)
			for i := range out {
				out[i] = d.alpha*out[i] + d.beta*old[i]
			}
		} else if d.alpha != 1 {
			for i := range out {
				out[i] *= d.alpha
			}
		}
		scatter(cb, d.c, out)
		return nil
	}))
}

// RoPE

type rope struct {
	base
	h                *Handle
	t, pos, sin, cos ops.TensorDesc
}

func (h *Handle) CreateRoPE(t, pos, sin, cos ops.TensorDesc) (ops.RoPE, error) {
	const op = "CreateRoPE"
	if err := ops.Validate(op, map[string]ops.TensorDesc{"t": t, "pos": pos, "sin": sin, "cos": cos}); err != nil {
		return nil, err
	}
	if err := requireFloat(op, t, sin, cos); err != nil {
		return nil, err
	}
	if pos.DType != runtime.U64 {
		return nil, runtime.Errorf(runtime.StatusBadDatatype, op, "positions must be u64, got %s", pos.DType)
	}
	if t.Ndim() != 3 || pos.Ndim() != 1 || pos.Shape[0] != t.Shape[0] || t.Shape[2]%2 != 0 ||
		sin.Ndim() != 2 || !sameShape(sin.Shape, cos.Shape) || sin.Shape[1] != t.Shape[2] {
		return nil, shapeErr(op, "t %v, pos %v, sin %v, cos %v", t.Shape, pos.Shape, sin.Shape, cos.Shape)
	}
	return &rope{h: h, t: t, pos: pos, sin: sin, cos: cos}, nil
}

func (d *rope) Run(ws, t, pos, sin, cos runtime.Ptr, s runtime.Stream) error {
	const op = "RoPE"
	if err := d.h.bind(op, s, t, pos, sin, cos); err != nil {
		return err
	}
	tb, err := resolve(op, t, d.t.Span())
	if err != nil {
		return err
	}
	pb, err := resolve(op, pos, d.pos.Span())
	if err != nil {
		return err
	}
	sb, err := resolve(op, sin, d.sin.Span())
	if err != nil {
		return err
	}
	cb, err := resolve(op, cos, d.cos.Span())
	if err != nil {
		return err
	}
	return runtime.Launch(s, timed("rope", func() error {
		ntok, nh, dh := d.t.Shape[0], d.t.Shape[1], d.t.Shape[2]
		ts, ss, cs := d.t.Strides, d.sin.Strides, d.cos.Strides
		for i := 0; i < ntok; i++ {
			p := loadU64(pb, i*d.pos.Strides[0])
			if p >= uint64(d.sin.Shape[0]) {
				return runtime.Errorf(runtime.StatusIllegalMemoryAccess, op, "position %d outside table of %d rows", p, d.sin.Shape[0])
			}
			row := int(p)
			for h := 0; h < nh; h++ {
				for j := 0; j < dh/2; j++ {
					o0 := i*ts[0] + h*ts[1] + 2*j*ts[2]
					o1 := o0 + ts[2]
					sn := d.sin.DType.Load(sb, row*ss[0]+2*j*ss[1])
					cn := d.cos.DType.Load(cb, row*cs[0]+2*j*cs[1])
					a, b := d.t.DType.Load(tb, o0), d.t.DType.Load(tb, o1)
					d.t.DType.Store(tb, o0, a*cn-b*sn)
					d.t.DType.Store(tb, o1, a*sn+b*cn)
				}
			}
		}
		return nil
	}))
}

// Rearrange

type rearrange struct {
	base
	h        *Handle
	dst, src ops.TensorDesc
}

func (h *Handle) CreateRearrange(dst, src ops.TensorDesc) (ops.Rearrange, error) {
	const op = "CreateRearrange"
	if err := ops.Validate(op, map[string]ops.TensorDesc{"dst": dst, "src": src}); err != nil {
		return nil, err
	}
	if dst.DType != src.DType {
		return nil, runtime.Errorf(runtime.StatusBadDatatype, op, "dst %s, src %s", dst.DType, src.DType)
	}
	if !sameShape(dst.Shape, src.Shape) {
		return nil, shapeErr(op, "dst %v, src %v", dst.Shape, src.Shape)
	}
	return &rearrange{h: h, dst: dst, src: src}, nil
}

func (d *rearrange) Run(dst, src runtime.Ptr, s runtime.Stream) error {
	const op = "Rearrange"
	if err := d.h.bind(op, s, dst, src); err != nil {
		return err
	}
	db, err := resolve(op, dst, d.dst.Span())
	if err != nil {
		return err
	}
	sb, err := resolve(op, src, d.src.Span())
	if err != nil {
		return err
	}
	return runtime.Launch(s, timed("rearrange", func() error {
		es := d.dst.DType.Size()
		if d.dst.IsContiguous() && d.src.IsContiguous() {
			copy(db[:d.dst.NumElements()*es], sb)
			return nil
		}
		srcOffsets := make([]int, d.src.NumElements())
		d.src.ForEach(func(lin, off int) { srcOffsets[lin] = off })
		d.dst.ForEach(func(lin, off int) {
			so := srcOffsets[lin]
			copy(db[off*es:(off+1)*es], sb[so*es:(so+1)*es])
		})
		return nil
	}))
}
