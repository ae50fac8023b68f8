package cpu

import (
	"math"

	"github.com/23skdu/longbow-phalanx/internal/ops"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/simd"
)

type attention struct {
	base
	h                       *Handle
	out, q, k, v, kc, vc    ops.TensorDesc
	pastLen                 int
	seq, nh, nkvh, dh, dctx int
}

// CreateAttention expects out and q as [seq, nh, dh], k and v as
// [seq, nkvh, dh] and both caches as [nkvh, capacity, dh].
func (h *Handle) CreateAttention(out, q, k, v, kCache, vCache ops.TensorDesc, pastLen int) (ops.Attention, error) {
	const op = "CreateAttention"
	descs := map[string]ops.TensorDesc{"out": out, "q": q, "k": k, "v": v, "k_cache": kCache, "v_cache": vCache}
	if err := ops.Validate(op, descs); err != nil {
		return nil, err
	}
	if err := requireFloat(op, out, q, k, v, kCache, vCache); err != nil {
		return nil, err
	}
	for name, d := range descs {
		if d.Ndim() != 3 {
			return nil, shapeErr(op, "%s must be rank 3, got %v", name, d.Shape)
		}
	}
	seq, nh, dh := q.Shape[0], q.Shape[1], q.Shape[2]
	nkvh, dctx := kCache.Shape[0], kCache.Shape[1]
	switch {
	case !sameShape(out.Shape, q.Shape):
		return nil, shapeErr(op, "out %v, q %v", out.Shape, q.Shape)
	case !sameShape(k.Shape, v.Shape) || k.Shape[0] != seq || k.Shape[1] != nkvh || k.Shape[2] != dh:
		return nil, shapeErr(op, "k %v, v %v for q %v and cache %v", k.Shape, v.Shape, q.Shape, kCache.Shape)
	case !sameShape(kCache.Shape, vCache.Shape) || kCache.Shape[2] != dh:
		return nil, shapeErr(op, "k_cache %v, v_cache %v", kCache.Shape, vCache.Shape)
	case nkvh == 0 || nh%nkvh != 0:
		return nil, shapeErr(op, "%d query heads not divisible by %d kv heads", nh, nkvh)
	case pastLen < 0 || pastLen+seq > dctx:
		return nil, shapeErr(op, "past %d + seq %d exceeds cache capacity %d", pastLen, seq, dctx)
	}
	return &attention{
		base:    base{ws: nh * (pastLen + seq) * 4},
		h:       h,
		out:     out,
		q:       q,
		k:       k,
		v:       v,
		kc:      kCache,
		vc:      vCache,
		pastLen: pastLen,
		seq:     seq,
		nh:      nh,
		nkvh:    nkvh,
		dh:      dh,
		dctx:    dctx,
	}, nil
}

func (d *attention) Run(ws, out, q, k, v, kCache, vCache runtime.Ptr, s runtime.Stream) error {
	const op = "Attention"
	if err := d.h.bind(op, s, ws, out, q, k, v, kCache, vCache); err != nil {
		return err
	}
	if err := d.checkWorkspace(op, ws); err != nil {
		return err
	}
	ptrs := []runtime.Ptr{out, q, k, v, kCache, vCache}
	descs := []ops.TensorDesc{d.out, d.q, d.k, d.v, d.kc, d.vc}
	bufs := make([][]byte, len(ptrs))
	for i := range ptrs {
		b, err := resolve(op, ptrs[i], descs[i].Span())
		if err != nil {
			return err
		}
		bufs[i] = b
	}
	ob, qb, kb, vb, kcb, vcb := bufs[0], bufs[1], bufs[2], bufs[3], bufs[4], bufs[5]

	return runtime.Launch(s, timed("attention", func() error {
		d.appendCache(kcb, d.kc, kb, d.k)
		d.appendCache(vcb, d.vc, vb, d.v)

		total := d.pastLen + d.seq
		used := []int{d.nkvh, total, d.dh}
		keys := gather(kcb, ops.TensorDesc{DType: d.kc.DType, Shape: used, Strides: d.kc.Strides})
		values := gather(vcb, ops.TensorDesc{DType: d.vc.DType, Shape: used, Strides: d.vc.Strides})
		query := gather(qb, d.q)

		scale := float32(1 / math.Sqrt(float64(d.dh)))
		group := d.nh / d.nkvh
		parallelRows(d.nh, func(start, end int) {
			scores := make([]float32, total)
			acc := make([]float32, d.dh)
			for h := start; h < end; h++ {
				g := h / group
				kvBase := g * total * d.dh
				for i := 0; i < d.seq; i++ {
					qv := query[(i*d.nh+h)*d.dh : (i*d.nh+h+1)*d.dh]
					visible := d.pastLen + i + 1
					for t := 0; t < visible; t++ {
						scores[t] = simd.Dot(qv, keys[kvBase+t*d.dh:]) * scale
					}
					simd.Softmax(scores[:visible])
					for e := range acc {
						acc[e] = 0
					}
					for t := 0; t < visible; t++ {
						simd.Axpy(scores[t], values[kvBase+t*d.dh:kvBase+(t+1)*d.dh], acc)
					}
					st := d.out.Strides
					for e, val := range acc {
						d.out.DType.Store(ob, i*st[0]+h*st[1]+e*st[2], val)
					}
				}
			}
		})
		return nil
	}))
}

// appendCache writes src [seq, nkvh, dh] into cache [nkvh, past+i, dh].
func (d *attention) appendCache(cache []byte, cd ops.TensorDesc, src []byte, sd ops.TensorDesc) {
	for i := 0; i < d.seq; i++ {
		for g := 0; g < d.nkvh; g++ {
			for e := 0; e < d.dh; e++ {
				val := sd.DType.Load(src, i*sd.Strides[0]+g*sd.Strides[1]+e*sd.Strides[2])
				cd.DType.Store(cache, g*cd.Strides[0]+(d.pastLen+i)*cd.Strides[1]+e*cd.Strides[2], val)
			}
		}
	}
}
