package cpu

import (
	"github.com/23skdu/longbow-phalanx/internal/ops"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/simd"
)

type mlp struct {
	base
	h                    *Handle
	y, x, gateUp, down   ops.TensorDesc
	alpha                float32
	residual             bool
	ntok, dim, hiddenDim int
}

// CreateMLP expects x and y as [ntok, d], wGateUp as [d, 2*di] with the gate
// columns first, and wDown as [di, d].
func (h *Handle) CreateMLP(y, x, wGateUp, wDown ops.TensorDesc, alpha float32, residual bool) (ops.MLP, error) {
	const op = "CreateMLP"
	if err := ops.Validate(op, map[string]ops.TensorDesc{"y": y, "x": x, "w_gate_up": wGateUp, "w_down": wDown}); err != nil {
		return nil, err
	}
	if err := requireFloat(op, y, x, wGateUp, wDown); err != nil {
		return nil, err
	}
	if x.Ndim() != 2 || !sameShape(x.Shape, y.Shape) || wGateUp.Ndim() != 2 || wDown.Ndim() != 2 {
		return nil, shapeErr(op, "y %v, x %v, w_gate_up %v, w_down %v", y.Shape, x.Shape, wGateUp.Shape, wDown.Shape)
	}
	ntok, dim := x.Shape[0], x.Shape[1]
	di := wDown.Shape[0]
	if wGateUp.Shape[0] != dim || wGateUp.Shape[1] != 2*di || wDown.Shape[1] != dim {
		return nil, shapeErr(op, "w_gate_up %v and w_down %v do not match d=%d", wGateUp.Shape, wDown.Shape, dim)
	}
	return &mlp{
		base:      base{ws: ntok * 3 * di * 4},
		h:         h,
		y:         y,
		x:         x,
		gateUp:    wGateUp,
		down:      wDown,
		alpha:     alpha,
		residual:  residual,
		ntok:      ntok,
		dim:       dim,
		hiddenDim: di,
	}, nil
}

func (d *mlp) Run(ws, y, x, wGateUp, wDown runtime.Ptr, s runtime.Stream) error {
	const op = "MLP"
	if err := d.h.bind(op, s, ws, y, x, wGateUp, wDown); err != nil {
		return err
	}
	if err := d.checkWorkspace(op, ws); err != nil {
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
	gb, err := resolve(op, wGateUp, d.gateUp.Span())
	if err != nil {
		return err
	}
	db, err := resolve(op, wDown, d.down.Span())
	if err != nil {
		return err
	}
	return runtime.Launch(s, timed("mlp", func() error {
		n, dim, di := d.ntok, d.dim, d.hiddenDim
		hidden := gemm(n, dim, 2*di, gather(xb, d.x), gather(gb, d.gateUp))
		gated := make([]float32, n*di)
		for r := 0; r < n; r++ {
			row := hidden[r*2*di : (r+1)*2*di]
			simd.SiLUMul(gated[r*di:(r+1)*di], row[:di], row[di:])
		}
		out := gemm(n, di, dim, gated, gather(db, d.down))
		var old []float32
		if d.residual {
			old = gather(yb, d.y)
		}
		for i := range out {
			out[i] *= d.alpha
			if old != nil {
				out[i] += old[i]
			}
		}
		scatter(yb, d.y, out)
		return nil
	}))
}
