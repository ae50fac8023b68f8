package engine

import (
	"context"

	"github.com/23skdu/longbow-phalanx/internal/config"
	"github.com/23skdu/longbow-phalanx/internal/model"
	"github.com/23skdu/longbow-phalanx/internal/ops"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/tensor"
)

// call is the state shared by every device worker of one Infer.
type call struct {
	meta    config.Meta
	shard   model.Shard
	batch   Batch
	cfg     SamplerConfig
	randoms []float32
	ans     []int
}

// request is one request's slice of the activation buffers and its
// attention descriptor.
type request struct {
	attn       ops.Attention
	q, k, v, o *tensor.Tensor
	cache      int
}

// worker runs one device's share of a call. Errors are sticky: once err is
// set every later step is skipped.
type worker struct {
	*call
	d   *model.DeviceResource
	ctx context.Context
	err error

	owned []*tensor.Tensor
	descs []ops.Descriptor
	ws    int

	logitsIn, logitsOut *tensor.Tensor // [ntok, d]
	qkv                 *tensor.Tensor // [ntok, (nh+2*nkvh)*dh]
	o                   *tensor.Tensor // [ntok, nh*dh]
	q, k                *tensor.Tensor // head slices of qkv
	pos                 *tensor.Tensor // [ntok] u64
	prob                *tensor.Tensor // [nreq, dvoc], rank 0
	result              *tensor.Tensor // [nreq] u64, rank 0
	workspace           *tensor.Tensor

	norm     ops.RMSNorm
	qkvProj  ops.Matmul
	ropeQ    ops.RoPE
	ropeK    ops.RoPE
	outProj  ops.Matmul
	mlp      ops.MLP
	reqs     []request
	lastNorm ops.RMSNorm
	vocab    ops.Matmul
	sample   ops.RandomSample
}

func (w *worker) fail(err error) {
	if err != nil && w.err == nil {
		w.err = err
	}
}

func (w *worker) buffer(dt runtime.DType, shape ...int) *tensor.Tensor {
	if w.err != nil {
		return nil
	}
	t, err := tensor.Buffer(w.d.Backend, dt, shape, w.d.Device, w.d.Data)
	if err != nil {
		w.fail(err)
		return nil
	}
	w.owned = append(w.owned, t)
	return t
}

func (w *worker) track(d ops.Descriptor, err error) {
	if err != nil {
		w.fail(err)
		return
	}
	w.descs = append(w.descs, d)
	if n := d.WorkspaceSize(); n > w.ws {
		w.ws = n
	}
}

// ptr resolves t for use on the compute stream.
func (w *worker) ptr(t *tensor.Tensor) runtime.Ptr {
	if w.err != nil {
		return runtime.Ptr{}
	}
	p, err := t.Data(w.d.Compute)
	w.fail(err)
	return p
}

func (w *worker) view(t *tensor.Tensor, err error) *tensor.Tensor {
	w.fail(err)
	return t
}

func (w *worker) run() error {
	defer w.cleanup()
	w.setup()
	w.describe()
	if w.err != nil {
		return w.err
	}
	w.embed()
	for i := range w.d.Layers {
		w.layer(i)
		if w.err != nil {
			return w.err
		}
	}
	if w.d.Rank == 0 {
		w.output()
	}
	if w.err != nil {
		return w.err
	}
	if err := w.d.Compute.Synchronize(); err != nil {
		return err
	}
	if w.d.Rank == 0 {
		ids, err := w.result.ReadUint64()
		if err != nil {
			return err
		}
		for r, id := range ids {
			w.ans[r] = int(id)
		}
	}
	return nil
}

// setup allocates the per-call activations on the data stream and uploads
// the position ids.
func (w *worker) setup() {
	meta, sh, b := w.meta, w.shard, w.batch
	ntok, nreq, dt := len(b.Tokens), b.numRequests(), meta.DTypeLogits

	w.logitsIn = w.buffer(dt, ntok, meta.Dim)
	w.logitsOut = w.buffer(dt, ntok, meta.Dim)
	w.qkv = w.buffer(dt, ntok, sh.QKVDim(meta.HeadDim))
	w.o = w.buffer(dt, ntok, sh.Heads*meta.HeadDim)
	if w.d.Rank == 0 {
		w.prob = w.buffer(dt, nreq, meta.VocabSize)
		w.result = w.buffer(runtime.U64, nreq)
	}
	if w.err != nil {
		return
	}

	positions := make([]uint64, 0, ntok)
	for r, n := range b.ReqLens {
		for i := 0; i < n; i++ {
			positions = append(positions, uint64(b.ReqPos[r]+i))
		}
	}
	pos, err := tensor.Upload(w.d.Backend, tensor.EncodeU64(positions), runtime.U64, []int{ntok}, w.d.Device, w.d.Data)
	if err != nil {
		w.fail(err)
		return
	}
	w.owned = append(w.owned, pos)
	w.pos = pos
}

func transposed(t *tensor.Tensor) (*tensor.Tensor, error) {
	return t.Permute(1, 0)
}

// describe builds every descriptor of the call and sizes the shared
// workspace. Weight descriptors come from layer 0; every layer has the same
// shard shapes.
func (w *worker) describe() {
	if w.err != nil {
		return
	}
	meta, sh, b, d := w.meta, w.shard, w.batch, w.d
	h, l0 := d.Handle, d.Layers[0]
	nh, nkvh, dh := sh.Heads, sh.KVHeads, meta.HeadDim

	qkv3 := w.view(w.qkv.DimSplit(1, []int{nh + 2*nkvh, dh}))
	o3 := w.view(w.o.DimSplit(1, []int{nh, dh}))
	wqkv := w.view(transposed(l0.AttnQKV))
	wo := w.view(transposed(l0.AttnO))
	wgu := w.view(transposed(l0.FFNGateUp))
	wd := w.view(transposed(l0.FFNDown))
	if w.err != nil {
		return
	}
	w.q = w.view(qkv3.Slice(tensor.Range{Dim: 1, Start: 0, Len: nh}))
	w.k = w.view(qkv3.Slice(tensor.Range{Dim: 1, Start: nh, Len: nkvh}))
	v := w.view(qkv3.Slice(tensor.Range{Dim: 1, Start: nh + nkvh, Len: nkvh}))
	if w.err != nil {
		return
	}

	var beta float32
	if d.Rank == 0 {
		beta = 1
	}
	var err error
	w.norm, err = h.CreateRMSNorm(w.logitsOut.Desc(), w.logitsIn.Desc(), l0.AttnNorm.Desc(), meta.Eps)
	w.track(w.norm, err)
	w.qkvProj, err = h.CreateMatmul(w.qkv.Desc(), 1, w.logitsOut.Desc(), wqkv.Desc(), 0)
	w.track(w.qkvProj, err)
	w.ropeQ, err = h.CreateRoPE(w.q.Desc(), w.pos.Desc(), d.Sin.Desc(), d.Cos.Desc())
	w.track(w.ropeQ, err)
	w.ropeK, err = h.CreateRoPE(w.k.Desc(), w.pos.Desc(), d.Sin.Desc(), d.Cos.Desc())
	w.track(w.ropeK, err)
	w.outProj, err = h.CreateMatmul(w.logitsIn.Desc(), 1, w.o.Desc(), wo.Desc(), beta)
	w.track(w.outProj, err)
	w.mlp, err = h.CreateMLP(w.logitsIn.Desc(), w.logitsOut.Desc(), wgu.Desc(), wd.Desc(), 1, d.Rank == 0)
	w.track(w.mlp, err)
	if w.err != nil {
		return
	}

	off := 0
	for r, n := range b.ReqLens {
		rows := tensor.Range{Dim: 0, Start: off, Len: n}
		req := request{
			q:     w.view(w.q.Slice(rows)),
			k:     w.view(w.k.Slice(rows)),
			v:     w.view(v.Slice(rows)),
			o:     w.view(o3.Slice(rows)),
			cache: r,
		}
		if w.err != nil {
			return
		}
		kc, vc := b.Caches[r].K[d.Rank][0], b.Caches[r].V[d.Rank][0]
		attn, err := h.CreateAttention(req.o.Desc(), req.q.Desc(), req.k.Desc(), req.v.Desc(), kc.Desc(), vc.Desc(), b.ReqPos[r])
		w.track(attn, err)
		if w.err != nil {
			return
		}
		req.attn = attn
		w.reqs = append(w.reqs, req)
		off += n
	}

	if d.Rank == 0 {
		w.describeOutput()
	}
	if w.err != nil {
		return
	}
	w.workspace = w.buffer(runtime.F32, (w.ws+3)/4+1)
}

func (w *worker) describeOutput() {
	meta, d, h := w.meta, w.d, w.d.Handle
	nreq := w.batch.numRequests()

	row := w.view(w.logitsIn.Slice(tensor.Range{Dim: 0, Start: 0, Len: 1}))
	xs := w.view(w.logitsOut.Slice(tensor.Range{Dim: 0, Start: 0, Len: nreq}))
	wout := w.view(transposed(d.OutputEmbd))
	probRow := w.view(w.prob.Slice(tensor.Range{Dim: 0, Start: 0, Len: 1}))
	res := w.view(w.result.Slice(tensor.Range{Dim: 0, Start: 0, Len: 1}))
	if w.err != nil {
		return
	}
	probs := w.view(probRow.DimMerge(0, 1))
	if w.err != nil {
		return
	}
	var err error

	w.lastNorm, err = h.CreateRMSNorm(row.Desc(), row.Desc(), d.OutputNorm.Desc(), meta.Eps)
	w.track(w.lastNorm, err)
	w.vocab, err = h.CreateMatmul(w.prob.Desc(), 1, xs.Desc(), wout.Desc(), 0)
	w.track(w.vocab, err)
	w.sample, err = h.CreateRandomSample(res.Desc(), probs.Desc())
	w.track(w.sample, err)
}

// embed gathers each token's embedding row into logitsIn.
func (w *worker) embed() {
	be, s := w.d.Backend, w.d.Compute
	rowBytes := w.meta.Dim * w.meta.DTypeLogits.Size()
	dst, src := w.ptr(w.logitsIn), w.ptr(w.d.InputEmbd)
	for i, tok := range w.batch.Tokens {
		if w.err != nil {
			return
		}
		w.fail(be.MemcpyAsync(dst.Add(i*rowBytes), src.Add(tok*rowBytes), rowBytes, s))
	}
}

func (w *worker) allReduce(p runtime.Ptr, count int) {
	if w.d.Comm == nil || w.err != nil {
		return
	}
	w.fail(w.d.Comm.AllReduceSum(w.ctx, p, p, count, w.meta.DTypeLogits, w.d.Compute))
}

func (w *worker) layer(i int) {
	s, l := w.d.Compute, w.d.Layers[i]
	ws := w.ptr(w.workspace)
	in, out := w.ptr(w.logitsIn), w.ptr(w.logitsOut)
	qkv, o := w.ptr(w.qkv), w.ptr(w.o)
	pos, sin, cos := w.ptr(w.pos), w.ptr(w.d.Sin), w.ptr(w.d.Cos)
	count := len(w.batch.Tokens) * w.meta.Dim
	if w.err != nil {
		return
	}

	// attention block
	w.fail(w.norm.Run(ws, out, in, w.ptr(l.AttnNorm), s))
	w.fail(w.qkvProj.Run(ws, qkv, out, w.ptr(l.AttnQKV), s))
	w.fail(w.ropeQ.Run(ws, w.ptr(w.q), pos, sin, cos, s))
	w.fail(w.ropeK.Run(ws, w.ptr(w.k), pos, sin, cos, s))
	for _, req := range w.reqs {
		c := w.batch.Caches[req.cache]
		kc, vc := w.ptr(c.K[w.d.Rank][i]), w.ptr(c.V[w.d.Rank][i])
		if w.err != nil {
			return
		}
		w.fail(req.attn.Run(ws, w.ptr(req.o), w.ptr(req.q), w.ptr(req.k), w.ptr(req.v), kc, vc, s))
	}
	w.fail(w.outProj.Run(ws, in, o, w.ptr(l.AttnO), s))
	w.allReduce(in, count)
	if w.err != nil {
		return
	}

	// feed-forward block
	w.fail(w.norm.Run(ws, out, in, w.ptr(l.FFNNorm), s))
	w.fail(w.mlp.Run(ws, in, out, w.ptr(l.FFNGateUp), w.ptr(l.FFNDown), s))
	w.allReduce(in, count)
}

// output normalises each request's last token, projects it to the
// vocabulary and samples one id per request.
func (w *worker) output() {
	if w.err != nil {
		return
	}
	s, meta := w.d.Compute, w.meta
	rowBytes := meta.Dim * meta.DTypeLogits.Size()
	ws := w.ptr(w.workspace)
	in, out := w.ptr(w.logitsIn), w.ptr(w.logitsOut)
	prob, res := w.ptr(w.prob), w.ptr(w.result)
	norm := w.ptr(w.d.OutputNorm)

	last := -1
	for r, n := range w.batch.ReqLens {
		last += n
		w.fail(w.lastNorm.Run(ws, out.Add(r*rowBytes), in.Add(last*rowBytes), norm, s))
	}
	w.fail(w.vocab.Run(ws, prob, out, w.ptr(w.d.OutputEmbd), s))

	probBytes := meta.VocabSize * meta.DTypeLogits.Size()
	for r := range w.batch.ReqLens {
		if w.err != nil {
			return
		}
		w.fail(w.sample.Run(ws, res.Add(r*8), prob.Add(r*probBytes), w.randoms[r], w.cfg.TopP, w.cfg.TopK, w.cfg.Temperature, s))
	}
}

// cleanup drains the compute stream, then frees descriptors and
// activations. Stream errors were already reported by run.
func (w *worker) cleanup() {
	_ = w.d.Compute.Synchronize()
	for _, d := range w.descs {
		d.Destroy()
	}
	for _, t := range w.owned {
		if err := t.Release(); err != nil {
			w.d.Log().Warn("release activation failed", "error", err)
		}
	}
}
