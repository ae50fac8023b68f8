package model

import (
	"github.com/23skdu/longbow-phalanx/internal/ccl"
	"github.com/23skdu/longbow-phalanx/internal/config"
	"github.com/23skdu/longbow-phalanx/internal/logger"
	"github.com/23skdu/longbow-phalanx/internal/ops"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/tensor"
)

// Layer holds one device's shards of a transformer block. Matrices are
// stored [out, in]; use Permute(1, 0) for the [in, out] operand of x @ W.
type Layer struct {
	AttnNorm  *tensor.Tensor // [d]
	AttnQKV   *tensor.Tensor // [(nh+2*nkvh)/ndev*dh, d]
	AttnO     *tensor.Tensor // [d, nh/ndev*dh]
	FFNNorm   *tensor.Tensor // [d]
	FFNGateUp *tensor.Tensor // [2*di/ndev, d]
	FFNDown   *tensor.Tensor // [d, di/ndev]
}

// DeviceResource is everything one device needs to run its part of the
// forward pass. It is immutable once the Model is built.
type DeviceResource struct {
	Device  runtime.Device
	Rank    int
	Backend runtime.Backend
	Handle  ops.Handle

	// Compute runs kernels and collectives, Data allocates activations and
	// Cache allocates and copies KV caches.
	Compute runtime.Stream
	Data    runtime.Stream
	Cache   runtime.Stream

	// Comm is nil on a single-device model.
	Comm ccl.Comm

	InputEmbd  *tensor.Tensor // [dvoc, d]
	OutputNorm *tensor.Tensor // [d]
	OutputEmbd *tensor.Tensor // [dvoc, d]
	Sin        *tensor.Tensor // [dctx, dh]
	Cos        *tensor.Tensor // [dctx, dh]
	Layers     []Layer

	log *logger.Logger
}

// Log returns the device-scoped logger.
func (d *DeviceResource) Log() *logger.Logger {
	return d.log
}

type resourceSpec struct {
	be       runtime.Backend
	meta     config.Meta
	weights  *HostWeights
	sin, cos []byte
	dev      runtime.Device
	rank     int
	ndev     int
	comm     ccl.Comm
}

func newDeviceResource(spec resourceSpec) (res *DeviceResource, err error) {
	meta, be, dev := spec.meta, spec.be, spec.dev
	d := &DeviceResource{
		Device:  dev,
		Rank:    spec.rank,
		Backend: be,
		Comm:    spec.comm,
		log:     logger.Log.With("device", dev.String(), "rank", spec.rank),
	}
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	if d.Handle, err = ops.CreateHandle(dev); err != nil {
		return nil, err
	}
	for _, s := range []*runtime.Stream{&d.Compute, &d.Data, &d.Cache} {
		if *s, err = be.CreateStream(dev.ID); err != nil {
			return nil, err
		}
	}

	dim, dh, dvoc := meta.Dim, meta.HeadDim, meta.VocabSize
	if d.InputEmbd, err = upload(be, spec.weights.InputEmbd, meta.DTypeLogits, dev, dvoc, dim); err != nil {
		return nil, err
	}
	if d.OutputNorm, err = upload(be, spec.weights.OutputNorm, meta.DTypeNorm, dev, dim); err != nil {
		return nil, err
	}
	if d.OutputEmbd, err = upload(be, spec.weights.OutputEmbd, meta.DTypeLogits, dev, dvoc, dim); err != nil {
		return nil, err
	}
	if d.Sin, err = upload(be, spec.sin, runtime.F32, dev, meta.ContextLen, dh); err != nil {
		return nil, err
	}
	if d.Cos, err = upload(be, spec.cos, runtime.F32, dev, meta.ContextLen, dh); err != nil {
		return nil, err
	}

	sh := ShardOf(meta, spec.ndev)
	host := extractShards(meta, spec.weights, spec.ndev, spec.rank)
	d.Layers = make([]Layer, len(host.layers))
	for i, hl := range host.layers {
		l := &d.Layers[i]
		if l.AttnNorm, err = upload(be, hl.AttnNorm, meta.DTypeNorm, dev, dim); err != nil {
			return nil, err
		}
		if l.AttnQKV, err = upload(be, hl.AttnQKV, meta.DTypeMat, dev, sh.QKVDim(dh), dim); err != nil {
			return nil, err
		}
		if l.AttnO, err = upload(be, hl.AttnO, meta.DTypeMat, dev, dim, sh.Heads*dh); err != nil {
			return nil, err
		}
		if l.FFNNorm, err = upload(be, hl.FFNNorm, meta.DTypeNorm, dev, dim); err != nil {
			return nil, err
		}
		if l.FFNGateUp, err = upload(be, hl.FFNGateUp, meta.DTypeMat, dev, 2*sh.HiddenDim, dim); err != nil {
			return nil, err
		}
		if l.FFNDown, err = upload(be, hl.FFNDown, meta.DTypeMat, dev, dim, sh.HiddenDim); err != nil {
			return nil, err
		}
	}
	d.log.Debug("device resource ready", "layers", len(d.Layers))
	return d, nil
}

func (d *DeviceResource) tensors() []*tensor.Tensor {
	ts := []*tensor.Tensor{d.InputEmbd, d.OutputNorm, d.OutputEmbd, d.Sin, d.Cos}
	for _, l := range d.Layers {
		ts = append(ts, l.AttnNorm, l.AttnQKV, l.AttnO, l.FFNNorm, l.FFNGateUp, l.FFNDown)
	}
	return ts
}

// release frees everything except the communicator, which the Model owns
// as a group. It tolerates a partially built resource.
func (d *DeviceResource) release() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	streams := []runtime.Stream{d.Compute, d.Data, d.Cache}
	// A stream left failed by an earlier call already reported its error
	// there; teardown only drains it.
	for _, s := range streams {
		if s == nil {
			continue
		}
		if err := s.Synchronize(); err != nil {
			d.log.Warn("stream failed before teardown", "error", err)
		}
	}
	for _, t := range d.tensors() {
		if t != nil {
			keep(t.Release())
		}
	}
	for _, s := range streams {
		if s != nil {
			_ = s.Destroy()
		}
	}
	if d.Handle != nil {
		keep(d.Handle.Destroy())
	}
	return first
}
