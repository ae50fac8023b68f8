// Package model assembles a tensor-parallel Llama model: it validates the
// partition, opens the collective group and builds one DeviceResource per
// device in parallel.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-phalanx/internal/ccl"
	"github.com/23skdu/longbow-phalanx/internal/config"
	"github.com/23skdu/longbow-phalanx/internal/logger"
	"github.com/23skdu/longbow-phalanx/internal/metrics"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
	"github.com/23skdu/longbow-phalanx/internal/tensor"
)

var tracer = otel.Tracer("longbow-phalanx/model")

// Model is the immutable aggregate of metadata and per-device resources.
type Model struct {
	Meta    config.Meta
	Backend runtime.Backend
	Devices []*DeviceResource

	comms []ccl.Comm

	destroyOnce sync.Once
	destroyErr  error
}

// Ndev is the number of devices the model is split over.
func (m *Model) Ndev() int {
	return len(m.Devices)
}

// Shard returns the per-device extents of the split axes.
func (m *Model) Shard() Shard {
	return ShardOf(m.Meta, len(m.Devices))
}

// Create builds a model of kind on the listed devices. Device i of the
// list becomes rank i.
func Create(ctx context.Context, meta config.Meta, weights *HostWeights, kind runtime.DeviceKind, deviceIDs []int) (*Model, error) {
	if err := validate(meta, weights, deviceIDs); err != nil {
		return nil, err
	}
	be, err := runtime.Open(kind)
	if err != nil {
		return nil, err
	}
	return build(ctx, be, meta, weights, deviceIDs)
}

func validate(meta config.Meta, weights *HostWeights, deviceIDs []int) error {
	const op = "CreateModel"
	if err := meta.Validate(); err != nil {
		metrics.RecordValidationError("create_model", "meta")
		return runtime.NewError(runtime.StatusInvalidArgument, op, "invalid metadata", err)
	}
	if len(deviceIDs) == 0 {
		metrics.RecordValidationError("create_model", "devices")
		return runtime.NewError(runtime.StatusInvalidArgument, op, "no devices", nil)
	}
	seen := make(map[int]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		if id < 0 || seen[id] {
			metrics.RecordValidationError("create_model", "devices")
			return runtime.Errorf(runtime.StatusInvalidArgument, op, "bad device list %v", deviceIDs)
		}
		seen[id] = true
	}
	if err := meta.ValidatePartition(len(deviceIDs)); err != nil {
		metrics.RecordValidationError("create_model", "partition")
		return runtime.NewError(runtime.StatusInvalidArgument, op, "invalid partition", err)
	}
	if err := weights.check(meta, len(deviceIDs)); err != nil {
		metrics.RecordValidationError("create_model", "weights")
		return err
	}
	return nil
}

// CreateOn is Create against an already opened backend.
func CreateOn(ctx context.Context, be runtime.Backend, meta config.Meta, weights *HostWeights, deviceIDs []int) (*Model, error) {
	if err := validate(meta, weights, deviceIDs); err != nil {
		return nil, err
	}
	return build(ctx, be, meta, weights, deviceIDs)
}

func build(ctx context.Context, be runtime.Backend, meta config.Meta, weights *HostWeights, deviceIDs []int) (_ *Model, err error) {
	ctx, span := tracer.Start(ctx, "model.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("device_kind", be.Kind().String()),
		attribute.Int("ndev", len(deviceIDs)),
		attribute.Int("layers", meta.Layers),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	count, err := be.DeviceCount()
	if err != nil {
		return nil, err
	}
	for _, id := range deviceIDs {
		if id >= count {
			return nil, runtime.Errorf(runtime.StatusBadDevice, "CreateModel", "device %d of %d %s devices", id, count, be.Kind())
		}
	}

	start := time.Now()
	ndev := len(deviceIDs)
	var comms []ccl.Comm
	if ndev > 1 {
		if comms, err = ccl.InitAll(be.Kind(), deviceIDs); err != nil {
			return nil, err
		}
	}

	sinTable, cosTable := rotaryTables(meta.ContextLen, meta.HeadDim, meta.RopeTheta)
	sin, cos := tensor.Encode(runtime.F32, sinTable), tensor.Encode(runtime.F32, cosTable)

	devices := make([]*DeviceResource, ndev)
	g, _ := errgroup.WithContext(ctx)
	for rank, id := range deviceIDs {
		spec := resourceSpec{
			be:      be,
			meta:    meta,
			weights: weights,
			sin:     sin,
			cos:     cos,
			dev:     runtime.Device{Kind: be.Kind(), ID: id},
			rank:    rank,
			ndev:    ndev,
		}
		if comms != nil {
			spec.comm = comms[rank]
		}
		g.Go(func() error {
			d, err := newDeviceResource(spec)
			if err != nil {
				return fmt.Errorf("device %d: %w", id, err)
			}
			devices[rank] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, d := range devices {
			if d != nil {
				d.release()
			}
		}
		ccl.DestroyAll(comms)
		logger.Log.Error("model build failed", "error", err)
		return nil, err
	}

	elapsed := time.Since(start)
	metrics.RecordModelBuild(elapsed)
	logger.Log.Info("model built",
		"kind", be.Kind().String(),
		"ndev", ndev,
		"layers", meta.Layers,
		"dim", meta.Dim,
		"duration", elapsed.String(),
	)
	return &Model{
		Meta:    meta,
		Backend: be,
		Devices: devices,
		comms:   comms,
	}, nil
}

// Destroy releases every device resource and the collective group. It is
// safe to call more than once; later calls return the first result.
func (m *Model) Destroy() error {
	m.destroyOnce.Do(func() {
		var errs []error
		for _, d := range m.Devices {
			if err := d.release(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := ccl.DestroyAll(m.comms); err != nil {
			errs = append(errs, err)
		}
		m.destroyErr = errors.Join(errs...)
		logger.Log.Debug("model destroyed", "ndev", len(m.Devices))
	})
	return m.destroyErr
}
