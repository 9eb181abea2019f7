// Package engine executes spatial operations described by a
// conv.Geometry. An engine is bound to exactly one geometry, device,
// data type and memory layout; the factory picks the best
// implementation the configuration allows and fails closed when none
// qualifies.
package engine

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// PoolKind selects the windowed reduction an engine applies, or none
// for convolution.
type PoolKind int

const (
	PoolNone PoolKind = iota
	PoolMax
	PoolAverage
)

func (k PoolKind) String() string {
	switch k {
	case PoolNone:
		return "none"
	case PoolMax:
		return "max"
	case PoolAverage:
		return "average"
	default:
		return fmt.Sprintf("PoolKind(%d)", int(k))
	}
}

// Kind is a bitmask of engine implementations the caller permits. The
// zero value permits nothing; callers normally pass KindAll and let the
// factory choose.
type Kind int

const (
	KindReference Kind = 1 << iota
	KindGemm

	KindAll = KindReference | KindGemm
)

// UnsupportedConfigurationError reports that no permitted engine can
// execute a geometry. It is returned by the factory during the final
// validation pass, never raised mid-execution.
type UnsupportedConfigurationError struct {
	Node   string
	Reason string
}

func (e *UnsupportedConfigurationError) Error() string {
	return fmt.Sprintf("node %q: no supported convolution engine: %s", e.Node, e.Reason)
}

// Engine executes the forward and backward passes of one spatial
// operation. Buffers are rank-2 {samples, sampleElems}; sample
// interiors are channel-major in the engine's layout. Kernel operands
// are {kernelCount, kernelElems}.
//
// Forward and ForwardPooling overwrite their output. All backward
// methods accumulate into the destination gradient, so callers zero it
// before the first contribution.
type Engine interface {
	// Geometry returns the geometry the engine is bound to.
	Geometry() *conv.Geometry

	// Forward computes the convolution of in with kernel into out.
	Forward(in, kernel, out *tensor.RawTensor)

	// BackwardData accumulates the data gradient: the correlation of
	// srcGrad with kernel, scattered back to input positions.
	BackwardData(srcGrad, kernel, grad *tensor.RawTensor)

	// BackwardKernel accumulates the kernel gradient from srcGrad and
	// the forward input. isWholeBatch reports that the operands span
	// the entire minibatch rather than a sub-range, permitting
	// batch-level workspace reuse.
	BackwardKernel(srcGrad, in, kernelGrad *tensor.RawTensor, isWholeBatch bool)

	// ForwardPooling applies the engine's pooling reduction.
	ForwardPooling(in, out *tensor.RawTensor)

	// BackwardPooling accumulates the pooling input gradient. Max
	// pooling needs the retained forward output and input to locate
	// the window maximum.
	BackwardPooling(out, srcGrad, in, grad *tensor.RawTensor)

	// MaxUnpooling writes unpoolIn values into out at the positions
	// that were the window maxima of poolIn, zeroing the rest.
	MaxUnpooling(unpoolIn, poolIn, out *tensor.RawTensor)

	// SetMaxScratchSizeInSamples caps the engine's workspace at the
	// given number of samples' worth of columns; zero means unlimited.
	SetMaxScratchSizeInSamples(n int)
}

// Config carries everything the factory needs to pick and build an
// engine.
type Config struct {
	Geometry          *conv.Geometry
	Device            tensor.Device
	DType             tensor.DataType
	Layout            tensor.ImageLayout
	PoolKind          PoolKind
	Allowed           Kind
	MaxScratchSamples int
	NodeName          string
}

// Create picks the best engine the configuration permits. The GEMM
// engine is preferred for convolution when it qualifies; everything
// else runs on the reference engine.
func Create(cfg Config) (Engine, error) {
	if cfg.Geometry == nil {
		return nil, &UnsupportedConfigurationError{Node: cfg.NodeName, Reason: "geometry is nil"}
	}
	if cfg.Device != tensor.CPU {
		return nil, &UnsupportedConfigurationError{
			Node:   cfg.NodeName,
			Reason: fmt.Sprintf("device %s is not supported", cfg.Device),
		}
	}
	if cfg.DType != tensor.Float32 && cfg.DType != tensor.Float64 {
		return nil, &UnsupportedConfigurationError{
			Node:   cfg.NodeName,
			Reason: fmt.Sprintf("data type %s is not supported", cfg.DType),
		}
	}

	if cfg.Layout == tensor.LayoutHWC && cfg.Geometry.Rank() != 3 {
		return nil, &UnsupportedConfigurationError{
			Node:   cfg.NodeName,
			Reason: fmt.Sprintf("legacy layout requires rank-3 geometry, got rank %d", cfg.Geometry.Rank()),
		}
	}

	var inner Engine
	switch {
	case cfg.Allowed&KindGemm != 0 && gemmUnsupportedReason(cfg) == "":
		klog.V(1).Infof("node %q: using GEMM engine for %s (layout %s)",
			cfg.NodeName, cfg.Geometry, cfg.Layout)
		inner = newGemmEngine(cfg)
	case cfg.Allowed&KindReference != 0:
		klog.V(1).Infof("node %q: using reference engine for %s (layout %s)",
			cfg.NodeName, cfg.Geometry, cfg.Layout)
		inner = newReferenceEngine(cfg)
	case cfg.Allowed&KindGemm != 0:
		return nil, &UnsupportedConfigurationError{Node: cfg.NodeName, Reason: gemmUnsupportedReason(cfg)}
	default:
		return nil, &UnsupportedConfigurationError{Node: cfg.NodeName, Reason: "no engine kind permitted"}
	}

	if cfg.Layout == tensor.LayoutHWC {
		return newLayoutEngine(inner, cfg), nil
	}
	return inner, nil
}

// gemmUnsupportedReason reports why the GEMM engine cannot run the
// configuration, or "" when it can. The GEMM path handles rank-3
// convolution with full kernel sharing; pooling and unshared kernels
// stay on the reference engine.
func gemmUnsupportedReason(cfg Config) string {
	g := cfg.Geometry
	if cfg.PoolKind != PoolNone {
		return "GEMM engine does not implement pooling"
	}
	if g.Rank() != 3 {
		return fmt.Sprintf("GEMM engine requires rank-3 geometry, got rank %d", g.Rank())
	}
	for i := 0; i < g.Rank(); i++ {
		if !g.SharingDim(i) {
			return "GEMM engine requires kernel sharing on every axis"
		}
	}
	if g.MapCount.Rank() == g.Rank() {
		for i := 0; i < g.Rank()-1; i++ {
			if g.MapCount[i] != 1 {
				return "GEMM engine requires the map count on the channel axis"
			}
		}
	}
	if g.KernelDim(g.Rank()-1) != g.InputShape[g.Rank()-1] {
		return "GEMM engine requires the kernel to span all input channels"
	}
	if g.OutputBaseShape()[g.Rank()-1] != 1 {
		return "GEMM engine requires a single window position on the channel axis"
	}
	return ""
}
