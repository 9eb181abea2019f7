package engine

import (
	"fmt"
	"math"

	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// referenceEngine walks the geometry directly: one nested loop per
// output position, kernel offset and feature map. It implements every
// operation, including the ones the GEMM engine declines (pooling,
// unshared kernels, per-axis map counts), at the cost of speed.
//
// All index tables that do not depend on runtime data are computed
// once at construction.
type referenceEngine struct {
	geom     *conv.Geometry
	poolKind PoolKind

	rank        int
	inDims      []int // input extent per axis
	kDims       []int // kernel extent per axis, sentinels resolved
	strides     []int // stride per axis, sentinels resolved
	pads        []int // realized lower pad per axis
	base        []int // output position count per axis
	inStrides   []int
	outStrides  []int
	kernelElems int
	mapTotal    int
	mapOffsets  []int // output-index offset per flat map index
	unshared    []int // axes without kernel sharing

	inElems  int
	outElems int

	// par spreads independent samples over workers. Operations that
	// accumulate into a shared buffer run sequentially regardless.
	par parallel.Config
}

func newReferenceEngine(cfg Config) *referenceEngine {
	g := cfg.Geometry
	rank := g.Rank()
	e := &referenceEngine{
		geom:     g,
		poolKind: cfg.PoolKind,
		rank:     rank,
		inElems:  g.InputShape.NumElements(),
		outElems: g.OutputShape.NumElements(),
		par:      parallel.DefaultConfig(),
	}

	e.inDims = make([]int, rank)
	e.kDims = make([]int, rank)
	e.strides = make([]int, rank)
	e.pads = make([]int, rank)
	for i := 0; i < rank; i++ {
		e.inDims[i] = g.InputShape[i]
		e.kDims[i] = g.KernelDim(i)
		e.strides[i] = g.StrideDim(i)
		e.pads[i] = g.StartPad(i)
		if !g.SharingDim(i) {
			e.unshared = append(e.unshared, i)
		}
	}
	e.base = []int(g.OutputBaseShape())
	e.inStrides = g.InputShape.ComputeStrides()
	e.outStrides = g.OutputShape.ComputeStrides()

	e.kernelElems = 1
	for _, k := range e.kDims {
		e.kernelElems *= k
	}

	e.mapTotal = g.MapCountTotal()
	e.mapOffsets = make([]int, e.mapTotal)
	mapDims := make([]int, rank)
	for i := range mapDims {
		mapDims[i] = 1
	}
	if g.MapCount.Rank() == rank {
		copy(mapDims, g.MapCount)
	} else {
		mapDims[rank-1] = e.mapTotal
	}
	for m := 0; m < e.mapTotal; m++ {
		rem := m
		off := 0
		for i := 0; i < rank; i++ {
			mi := rem % mapDims[i]
			rem /= mapDims[i]
			off += mi * e.base[i] * e.outStrides[i]
		}
		e.mapOffsets[m] = off
	}
	return e
}

func (e *referenceEngine) Geometry() *conv.Geometry { return e.geom }

// SetMaxScratchSizeInSamples is a no-op: the reference engine uses no
// workspace.
func (e *referenceEngine) SetMaxScratchSizeInSamples(int) {}

func (e *referenceEngine) Forward(in, kernel, out *tensor.RawTensor) {
	e.checkDataShapes("forward", in, out)
	e.checkKernelShape("forward", kernel)
	switch in.DType() {
	case tensor.Float32:
		refConvSamples(e, in.AsFloat32(), kernel.AsFloat32(), out.AsFloat32(), in.Shape()[0], refForwardSample[float32], e.par)
	case tensor.Float64:
		refConvSamples(e, in.AsFloat64(), kernel.AsFloat64(), out.AsFloat64(), in.Shape()[0], refForwardSample[float64], e.par)
	default:
		panic(fmt.Sprintf("convolution: unsupported data type %s", in.DType()))
	}
}

func (e *referenceEngine) BackwardData(srcGrad, kernel, grad *tensor.RawTensor) {
	e.checkDataShapes("backward data", grad, srcGrad)
	e.checkKernelShape("backward data", kernel)
	switch grad.DType() {
	case tensor.Float32:
		refConvSamples(e, grad.AsFloat32(), kernel.AsFloat32(), srcGrad.AsFloat32(), grad.Shape()[0], refBackwardDataSample[float32], e.par)
	case tensor.Float64:
		refConvSamples(e, grad.AsFloat64(), kernel.AsFloat64(), srcGrad.AsFloat64(), grad.Shape()[0], refBackwardDataSample[float64], e.par)
	default:
		panic(fmt.Sprintf("convolution: unsupported data type %s", grad.DType()))
	}
}

// BackwardKernel traverses per sample whether or not the operands span
// the whole minibatch, so the isWholeBatch hint changes nothing here.
func (e *referenceEngine) BackwardKernel(srcGrad, in, kernelGrad *tensor.RawTensor, isWholeBatch bool) {
	e.checkDataShapes("backward kernel", in, srcGrad)
	e.checkKernelShape("backward kernel", kernelGrad)
	switch in.DType() {
	case tensor.Float32:
		// Every sample accumulates into the same kernel gradient.
		refConvSamples(e, in.AsFloat32(), kernelGrad.AsFloat32(), srcGrad.AsFloat32(), in.Shape()[0], refBackwardKernelSample[float32], parallel.Sequential())
	case tensor.Float64:
		refConvSamples(e, in.AsFloat64(), kernelGrad.AsFloat64(), srcGrad.AsFloat64(), in.Shape()[0], refBackwardKernelSample[float64], parallel.Sequential())
	default:
		panic(fmt.Sprintf("convolution: unsupported data type %s", in.DType()))
	}
}

func (e *referenceEngine) ForwardPooling(in, out *tensor.RawTensor) {
	e.checkDataShapes("pooling", in, out)
	switch in.DType() {
	case tensor.Float32:
		refPoolSamples(e, in.AsFloat32(), out.AsFloat32(), nil, nil, 0, 0, in.Shape()[0], refForwardPoolingSample[float32])
	case tensor.Float64:
		refPoolSamples(e, in.AsFloat64(), out.AsFloat64(), nil, nil, 0, 0, in.Shape()[0], refForwardPoolingSample[float64])
	default:
		panic(fmt.Sprintf("pooling: unsupported data type %s", in.DType()))
	}
}

func (e *referenceEngine) BackwardPooling(out, srcGrad, in, grad *tensor.RawTensor) {
	e.checkDataShapes("pooling backward", in, out)
	e.checkDataShapes("pooling backward", grad, srcGrad)
	switch in.DType() {
	case tensor.Float32:
		refPoolSamples(e, in.AsFloat32(), out.AsFloat32(), srcGrad.AsFloat32(), grad.AsFloat32(), e.outElems, e.inElems, in.Shape()[0], refBackwardPoolingSample[float32])
	case tensor.Float64:
		refPoolSamples(e, in.AsFloat64(), out.AsFloat64(), srcGrad.AsFloat64(), grad.AsFloat64(), e.outElems, e.inElems, in.Shape()[0], refBackwardPoolingSample[float64])
	default:
		panic(fmt.Sprintf("pooling: unsupported data type %s", in.DType()))
	}
}

func (e *referenceEngine) MaxUnpooling(unpoolIn, poolIn, out *tensor.RawTensor) {
	e.checkDataShapes("max unpooling", out, unpoolIn)
	e.checkDataShapes("max unpooling", poolIn, unpoolIn)
	out.ZeroFill()
	switch out.DType() {
	case tensor.Float32:
		refPoolSamples(e, poolIn.AsFloat32(), unpoolIn.AsFloat32(), out.AsFloat32(), nil, e.inElems, 0, out.Shape()[0], refMaxUnpoolingSample[float32])
	case tensor.Float64:
		refPoolSamples(e, poolIn.AsFloat64(), unpoolIn.AsFloat64(), out.AsFloat64(), nil, e.inElems, 0, out.Shape()[0], refMaxUnpoolingSample[float64])
	default:
		panic(fmt.Sprintf("max unpooling: unsupported data type %s", out.DType()))
	}
}

// checkDataShapes verifies that a pair of data operands carry one row
// per sample with the geometry's input and output extents.
func (e *referenceEngine) checkDataShapes(op string, in, out *tensor.RawTensor) {
	ishape, oshape := in.Shape(), out.Shape()
	if ishape.Rank() != 2 || oshape.Rank() != 2 {
		panic(fmt.Sprintf("%s: data operands must be rank 2, got %s and %s", op, ishape, oshape))
	}
	if ishape[0] != oshape[0] {
		panic(fmt.Sprintf("%s: sample counts differ: %d vs %d", op, ishape[0], oshape[0]))
	}
	if ishape[1] != e.inElems {
		panic(fmt.Sprintf("%s: input sample size %d, geometry wants %d", op, ishape[1], e.inElems))
	}
	if oshape[1] != e.outElems {
		panic(fmt.Sprintf("%s: output sample size %d, geometry wants %d", op, oshape[1], e.outElems))
	}
}

func (e *referenceEngine) checkKernelShape(op string, kernel *tensor.RawTensor) {
	want := e.geom.KernelCount() * e.kernelElems
	if kernel.NumElements() != want {
		panic(fmt.Sprintf("%s: kernel holds %d elements, geometry wants %d (%d slices of %d)",
			op, kernel.NumElements(), want, e.geom.KernelCount(), e.kernelElems))
	}
}

type number interface {
	float32 | float64
}

// refConvSamples runs a per-sample convolution body over every sample
// row. The body receives the sample's input, the full kernel and the
// sample's output. Samples run in parallel under par; pass
// parallel.Sequential() when the body writes a shared buffer.
func refConvSamples[T number](e *referenceEngine, in, kernel, out []T, samples int,
	body func(*referenceEngine, []T, []T, []T), par parallel.Config,
) {
	parallel.For(samples, func(s int) {
		body(e,
			in[s*e.inElems:(s+1)*e.inElems],
			kernel,
			out[s*e.outElems:(s+1)*e.outElems])
	}, par)
}

// refPoolSamples runs a per-sample pooling body over every sample row.
// aux and aux2 are operation-specific extra operands and may be nil;
// their per-sample sizes are passed explicitly since they differ per
// operation.
func refPoolSamples[T number](e *referenceEngine, in, out, aux, aux2 []T, auxElems, aux2Elems, samples int,
	body func(*referenceEngine, []T, []T, []T, []T),
) {
	slice := func(buf []T, s, elems int) []T {
		if buf == nil {
			return nil
		}
		return buf[s*elems : (s+1)*elems]
	}
	parallel.For(samples, func(s int) {
		body(e,
			slice(in, s, e.inElems),
			slice(out, s, e.outElems),
			slice(aux, s, auxElems),
			slice(aux2, s, aux2Elems))
	}, e.par)
}

// forEachPosition walks the output position grid; body receives the
// position multi-index, the flat output index of map 0 at that
// position, and the kernel row index contribution of unshared axes.
func (e *referenceEngine) forEachPosition(body func(pos []int, outBase, unsharedIdx int)) {
	pos := make([]int, e.rank)
	for {
		outBase := 0
		for i, p := range pos {
			outBase += p * e.outStrides[i]
		}
		unsharedIdx := 0
		mul := 1
		for _, i := range e.unshared {
			unsharedIdx += pos[i] * mul
			mul *= e.base[i]
		}
		body(pos, outBase, unsharedIdx)

		axis := 0
		for axis < e.rank {
			pos[axis]++
			if pos[axis] < e.base[axis] {
				break
			}
			pos[axis] = 0
			axis++
		}
		if axis == e.rank {
			return
		}
	}
}

// forEachTap walks the kernel window anchored at the given output
// position, invoking body with the linear kernel offset and the linear
// input index for every in-bounds tap.
func (e *referenceEngine) forEachTap(pos []int, body func(kIdx, inIdx int)) {
	start := make([]int, e.rank)
	for i := range start {
		start[i] = pos[i]*e.strides[i] - e.pads[i]
	}
	off := make([]int, e.rank)
	for kIdx := 0; ; kIdx++ {
		inIdx := 0
		inBounds := true
		for i := 0; i < e.rank; i++ {
			c := start[i] + off[i]
			if c < 0 || c >= e.inDims[i] {
				inBounds = false
				break
			}
			inIdx += c * e.inStrides[i]
		}
		if inBounds {
			body(kIdx, inIdx)
		}

		axis := 0
		for axis < e.rank {
			off[axis]++
			if off[axis] < e.kDims[axis] {
				break
			}
			off[axis] = 0
			axis++
		}
		if axis == e.rank {
			return
		}
	}
}

func refForwardSample[T number](e *referenceEngine, in, kernel, out []T) {
	m := e.mapTotal
	acc := make([]T, m)
	e.forEachPosition(func(pos []int, outBase, unsharedIdx int) {
		for i := range acc {
			acc[i] = 0
		}
		e.forEachTap(pos, func(kIdx, inIdx int) {
			v := in[inIdx]
			for mi := 0; mi < m; mi++ {
				row := mi + m*unsharedIdx
				acc[mi] += v * kernel[row*e.kernelElems+kIdx]
			}
		})
		for mi := 0; mi < m; mi++ {
			out[outBase+e.mapOffsets[mi]] = acc[mi]
		}
	})
}

func refBackwardDataSample[T number](e *referenceEngine, grad, kernel, srcGrad []T) {
	m := e.mapTotal
	e.forEachPosition(func(pos []int, outBase, unsharedIdx int) {
		e.forEachTap(pos, func(kIdx, inIdx int) {
			var sum T
			for mi := 0; mi < m; mi++ {
				row := mi + m*unsharedIdx
				sum += srcGrad[outBase+e.mapOffsets[mi]] * kernel[row*e.kernelElems+kIdx]
			}
			grad[inIdx] += sum
		})
	})
}

func refBackwardKernelSample[T number](e *referenceEngine, in, kernelGrad, srcGrad []T) {
	m := e.mapTotal
	e.forEachPosition(func(pos []int, outBase, unsharedIdx int) {
		e.forEachTap(pos, func(kIdx, inIdx int) {
			v := in[inIdx]
			for mi := 0; mi < m; mi++ {
				row := mi + m*unsharedIdx
				kernelGrad[row*e.kernelElems+kIdx] += v * srcGrad[outBase+e.mapOffsets[mi]]
			}
		})
	})
}

func refForwardPoolingSample[T number](e *referenceEngine, in, out, _, _ []T) {
	avg := e.poolKind == PoolAverage
	e.forEachPosition(func(pos []int, outBase, _ int) {
		var sum T
		best := T(math.Inf(-1))
		found := false
		e.forEachTap(pos, func(_, inIdx int) {
			v := in[inIdx]
			sum += v
			if v > best {
				best = v
			}
			found = true
		})
		switch {
		case !found:
			out[outBase] = 0
		case avg:
			// Padding elements count toward the divisor, so border
			// windows average over the full kernel size.
			out[outBase] = sum / T(e.kernelElems)
		default:
			out[outBase] = best
		}
	})
}

func refBackwardPoolingSample[T number](e *referenceEngine, in, out, srcGrad, grad []T) {
	if e.poolKind == PoolAverage {
		e.forEachPosition(func(pos []int, outBase, _ int) {
			g := srcGrad[outBase] / T(e.kernelElems)
			e.forEachTap(pos, func(_, inIdx int) {
				grad[inIdx] += g
			})
		})
		return
	}
	// Max pooling: the gradient goes to the first window element that
	// produced the retained maximum.
	e.forEachPosition(func(pos []int, outBase, _ int) {
		target := out[outBase]
		done := false
		e.forEachTap(pos, func(_, inIdx int) {
			if done || in[inIdx] != target {
				return
			}
			grad[inIdx] += srcGrad[outBase]
			done = true
		})
	})
}

// refMaxUnpoolingSample places each pooled value at the position that
// won its window in poolIn. Ties resolve to the first element, the
// same rule the pooling backward pass uses.
func refMaxUnpoolingSample[T number](e *referenceEngine, poolIn, unpoolIn, out, _ []T) {
	e.forEachPosition(func(pos []int, outBase, _ int) {
		best := T(math.Inf(-1))
		bestIdx := -1
		e.forEachTap(pos, func(_, inIdx int) {
			if poolIn[inIdx] > best {
				best = poolIn[inIdx]
				bestIdx = inIdx
			}
		})
		if bestIdx >= 0 {
			out[bestIdx] = unpoolIn[outBase]
		}
	})
}
