package engine

import (
	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/scratch"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// layoutEngine adapts an inner channel-major engine to legacy
// interleaved-channel data. Data operands are converted through
// scratch buffers on the way in and out; kernel operands are always
// channel-major and pass through untouched.
//
// Gradient accumulation survives the round trip because the existing
// destination gradient is converted in, accumulated into, and
// converted back.
type layoutEngine struct {
	inner Engine
	pool  *scratch.Pool

	inDims  tensor.ImageDims
	outDims tensor.ImageDims

	inElems  int
	outElems int
}

func newLayoutEngine(inner Engine, cfg Config) *layoutEngine {
	g := inner.Geometry()
	return &layoutEngine{
		inner:    inner,
		pool:     scratch.NewPool(cfg.DType, cfg.Device),
		inDims:   tensor.ImageDims{Width: g.InputShape[0], Height: g.InputShape[1], Channels: g.InputShape[2]},
		outDims:  tensor.ImageDims{Width: g.OutputBaseShape()[0], Height: g.OutputBaseShape()[1], Channels: g.OutputShape[2]},
		inElems:  g.InputShape.NumElements(),
		outElems: g.OutputShape.NumElements(),
	}
}

func (e *layoutEngine) Geometry() *conv.Geometry { return e.inner.Geometry() }

func (e *layoutEngine) SetMaxScratchSizeInSamples(n int) {
	e.inner.SetMaxScratchSizeInSamples(n)
}

// toMajor converts an interleaved operand into a fresh channel-major
// scratch tensor.
func (e *layoutEngine) toMajor(owner string, t *tensor.RawTensor, dims tensor.ImageDims, elems int) *scratch.Handle {
	h := e.pool.Acquire(owner, t.NumElements())
	h.Tensor.Resize(tensor.Shape{t.Shape()[0], elems})
	tensor.ConvertHWCToCHW(h.Tensor, t, dims)
	return h
}

func (e *layoutEngine) Forward(in, kernel, out *tensor.RawTensor) {
	hin := e.toMajor("layout/forward-in", in, e.inDims, e.inElems)
	defer e.pool.Release(hin)
	hout := e.pool.Acquire("layout/forward-out", out.NumElements())
	hout.Tensor.Resize(tensor.Shape{out.Shape()[0], e.outElems})
	defer e.pool.Release(hout)

	e.inner.Forward(hin.Tensor, kernel, hout.Tensor)
	tensor.ConvertCHWToHWC(out, hout.Tensor, e.outDims)
}

func (e *layoutEngine) BackwardData(srcGrad, kernel, grad *tensor.RawTensor) {
	hsrc := e.toMajor("layout/bwd-data-src", srcGrad, e.outDims, e.outElems)
	defer e.pool.Release(hsrc)
	hgrad := e.toMajor("layout/bwd-data-grad", grad, e.inDims, e.inElems)
	defer e.pool.Release(hgrad)

	e.inner.BackwardData(hsrc.Tensor, kernel, hgrad.Tensor)
	tensor.ConvertCHWToHWC(grad, hgrad.Tensor, e.inDims)
}

func (e *layoutEngine) BackwardKernel(srcGrad, in, kernelGrad *tensor.RawTensor, isWholeBatch bool) {
	hsrc := e.toMajor("layout/bwd-kernel-src", srcGrad, e.outDims, e.outElems)
	defer e.pool.Release(hsrc)
	hin := e.toMajor("layout/bwd-kernel-in", in, e.inDims, e.inElems)
	defer e.pool.Release(hin)

	e.inner.BackwardKernel(hsrc.Tensor, hin.Tensor, kernelGrad, isWholeBatch)
}

func (e *layoutEngine) ForwardPooling(in, out *tensor.RawTensor) {
	hin := e.toMajor("layout/pool-in", in, e.inDims, e.inElems)
	defer e.pool.Release(hin)
	hout := e.pool.Acquire("layout/pool-out", out.NumElements())
	hout.Tensor.Resize(tensor.Shape{out.Shape()[0], e.outElems})
	defer e.pool.Release(hout)

	e.inner.ForwardPooling(hin.Tensor, hout.Tensor)
	tensor.ConvertCHWToHWC(out, hout.Tensor, e.outDims)
}

func (e *layoutEngine) BackwardPooling(out, srcGrad, in, grad *tensor.RawTensor) {
	hout := e.toMajor("layout/pool-bwd-out", out, e.outDims, e.outElems)
	defer e.pool.Release(hout)
	hsrc := e.toMajor("layout/pool-bwd-src", srcGrad, e.outDims, e.outElems)
	defer e.pool.Release(hsrc)
	hin := e.toMajor("layout/pool-bwd-in", in, e.inDims, e.inElems)
	defer e.pool.Release(hin)
	hgrad := e.toMajor("layout/pool-bwd-grad", grad, e.inDims, e.inElems)
	defer e.pool.Release(hgrad)

	e.inner.BackwardPooling(hout.Tensor, hsrc.Tensor, hin.Tensor, hgrad.Tensor)
	tensor.ConvertCHWToHWC(grad, hgrad.Tensor, e.inDims)
}

func (e *layoutEngine) MaxUnpooling(unpoolIn, poolIn, out *tensor.RawTensor) {
	hun := e.toMajor("layout/unpool-in", unpoolIn, e.outDims, e.outElems)
	defer e.pool.Release(hun)
	hpool := e.toMajor("layout/unpool-pool", poolIn, e.inDims, e.inElems)
	defer e.pool.Release(hpool)
	hout := e.pool.Acquire("layout/unpool-out", out.NumElements())
	hout.Tensor.Resize(tensor.Shape{out.Shape()[0], e.inElems})
	defer e.pool.Release(hout)

	e.inner.MaxUnpooling(hun.Tensor, hpool.Tensor, hout.Tensor)
	tensor.ConvertCHWToHWC(out, hout.Tensor, e.inDims)
}
