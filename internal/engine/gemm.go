package engine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/scratch"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// gemmEngine lowers rank-3 shared-kernel convolution to matrix
// multiplication via im2col. The float64 path multiplies with gonum;
// float32 keeps a plain loop since gonum's dense types are
// float64-only.
//
// Workspace comes from a scratch pool and is capped by
// SetMaxScratchSizeInSamples: the column matrix is built for at most
// that many samples at a time.
type gemmEngine struct {
	geom *conv.Geometry
	pool *scratch.Pool

	width, height, channels int
	kernelW, kernelH        int
	strideW, strideH        int
	padW, padH              int
	outW, outH              int

	positions   int // outW * outH
	kernelElems int // kernelW * kernelH * channels
	maps        int

	inElems  int
	outElems int

	maxScratchSamples int
}

func newGemmEngine(cfg Config) *gemmEngine {
	g := cfg.Geometry
	e := &gemmEngine{
		geom:              g,
		pool:              scratch.NewPool(cfg.DType, cfg.Device),
		width:             g.InputShape[0],
		height:            g.InputShape[1],
		channels:          g.InputShape[2],
		kernelW:           g.KernelDim(0),
		kernelH:           g.KernelDim(1),
		strideW:           g.StrideDim(0),
		strideH:           g.StrideDim(1),
		padW:              g.StartPad(0),
		padH:              g.StartPad(1),
		maps:              g.MapCountTotal(),
		inElems:           g.InputShape.NumElements(),
		outElems:          g.OutputShape.NumElements(),
		maxScratchSamples: cfg.MaxScratchSamples,
	}
	base := g.OutputBaseShape()
	e.outW, e.outH = base[0], base[1]
	e.positions = e.outW * e.outH
	e.kernelElems = e.kernelW * e.kernelH * e.channels
	return e
}

func (e *gemmEngine) Geometry() *conv.Geometry { return e.geom }

func (e *gemmEngine) SetMaxScratchSizeInSamples(n int) {
	e.maxScratchSamples = n
	e.pool.Drop()
}

// chunkSize returns how many samples' columns fit in one workspace.
func (e *gemmEngine) chunkSize(samples int) int {
	if e.maxScratchSamples <= 0 || e.maxScratchSamples >= samples {
		return samples
	}
	return e.maxScratchSamples
}

func (e *gemmEngine) Forward(in, kernel, out *tensor.RawTensor) {
	e.checkDataShapes("forward", in, out)
	e.checkKernelShape("forward", kernel)
	samples := in.Shape()[0]
	chunk := e.chunkSize(samples)
	h := e.pool.Acquire("gemm/forward", chunk*e.positions*e.kernelElems)
	defer e.pool.Release(h)

	switch in.DType() {
	case tensor.Float32:
		gemmForward(e, in.AsFloat32(), kernel.AsFloat32(), out.AsFloat32(), h.Tensor.AsFloat32(), samples, chunk)
	case tensor.Float64:
		gemmForward(e, in.AsFloat64(), kernel.AsFloat64(), out.AsFloat64(), h.Tensor.AsFloat64(), samples, chunk)
	default:
		panic(fmt.Sprintf("convolution: unsupported data type %s", in.DType()))
	}
}

func (e *gemmEngine) BackwardData(srcGrad, kernel, grad *tensor.RawTensor) {
	e.checkDataShapes("backward data", grad, srcGrad)
	e.checkKernelShape("backward data", kernel)
	samples := grad.Shape()[0]
	chunk := e.chunkSize(samples)
	h := e.pool.Acquire("gemm/backward-data", chunk*e.positions*e.kernelElems)
	defer e.pool.Release(h)

	switch grad.DType() {
	case tensor.Float32:
		gemmBackwardData(e, srcGrad.AsFloat32(), kernel.AsFloat32(), grad.AsFloat32(), h.Tensor.AsFloat32(), samples, chunk)
	case tensor.Float64:
		gemmBackwardData(e, srcGrad.AsFloat64(), kernel.AsFloat64(), grad.AsFloat64(), h.Tensor.AsFloat64(), samples, chunk)
	default:
		panic(fmt.Sprintf("convolution: unsupported data type %s", grad.DType()))
	}
}

// BackwardKernel rebuilds its column matrix per call, so the
// isWholeBatch hint does not change the path taken.
func (e *gemmEngine) BackwardKernel(srcGrad, in, kernelGrad *tensor.RawTensor, isWholeBatch bool) {
	e.checkDataShapes("backward kernel", in, srcGrad)
	e.checkKernelShape("backward kernel", kernelGrad)
	samples := in.Shape()[0]
	chunk := e.chunkSize(samples)
	col := e.pool.Acquire("gemm/backward-kernel", chunk*e.positions*e.kernelElems)
	defer e.pool.Release(col)
	tmp := e.pool.Acquire("gemm/backward-kernel-acc", e.maps*e.kernelElems)
	defer e.pool.Release(tmp)

	switch in.DType() {
	case tensor.Float32:
		gemmBackwardKernel(e, srcGrad.AsFloat32(), in.AsFloat32(), kernelGrad.AsFloat32(),
			col.Tensor.AsFloat32(), tmp.Tensor.AsFloat32(), samples, chunk)
	case tensor.Float64:
		gemmBackwardKernel(e, srcGrad.AsFloat64(), in.AsFloat64(), kernelGrad.AsFloat64(),
			col.Tensor.AsFloat64(), tmp.Tensor.AsFloat64(), samples, chunk)
	default:
		panic(fmt.Sprintf("convolution: unsupported data type %s", in.DType()))
	}
}

func (e *gemmEngine) ForwardPooling(in, out *tensor.RawTensor) {
	panic("gemm engine: pooling is not supported")
}

func (e *gemmEngine) BackwardPooling(out, srcGrad, in, grad *tensor.RawTensor) {
	panic("gemm engine: pooling is not supported")
}

func (e *gemmEngine) MaxUnpooling(unpoolIn, poolIn, out *tensor.RawTensor) {
	panic("gemm engine: max unpooling is not supported")
}

// checkDataShapes verifies that a pair of data operands carry one row
// per sample with the geometry's input and output extents.
func (e *gemmEngine) checkDataShapes(op string, in, out *tensor.RawTensor) {
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

func (e *gemmEngine) checkKernelShape(op string, kernel *tensor.RawTensor) {
	want := e.maps * e.kernelElems
	if kernel.NumElements() != want {
		panic(fmt.Sprintf("%s: kernel holds %d elements, geometry wants %d (%d maps of %d)",
			op, kernel.NumElements(), want, e.maps, e.kernelElems))
	}
}

// im2col writes the patch matrix for one sample: row p holds the
// kernel-sized window anchored at output position p, with out-of-image
// taps as zero. Rows are positions, columns kernel elements, so the
// product with the {maps, kernelElems} weight matrix yields the output
// sample directly.
func im2col[T number](e *gemmEngine, dst, in []T) {
	for oy := 0; oy < e.outH; oy++ {
		for ox := 0; ox < e.outW; ox++ {
			p := ox + e.outW*oy
			row := dst[p*e.kernelElems : (p+1)*e.kernelElems]
			x0 := ox*e.strideW - e.padW
			y0 := oy*e.strideH - e.padH
			for c := 0; c < e.channels; c++ {
				for ky := 0; ky < e.kernelH; ky++ {
					y := y0 + ky
					for kx := 0; kx < e.kernelW; kx++ {
						x := x0 + kx
						k := kx + e.kernelW*(ky+e.kernelH*c)
						if x < 0 || x >= e.width || y < 0 || y >= e.height {
							row[k] = 0
							continue
						}
						row[k] = in[x+e.width*(y+e.height*c)]
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatter-adds a patch-matrix
// gradient back onto the input sample gradient.
func col2im[T number](e *gemmEngine, grad, colGrad []T) {
	for oy := 0; oy < e.outH; oy++ {
		for ox := 0; ox < e.outW; ox++ {
			p := ox + e.outW*oy
			row := colGrad[p*e.kernelElems : (p+1)*e.kernelElems]
			x0 := ox*e.strideW - e.padW
			y0 := oy*e.strideH - e.padH
			for c := 0; c < e.channels; c++ {
				for ky := 0; ky < e.kernelH; ky++ {
					y := y0 + ky
					if y < 0 || y >= e.height {
						continue
					}
					for kx := 0; kx < e.kernelW; kx++ {
						x := x0 + kx
						if x < 0 || x >= e.width {
							continue
						}
						grad[x+e.width*(y+e.height*c)] += row[kx+e.kernelW*(ky+e.kernelH*c)]
					}
				}
			}
		}
	}
}

// matmulNT computes dst = a * b^T for row-major dst (m x n), a (m x k)
// and b (n x k). float64 goes through gonum; float32 is a plain loop.
func matmulNT[T number](dst, a, b []T, m, n, k int) {
	switch av := any(a).(type) {
	case []float64:
		dm := mat.NewDense(m, n, any(dst).([]float64))
		am := mat.NewDense(m, k, av)
		bm := mat.NewDense(n, k, any(b).([]float64))
		dm.Mul(am, bm.T())
	default:
		for i := 0; i < m; i++ {
			ar := a[i*k : (i+1)*k]
			for j := 0; j < n; j++ {
				br := b[j*k : (j+1)*k]
				var acc T
				for l := 0; l < k; l++ {
					acc += ar[l] * br[l]
				}
				dst[i*n+j] = acc
			}
		}
	}
}

// matmulNN computes dst = a * b for row-major dst (m x n), a (m x k)
// and b (k x n).
func matmulNN[T number](dst, a, b []T, m, n, k int) {
	switch av := any(a).(type) {
	case []float64:
		dm := mat.NewDense(m, n, any(dst).([]float64))
		am := mat.NewDense(m, k, av)
		bm := mat.NewDense(k, n, any(b).([]float64))
		dm.Mul(am, bm)
	default:
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var acc T
				for l := 0; l < k; l++ {
					acc += a[i*k+l] * b[l*n+j]
				}
				dst[i*n+j] = acc
			}
		}
	}
}

func gemmForward[T number](e *gemmEngine, in, kernel, out []T, col []T, samples, chunk int) {
	for s0 := 0; s0 < samples; s0 += chunk {
		s1 := s0 + chunk
		if s1 > samples {
			s1 = samples
		}
		for s := s0; s < s1; s++ {
			block := col[(s-s0)*e.positions*e.kernelElems:]
			im2col(e, block[:e.positions*e.kernelElems], in[s*e.inElems:(s+1)*e.inElems])
			// out_sample (maps x positions) = kernel (maps x K) * block^T
			matmulNT(out[s*e.outElems:(s+1)*e.outElems], kernel, block[:e.positions*e.kernelElems],
				e.maps, e.positions, e.kernelElems)
		}
	}
}

func gemmBackwardData[T number](e *gemmEngine, srcGrad, kernel, grad []T, colGrad []T, samples, chunk int) {
	for s0 := 0; s0 < samples; s0 += chunk {
		s1 := s0 + chunk
		if s1 > samples {
			s1 = samples
		}
		for s := s0; s < s1; s++ {
			block := colGrad[(s-s0)*e.positions*e.kernelElems : (s-s0+1)*e.positions*e.kernelElems]
			// colGrad (positions x K) = srcGrad_sample^T (positions x maps) * kernel (maps x K)
			src := srcGrad[s*e.outElems : (s+1)*e.outElems]
			transposeInto(block, src, e.maps, e.positions, e.kernelElems, kernel)
			col2im(e, grad[s*e.inElems:(s+1)*e.inElems], block)
		}
	}
}

// transposeInto computes dst (positions x K) = src^T * kernel where
// src is (maps x positions) and kernel is (maps x K).
func transposeInto[T number](dst, src []T, maps, positions, kernelElems int, kernel []T) {
	switch sv := any(src).(type) {
	case []float64:
		dm := mat.NewDense(positions, kernelElems, any(dst).([]float64))
		sm := mat.NewDense(maps, positions, sv)
		km := mat.NewDense(maps, kernelElems, any(kernel).([]float64))
		dm.Mul(sm.T(), km)
	default:
		for p := 0; p < positions; p++ {
			for k := 0; k < kernelElems; k++ {
				var acc T
				for m := 0; m < maps; m++ {
					acc += src[m*positions+p] * kernel[m*kernelElems+k]
				}
				dst[p*kernelElems+k] = acc
			}
		}
	}
}

func gemmBackwardKernel[T number](e *gemmEngine, srcGrad, in, kernelGrad []T, col, tmp []T, samples, chunk int) {
	kg := kernelGrad[:e.maps*e.kernelElems]
	for s0 := 0; s0 < samples; s0 += chunk {
		s1 := s0 + chunk
		if s1 > samples {
			s1 = samples
		}
		for s := s0; s < s1; s++ {
			block := col[(s-s0)*e.positions*e.kernelElems : (s-s0+1)*e.positions*e.kernelElems]
			im2col(e, block, in[s*e.inElems:(s+1)*e.inElems])
			// tmp (maps x K) = srcGrad_sample (maps x positions) * block (positions x K)
			matmulNN(tmp, srcGrad[s*e.outElems:(s+1)*e.outElems], block,
				e.maps, e.kernelElems, e.positions)
			for i, v := range tmp {
				kg[i] += v
			}
		}
	}
}
