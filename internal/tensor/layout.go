package tensor

import "fmt"

// ImageLayout selects how a rank-3 image sample orders its axes.
//
// CHW ("cudnn") treats channels as planes: the sample shape is
// {width, height, channels} and matches the channel-major convention the
// geometry layer works in. HWC (legacy) treats channels as per-pixel
// tuples: the sample shape is {channels, width, height} with the channel
// axis fastest-varying. The ND operators accept CHW at any sample
// rank; HWC is a rank-3 image convention and survives for the legacy
// 2-D construction and persistence paths.
type ImageLayout int

const (
	LayoutCHW ImageLayout = iota
	LayoutHWC
)

// String returns the layout tag used in diagnostics and model files.
func (l ImageLayout) String() string {
	switch l {
	case LayoutCHW:
		return "cudnn"
	case LayoutHWC:
		return "legacy"
	default:
		return "unknown"
	}
}

// ParseImageLayout converts a layout tag back to an ImageLayout.
func ParseImageLayout(s string) (ImageLayout, error) {
	switch s {
	case "cudnn", "CHW":
		return LayoutCHW, nil
	case "legacy", "HWC":
		return LayoutHWC, nil
	default:
		return 0, fmt.Errorf("unknown image layout %q", s)
	}
}

// ImageDims is the width/height/channel interpretation of a rank-3
// sample shape under some layout.
type ImageDims struct {
	Width    int
	Height   int
	Channels int
}

// ImageDimsOf interprets a rank-3 sample shape under the given layout.
func ImageDimsOf(sample Shape, layout ImageLayout) (ImageDims, error) {
	if sample.Rank() != 3 {
		return ImageDims{}, fmt.Errorf("image sample must be rank 3, got %s", sample)
	}
	switch layout {
	case LayoutCHW:
		return ImageDims{Width: sample[0], Height: sample[1], Channels: sample[2]}, nil
	case LayoutHWC:
		return ImageDims{Width: sample[1], Height: sample[2], Channels: sample[0]}, nil
	default:
		return ImageDims{}, fmt.Errorf("unknown image layout %d", layout)
	}
}

// AsShape lays the dimensions out as a sample shape under the given layout.
func (d ImageDims) AsShape(layout ImageLayout) Shape {
	if layout == LayoutHWC {
		return Shape{d.Channels, d.Width, d.Height}
	}
	return Shape{d.Width, d.Height, d.Channels}
}

// ShapeAsChannelMajor re-expresses a sample shape in the CHW
// (channel-major) axis order the geometry layer requires. CHW samples
// already are channel-major and pass through at any rank; HWC samples
// are rank-3 images.
func ShapeAsChannelMajor(sample Shape, layout ImageLayout) (Shape, error) {
	if layout == LayoutCHW {
		return sample.Clone(), nil
	}
	dims, err := ImageDimsOf(sample, layout)
	if err != nil {
		return nil, err
	}
	return dims.AsShape(LayoutCHW), nil
}

// ShapeFromChannelMajor converts a CHW sample shape back to the given
// layout's axis order. The CHW target is the identity at any rank.
func ShapeFromChannelMajor(chw Shape, layout ImageLayout) (Shape, error) {
	if layout == LayoutCHW {
		return chw.Clone(), nil
	}
	dims, err := ImageDimsOf(chw, LayoutCHW)
	if err != nil {
		return nil, err
	}
	return dims.AsShape(layout), nil
}

// ConvertHWCToCHW permutes the samples of src (rows of a
// {samples, sampleElements} buffer in HWC order) into dst in CHW order.
// dst must have the same shape, dtype and device as src.
func ConvertHWCToCHW(dst, src *RawTensor, dims ImageDims) {
	convertLayout(dst, src, dims, true)
}

// ConvertCHWToHWC is the inverse permutation of ConvertHWCToCHW.
func ConvertCHWToHWC(dst, src *RawTensor, dims ImageDims) {
	convertLayout(dst, src, dims, false)
}

func convertLayout(dst, src *RawTensor, dims ImageDims, toCHW bool) {
	if !dst.Shape().Equal(src.Shape()) || dst.DType() != src.DType() {
		panic(fmt.Sprintf("layout convert: incompatible tensors %s/%s vs %s/%s",
			dst.Shape(), dst.DType(), src.Shape(), src.DType()))
	}
	shape := src.Shape()
	if shape.Rank() != 2 {
		panic(fmt.Sprintf("layout convert: buffer must be {samples, sampleElements}, got %s", shape))
	}
	sampleElems := dims.Width * dims.Height * dims.Channels
	if shape[1] != sampleElems {
		panic(fmt.Sprintf("layout convert: sample size %d does not match dims %dx%dx%d",
			shape[1], dims.Width, dims.Height, dims.Channels))
	}

	switch src.DType() {
	case Float32:
		convertLayoutData(dst.AsFloat32(), src.AsFloat32(), shape[0], dims, toCHW)
	case Float64:
		convertLayoutData(dst.AsFloat64(), src.AsFloat64(), shape[0], dims, toCHW)
	default:
		panic(fmt.Sprintf("layout convert: unsupported dtype %s", src.DType()))
	}
}

func convertLayoutData[T float32 | float64](dst, src []T, samples int, dims ImageDims, toCHW bool) {
	w, h, c := dims.Width, dims.Height, dims.Channels
	sampleElems := w * h * c
	for n := 0; n < samples; n++ {
		srcSample := src[n*sampleElems : (n+1)*sampleElems]
		dstSample := dst[n*sampleElems : (n+1)*sampleElems]
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					// HWC linearizes channel fastest, CHW linearizes width fastest.
					hwc := ch + c*(x+w*y)
					chw := x + w*(y+h*ch)
					if toCHW {
						dstSample[chw] = srcSample[hwc]
					} else {
						dstSample[hwc] = srcSample[chw]
					}
				}
			}
		}
	}
}
