package tensor

import "testing"

func TestImageDims_RoundTrip(t *testing.T) {
	hwc := Shape{3, 5, 4} // {C, W, H}
	dims, err := ImageDimsOf(hwc, LayoutHWC)
	if err != nil {
		t.Fatalf("ImageDimsOf: %v", err)
	}
	if dims.Width != 5 || dims.Height != 4 || dims.Channels != 3 {
		t.Fatalf("dims = %+v", dims)
	}
	chw := dims.AsShape(LayoutCHW)
	if !chw.Equal(Shape{5, 4, 3}) {
		t.Errorf("CHW shape = %s", chw)
	}
	back := dims.AsShape(LayoutHWC)
	if !back.Equal(hwc) {
		t.Errorf("HWC shape = %s", back)
	}
}

func TestShapeAsChannelMajor(t *testing.T) {
	got, err := ShapeAsChannelMajor(Shape{3, 5, 4}, LayoutHWC)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(Shape{5, 4, 3}) {
		t.Errorf("got %s", got)
	}

	// CHW passes through unchanged, whatever the rank.
	for _, shape := range []Shape{{5, 4, 3}, {8}, {5, 4}, {4, 4, 4, 2}} {
		got, err = ShapeAsChannelMajor(shape, LayoutCHW)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(shape) {
			t.Errorf("ShapeAsChannelMajor(%s) = %s", shape, got)
		}
		back, err := ShapeFromChannelMajor(shape, LayoutCHW)
		if err != nil {
			t.Fatal(err)
		}
		if !back.Equal(shape) {
			t.Errorf("ShapeFromChannelMajor(%s) = %s", shape, back)
		}
	}

	if _, err := ShapeAsChannelMajor(Shape{5, 4}, LayoutHWC); err == nil {
		t.Error("rank-2 legacy sample should be rejected")
	}
}

func TestConvertLayout_RoundTrip(t *testing.T) {
	dims := ImageDims{Width: 2, Height: 2, Channels: 3}
	src := MustNew(Shape{1, 12}, Float32, CPU)
	// HWC sample: pixel (x, y) holds channels {v, v+10, v+20} with
	// v = x + 2*y, so every element is distinguishable.
	data := src.AsFloat32()
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			for c := 0; c < 3; c++ {
				data[c+3*(x+2*y)] = float32(x + 2*y + 10*c)
			}
		}
	}

	chw := MustNew(Shape{1, 12}, Float32, CPU)
	ConvertHWCToCHW(chw, src, dims)

	// Channel 0 plane first, width fastest.
	want := []float32{0, 1, 2, 3, 10, 11, 12, 13, 20, 21, 22, 23}
	for i, w := range want {
		if chw.AsFloat32()[i] != w {
			t.Fatalf("CHW[%d] = %f, want %f", i, chw.AsFloat32()[i], w)
		}
	}

	back := MustNew(Shape{1, 12}, Float32, CPU)
	ConvertCHWToHWC(back, chw, dims)
	for i := range data {
		if back.AsFloat32()[i] != data[i] {
			t.Fatalf("round trip differs at %d", i)
		}
	}
}
