package tensor

import "testing"

func TestRawTensor_New(t *testing.T) {
	r, err := NewRaw(Shape{2, 6}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	if r.NumElements() != 12 || r.ByteSize() != 48 {
		t.Errorf("elements=%d bytes=%d", r.NumElements(), r.ByteSize())
	}
	for i, v := range r.AsFloat32() {
		if v != 0 {
			t.Fatalf("new tensor not zero-filled at %d: %f", i, v)
		}
	}

	if _, err := NewRaw(Shape{2, -1}, Float32, CPU); err == nil {
		t.Error("negative extent should fail")
	}
}

func TestRawTensor_ResizeGrowsAndShrinks(t *testing.T) {
	r := MustNew(Shape{2, 4}, Float32, CPU)
	data := r.AsFloat32()
	for i := range data {
		data[i] = float32(i)
	}

	r.Resize(Shape{4, 4})
	if r.NumElements() != 16 {
		t.Fatalf("grow: elements = %d", r.NumElements())
	}
	// Existing prefix survives an in-place resize.
	if r.AsFloat32()[7] != 7 {
		t.Errorf("grow lost data: %f", r.AsFloat32()[7])
	}

	r.Resize(Shape{1, 4})
	if r.NumElements() != 4 {
		t.Fatalf("shrink: elements = %d", r.NumElements())
	}
	if r.Capacity() < 16*4 {
		t.Error("shrink should keep capacity")
	}
}

func TestRawTensor_ZeroFill(t *testing.T) {
	r := MustNew(Shape{8}, Float64, CPU)
	for i := range r.AsFloat64() {
		r.AsFloat64()[i] = 3.5
	}
	r.ZeroFill()
	for i, v := range r.AsFloat64() {
		if v != 0 {
			t.Fatalf("ZeroFill left %f at %d", v, i)
		}
	}
}

func TestRawTensor_Rows_SharesStorage(t *testing.T) {
	r := MustNew(Shape{3, 4}, Float32, CPU)
	view := r.Rows(1, 3)
	if !view.Shape().Equal(Shape{2, 4}) {
		t.Fatalf("view shape = %s", view.Shape())
	}
	view.AsFloat32()[0] = 42
	if r.AsFloat32()[4] != 42 {
		t.Error("row view must alias parent storage")
	}
}

func TestRawTensor_AtSetAt(t *testing.T) {
	for _, dt := range []DataType{Float32, Float64} {
		r := MustNew(Shape{4}, dt, CPU)
		r.SetAt(2, 1.5)
		if r.At(2) != 1.5 {
			t.Errorf("%s: At(2) = %f", dt, r.At(2))
		}
	}
}

func TestFloat16Conversion_RoundTrips(t *testing.T) {
	src := []float32{0, 1, -2, 0.5, 65504}
	bits := make([]uint16, len(src))
	back := make([]float32, len(src))
	Float32ToFloat16(src, bits)
	Float16ToFloat32(bits, back)
	for i := range src {
		if back[i] != src[i] {
			t.Errorf("half round-trip [%d]: %f -> %f", i, src[i], back[i])
		}
	}
}
