package tensor

import "testing"

func TestShape_NumElements(t *testing.T) {
	tests := []struct {
		shape Shape
		want  int
	}{
		{Shape{}, 1},
		{Shape{5}, 5},
		{Shape{4, 4, 3}, 48},
		{Shape{2, 0, 3}, 0},
	}
	for _, tt := range tests {
		if got := tt.shape.NumElements(); got != tt.want {
			t.Errorf("%v.NumElements() = %d, want %d", tt.shape, got, tt.want)
		}
	}
}

func TestShape_Validate(t *testing.T) {
	if err := (Shape{3, 0, 2}).Validate(); err != nil {
		t.Errorf("zero extent should be allowed as infer sentinel: %v", err)
	}
	if err := (Shape{3, -1}).Validate(); err == nil {
		t.Error("negative extent should be rejected")
	}
	if err := (Shape{3, 0, 2}).ValidatePositive(); err == nil {
		t.Error("ValidatePositive should reject zero extent")
	}
	if err := (Shape{3, 1, 2}).ValidatePositive(); err != nil {
		t.Errorf("ValidatePositive rejected valid shape: %v", err)
	}
}

func TestShape_Dim_BroadcastsLast(t *testing.T) {
	s := Shape{2, 3}
	if s.Dim(0) != 2 || s.Dim(1) != 3 {
		t.Errorf("Dim within rank: got %d, %d", s.Dim(0), s.Dim(1))
	}
	if s.Dim(5) != 3 {
		t.Errorf("Dim beyond rank should broadcast last extent, got %d", s.Dim(5))
	}
	if (Shape{}).Dim(2) != 1 {
		t.Error("Dim on empty shape should default to 1")
	}
}

func TestShape_ComputeStrides_ChannelMajor(t *testing.T) {
	s := Shape{4, 3, 2} // {W, H, C}
	strides := s.ComputeStrides()
	want := []int{1, 4, 12}
	for i := range want {
		if strides[i] != want[i] {
			t.Fatalf("strides = %v, want %v", strides, want)
		}
	}
}

func TestShape_SubShape(t *testing.T) {
	s := Shape{5, 6, 7, 8}
	sub := s.SubShape(1, 3)
	if !sub.Equal(Shape{6, 7}) {
		t.Errorf("SubShape(1, 3) = %v", sub)
	}
	// Mutating the sub-shape must not touch the parent.
	sub[0] = 99
	if s[1] != 6 {
		t.Error("SubShape must copy")
	}
}

func TestShape_String(t *testing.T) {
	if got := (Shape{28, 28, 3}).String(); got != "[28 x 28 x 3]" {
		t.Errorf("String() = %q", got)
	}
}
