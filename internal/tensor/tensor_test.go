package tensor

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/stat"
)

// TestNew tests tensor creation
func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		shape    []int
		expected int
	}{
		{"1D", []int{5}, 5},
		{"2D", []int{3, 4}, 12},
		{"3D", []int{2, 3, 4}, 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := New(tt.shape)
			if err != nil {
				t.Fatalf("New(%v) failed: %v", tt.shape, err)
			}
			if !tensor.SameShape(tt.shape) {
				t.Errorf("Expected shape %v, got %v", tt.shape, tensor.Shape)
			}
			if tensor.NumElements() != tt.expected {
				t.Errorf("Expected %d elements, got %d", tt.expected, tensor.NumElements())
			}
			for i, v := range tensor.Data {
				if v != 0 {
					t.Errorf("Expected zero at index %d, got %f", i, v)
				}
			}
		})
	}
}

func TestNewNegativeDimension(t *testing.T) {
	if _, err := New([]int{2, -1}); err == nil {
		t.Fatal("expected error for negative dimension")
	}
}

func TestSizeOverflow(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
	}{
		{"wraps to zero", []int{1 << 32, 1 << 32, 1}},
		{"max int", []int{math.MaxInt, 2, 1}},
		{"above bound", []int{65536, 65536, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if n, err := Size(tt.shape); err == nil {
				t.Errorf("Size(%v) = %d, want error", tt.shape, n)
			}
			if _, err := New(tt.shape); err == nil {
				t.Errorf("New(%v) succeeded", tt.shape)
			}
			if _, err := FromSlice(nil, tt.shape); err == nil {
				t.Errorf("FromSlice(nil, %v) succeeded", tt.shape)
			}
		})
	}

	if n, err := Size([]int{MaxElements, 1}); err != nil || n != MaxElements {
		t.Errorf("Size at the bound = %d, %v", n, err)
	}
	if n, err := Size([]int{0, math.MaxInt}); err != nil || n != 0 {
		t.Errorf("Size with a zero dimension = %d, %v", n, err)
	}
}

// TestFromSlice tests creating tensor from slice
func TestFromSlice(t *testing.T) {
	tests := []struct {
		name      string
		data      []float32
		shape     []int
		wantErr   bool
		errString string
	}{
		{name: "valid 2D", data: []float32{1, 2, 3, 4, 5, 6}, shape: []int{2, 3}},
		{name: "valid 3D", data: []float32{1, 2, 3, 4, 5, 6, 7, 8}, shape: []int{2, 2, 2}},
		{
			name:      "size mismatch",
			data:      []float32{1, 2, 3},
			shape:     []int{2, 3},
			wantErr:   true,
			errString: "data size 3 does not match shape",
		},
		{
			name:      "negative dimension",
			data:      []float32{1, 2, 3, 4},
			shape:     []int{2, -2},
			wantErr:   true,
			errString: "invalid dimension",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := FromSlice(tt.data, tt.shape)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errString) {
					t.Errorf("Expected error containing %q, got %q", tt.errString, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			// FromSlice must copy
			tt.data[0] = 99
			if tensor.Data[0] == 99 {
				t.Error("FromSlice shares storage with the input slice")
			}
		})
	}
}

func TestAtAndRow(t *testing.T) {
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i)
	}
	tensor, err := FromSlice(data, []int{2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}

	v, err := tensor.At(1, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if v != 23 {
		t.Errorf("At(1,2,3) = %v, want 23", v)
	}

	row, err := tensor.Row(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(row) != 4 || row[0] != 12 || row[3] != 15 {
		t.Errorf("Row(1,0) = %v, want [12 13 14 15]", row)
	}

	// Row is a view: writes are visible in the tensor.
	row[0] = -1
	if v, _ := tensor.At(1, 0, 0); v != -1 {
		t.Errorf("write through Row not visible, At(1,0,0) = %v", v)
	}

	block, err := tensor.Row(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(block) != 12 {
		t.Errorf("Row(0) length = %d, want 12", len(block))
	}

	all, err := tensor.Row()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 24 {
		t.Errorf("Row() length = %d, want 24", len(all))
	}

	if _, err := tensor.At(2, 0, 0); err == nil {
		t.Error("expected out of range error")
	}
	if _, err := tensor.Row(0, 0, 0); err == nil {
		t.Error("expected error for full index passed to Row")
	}
}

func TestRandNStatistics(t *testing.T) {
	src := rand.NewPCG(1, 2)
	tensor, err := RandN([]int{100, 10, 100}, src)
	if err != nil {
		t.Fatal(err)
	}

	x := make([]float64, len(tensor.Data))
	for i, v := range tensor.Data {
		x[i] = float64(v)
	}
	mean, variance := stat.MeanVariance(x, nil)
	if math.Abs(mean) > 0.02 {
		t.Errorf("mean = %v, want ~0", mean)
	}
	if math.Abs(variance-1) > 0.03 {
		t.Errorf("variance = %v, want ~1", variance)
	}
}

func TestRandNDeterministicWithSource(t *testing.T) {
	a, err := RandN([]int{4, 4}, rand.NewPCG(7, 7))
	if err != nil {
		t.Fatal(err)
	}
	b, err := RandN([]int{4, 4}, rand.NewPCG(7, 7))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Error("same seed produced different tensors")
	}
}

func TestCloneIsDeep(t *testing.T) {
	a, _ := FromSlice([]float32{1, 2, 3}, []int{3})
	b := a.Clone()
	b.Data[0] = 42
	if a.Data[0] != 1 {
		t.Error("Clone shares storage")
	}
	if !a.SameShape(b.Shape) {
		t.Error("Clone changed shape")
	}
}
