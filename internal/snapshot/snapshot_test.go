package snapshot

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/tsingmao/qfilter/internal/qfilter"
	"github.com/tsingmao/qfilter/internal/tensor"
)

func newBank(t *testing.T, cfg qfilter.Config) *qfilter.Bank {
	t.Helper()
	b, _, err := qfilter.New(cfg, qfilter.WithSeed(11))
	if err != nil {
		t.Fatalf("qfilter.New: %v", err)
	}
	return b
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []qfilter.Config{
		{NumLayers: 1, NumKVHeads: 1, KVHeadDim: 1},
		{NumLayers: 2, NumKVHeads: 3, KVHeadDim: 5},
		{NumLayers: 32, NumKVHeads: 8, KVHeadDim: 128},
	}

	for _, cfg := range tests {
		bank := newBank(t, cfg)
		files, err := Encode(bank)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		for _, name := range []string{ConfigFile, WeightsFile, CardFile} {
			if _, ok := files[name]; !ok {
				t.Errorf("Encode did not produce %s", name)
			}
		}

		got, train, err := Decode(files)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Config() != cfg {
			t.Errorf("config = %+v, want %+v", got.Config(), cfg)
		}
		if !got.Weights().Equal(bank.Weights()) {
			t.Errorf("weights differ after round trip for %+v", cfg)
		}
		if got.Weights().NumElements() != cfg.NumElements() {
			t.Errorf("element count = %d, want %d", got.Weights().NumElements(), cfg.NumElements())
		}
		if !train.RequiresGrad() {
			t.Error("decoded bank does not require grad")
		}
	}
}

func TestSafetensorsHeaderAlignment(t *testing.T) {
	w, _ := tensor.FromSlice([]float32{1.5, -2}, []int{1, 1, 2})
	data, err := EncodeSafetensors(map[string]*tensor.Tensor{"x": w}, map[string]string{"format": "pt"})
	if err != nil {
		t.Fatal(err)
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n%8 != 0 {
		t.Errorf("header length %d is not 8-byte aligned", n)
	}
	if got := len(data) - 8 - int(n); got != 8 {
		t.Errorf("payload length = %d, want 8", got)
	}

	tensors, meta, err := DecodeSafetensors(data)
	if err != nil {
		t.Fatal(err)
	}
	if meta["format"] != "pt" {
		t.Errorf("metadata = %v", meta)
	}
	if !tensors["x"].Equal(w) {
		t.Errorf("decoded %v, want %v", tensors["x"].Data, w.Data)
	}
}

// buildSafetensors assembles a file by hand for dtype coverage.
func buildSafetensors(header string, payload []byte) []byte {
	buf := make([]byte, 8, 8+len(header)+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	return append(buf, payload...)
}

func TestDecodeSafetensorsDtypes(t *testing.T) {
	f16 := make([]byte, 4)
	binary.LittleEndian.PutUint16(f16[0:], 0x3c00) // 1.0
	binary.LittleEndian.PutUint16(f16[2:], 0xc000) // -2.0

	bf16 := make([]byte, 4)
	binary.LittleEndian.PutUint16(bf16[0:], uint16(math.Float32bits(0.5)>>16))
	binary.LittleEndian.PutUint16(bf16[2:], uint16(math.Float32bits(-4)>>16))

	f64 := make([]byte, 16)
	binary.LittleEndian.PutUint64(f64[0:], math.Float64bits(0.25))
	binary.LittleEndian.PutUint64(f64[8:], math.Float64bits(3))

	tests := []struct {
		dtype   string
		payload []byte
		want    []float32
	}{
		{"F16", f16, []float32{1, -2}},
		{"BF16", bf16, []float32{0.5, -4}},
		{"F64", f64, []float32{0.25, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.dtype, func(t *testing.T) {
			header := `{"x":{"dtype":"` + tt.dtype + `","shape":[2],"data_offsets":[0,` +
				strconv.Itoa(len(tt.payload)) + `]}}`
			tensors, _, err := DecodeSafetensors(buildSafetensors(header, tt.payload))
			if err != nil {
				t.Fatal(err)
			}
			got := tensors["x"].Data
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("element %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFloat16Special(t *testing.T) {
	if v := float32FromFloat16(0x0001); v != float32(math.Ldexp(1, -24)) {
		t.Errorf("smallest subnormal = %v", v)
	}
	if v := float32FromFloat16(0x7c00); !math.IsInf(float64(v), 1) {
		t.Errorf("0x7c00 = %v, want +Inf", v)
	}
	if v := float32FromFloat16(0x8000); v != 0 || !math.Signbit(float64(v)) {
		t.Errorf("0x8000 = %v, want -0", v)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	bank := newBank(t, qfilter.Config{NumLayers: 2, NumKVHeads: 2, KVHeadDim: 2})
	good, err := Encode(bank)
	if err != nil {
		t.Fatal(err)
	}

	clone := func() Files {
		out := make(Files, len(good))
		for k, v := range good {
			out[k] = append([]byte(nil), v...)
		}
		return out
	}

	tests := []struct {
		name   string
		mutate func(Files)
	}{
		{"missing config", func(f Files) { delete(f, ConfigFile) }},
		{"missing weights", func(f Files) { delete(f, WeightsFile) }},
		{"bad config json", func(f Files) { f[ConfigFile] = []byte("{") }},
		{"config shape mismatch", func(f Files) {
			f[ConfigFile] = []byte(`{"num_layers":2,"num_kv_heads":2,"kv_head_dim":3}`)
		}},
		{"zero dimension", func(f Files) {
			f[ConfigFile] = []byte(`{"num_layers":0,"num_kv_heads":2,"kv_head_dim":2}`)
		}},
		{"truncated weights", func(f Files) { f[WeightsFile] = f[WeightsFile][:len(f[WeightsFile])-3] }},
		{"short file", func(f Files) { f[WeightsFile] = []byte{1, 2} }},
		{"huge header", func(f Files) {
			binary.LittleEndian.PutUint64(f[WeightsFile][:8], math.MaxUint64)
		}},
		{"unknown dtype", func(f Files) {
			f[WeightsFile] = buildSafetensors(`{"q_filters":{"dtype":"I8","shape":[1,1,1],"data_offsets":[0,1]}}`, []byte{1})
		}},
		{"overflowing shape", func(f Files) {
			f[ConfigFile] = []byte(`{"num_layers":4294967296,"num_kv_heads":4294967296,"kv_head_dim":1}`)
			f[WeightsFile] = buildSafetensors(`{"q_filters":{"dtype":"F32","shape":[4294967296,4294967296,1],"data_offsets":[0,0]}}`, nil)
		}},
		{"overflowing tensor only", func(f Files) {
			f[WeightsFile] = buildSafetensors(`{"q_filters":{"dtype":"F32","shape":[2,2,2,4294967296,4294967296],"data_offsets":[0,0]}}`, nil)
		}},
		{"wrong tensor name", func(f Files) {
			f[WeightsFile] = buildSafetensors(`{"other":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`, make([]byte, 4))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := clone()
			tt.mutate(files)
			_, _, err := Decode(files)
			if !errors.Is(err, qfilter.ErrCorruptSnapshot) {
				t.Errorf("Decode error = %v, want ErrCorruptSnapshot", err)
			}
		})
	}
}

func TestCardMetadata(t *testing.T) {
	bank := newBank(t, qfilter.Config{NumLayers: 4, NumKVHeads: 2, KVHeadDim: 8})
	card, err := RenderCard(DefaultCardMetadata(), bank)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := ParseCard(card)
	if err != nil {
		t.Fatal(err)
	}
	if meta.LibraryName != LibraryName || meta.RepoURL != RepoURL {
		t.Errorf("metadata = %+v", meta)
	}
	if !strings.Contains(string(card), "Shape: (4, 2, 8)") {
		t.Errorf("card body missing shape:\n%s", card)
	}

	if _, err := ParseCard([]byte("# no front matter")); err == nil {
		t.Error("expected error for card without front matter")
	}
	if _, err := ParseCard([]byte("---\nlibrary_name: x\n")); err == nil {
		t.Error("expected error for unterminated front matter")
	}
}

func TestWriteReadDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bank")
	bank := newBank(t, qfilter.Config{NumLayers: 3, NumKVHeads: 2, KVHeadDim: 4})

	files, err := WriteDir(dir, bank)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Errorf("wrote %d files, want 3", len(files))
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}

	got, _, err := ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Weights().Equal(bank.Weights()) {
		t.Error("weights differ after WriteDir/ReadDir")
	}

	if _, _, err := ReadDir(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}
