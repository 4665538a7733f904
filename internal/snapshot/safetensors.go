package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/tsingmao/qfilter/internal/qfilter"
	"github.com/tsingmao/qfilter/internal/tensor"
)

const (
	// maxHeaderSize bounds the JSON header so a corrupt length prefix cannot
	// trigger a huge allocation.
	maxHeaderSize = 100 * 1024 * 1024

	metadataKey = "__metadata__"
)

// TensorInfo describes one entry of a safetensors header.
type TensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// EncodeSafetensors serializes named float32 tensors in the safetensors
// layout: an 8-byte little-endian header length, a JSON header, then the raw
// little-endian payload. Tensors are laid out in name order.
func EncodeSafetensors(tensors map[string]*tensor.Tensor, metadata map[string]string) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return nil, fmt.Errorf("tensor name %q is reserved", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		t := tensors[name]
		size := int64(4 * len(t.Data))
		header[name] = TensorInfo{
			Dtype:       "F32",
			Shape:       t.Shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal safetensors header: %w", err)
	}
	// Pad the header with spaces so the payload starts 8-byte aligned.
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	buf := make([]byte, 8+len(headerBytes)+int(offset))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(headerBytes)))
	copy(buf[8:], headerBytes)

	pos := 8 + len(headerBytes)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf[pos:pos+4], math.Float32bits(v))
			pos += 4
		}
	}
	return buf, nil
}

// DecodeSafetensors parses a safetensors file into float32 tensors plus the
// string metadata. F32, F16, BF16 and F64 payloads are accepted and widened
// or narrowed to float32. All failures wrap qfilter.ErrCorruptSnapshot.
func DecodeSafetensors(data []byte) (map[string]*tensor.Tensor, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, corrupt("file too short (%d bytes)", len(data))
	}

	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > maxHeaderSize || headerSize > uint64(len(data)-8) {
		return nil, nil, corrupt("header size %d exceeds file size %d", headerSize, len(data))
	}
	headerBytes := data[8 : 8+headerSize]
	payload := data[8+headerSize:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, nil, corrupt("failed to parse header: %v", err)
	}

	var metadata map[string]string
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, nil, corrupt("failed to parse metadata: %v", err)
		}
		delete(raw, metadataKey)
	}

	tensors := make(map[string]*tensor.Tensor, len(raw))
	for name, msg := range raw {
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, nil, corrupt("tensor %s: invalid header entry: %v", name, err)
		}
		t, err := decodeTensor(name, info, payload)
		if err != nil {
			return nil, nil, err
		}
		tensors[name] = t
	}
	return tensors, metadata, nil
}

func decodeTensor(name string, info TensorInfo, payload []byte) (*tensor.Tensor, error) {
	numElements, err := tensor.Size(info.Shape)
	if err != nil {
		return nil, corrupt("tensor %s: %v", name, err)
	}

	width, err := dtypeWidth(info.Dtype)
	if err != nil {
		return nil, corrupt("tensor %s: %v", name, err)
	}

	start, end := info.DataOffsets[0], info.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(payload)) {
		return nil, corrupt("tensor %s: data offsets [%d, %d) outside payload of %d bytes",
			name, start, end, len(payload))
	}
	if end-start != int64(numElements)*int64(width) {
		return nil, corrupt("tensor %s: %d bytes for %d %s elements",
			name, end-start, numElements, info.Dtype)
	}

	b := payload[start:end]
	out := make([]float32, numElements)
	switch info.Dtype {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
	case "F64":
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:])))
		}
	case "F16":
		for i := range out {
			out[i] = float32FromFloat16(binary.LittleEndian.Uint16(b[i*2:]))
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(b[i*2:])) << 16)
		}
	}

	t, err := tensor.FromSlice(out, info.Shape)
	if err != nil {
		return nil, corrupt("tensor %s: %v", name, err)
	}
	return t, nil
}

func dtypeWidth(dtype string) (int, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F64":
		return 8, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

// float32FromFloat16 converts IEEE 754 half precision bits to float32.
func float32FromFloat16(bits uint16) float32 {
	sign := uint32(bits>>15) & 0x1
	exp := uint32(bits>>10) & 0x1f
	mant := uint32(bits) & 0x3ff

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign << 31)
	case exp == 0:
		// Subnormal: normalize the mantissa.
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3ff
	case exp == 0x1f:
		return math.Float32frombits(sign<<31 | 0xff<<23 | mant<<13)
	}

	return math.Float32frombits(sign<<31 | (exp+127-15)<<23 | mant<<13)
}

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", qfilter.ErrCorruptSnapshot, fmt.Sprintf(format, args...))
}
