package safetensors

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/mantleq/internal/graph"
)

// writeRaw writes a header followed by dataLen zero bytes.
func writeRaw(t *testing.T, path string, header map[string]any, dataLen int) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	buf := make([]byte, 8, 8+len(headerBytes)+dataLen)
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, make([]byte, dataLen)...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	in := []Tensor{
		{Name: "fc.weight", DType: graph.F32, Shape: []int{2, 2}, Values: []float32{1, -2, 3.5, 4}},
		{Name: "fc.bias", DType: graph.F16, Shape: []int{2}, Values: []float32{0.5, -0.25}},
		{Name: "emb", DType: graph.BF16, Shape: []int{3}, Values: []float32{1, 2, -4}},
	}
	if err := Write(path, in, map[string]string{"format": "pt"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := f.Metadata["format"]; got != "pt" {
		t.Fatalf("metadata: got %q", got)
	}
	names := f.Names()
	want := []string{"emb", "fc.bias", "fc.weight"}
	if len(names) != len(want) {
		t.Fatalf("names: got %v want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names: got %v want %v", names, want)
		}
	}

	for _, tt := range in {
		vals, info, err := f.ReadTensorF32(tt.Name)
		if err != nil {
			t.Fatalf("ReadTensorF32(%s): %v", tt.Name, err)
		}
		if info.DType != tt.DType {
			t.Fatalf("%s: dtype %s want %s", tt.Name, info.DType, tt.DType)
		}
		for i, v := range tt.Values {
			if vals[i] != v {
				t.Fatalf("%s[%d]: got %v want %v", tt.Name, i, vals[i], v)
			}
		}
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.safetensors")); err == nil {
		t.Fatal("expected error for nonexistent file")
	}

	short := filepath.Join(dir, "short.safetensors")
	if err := os.WriteFile(short, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(short); err == nil {
		t.Fatal("expected error for truncated file")
	}

	huge := filepath.Join(dir, "huge.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	if err := os.WriteFile(huge, lenBuf[:], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(huge); err == nil {
		t.Fatal("expected error for oversized header length")
	}

	badJSON := filepath.Join(dir, "bad_json.safetensors")
	buf := make([]byte, 8, 20)
	binary.LittleEndian.PutUint64(buf, 12)
	buf = append(buf, "not valid js"...)
	if err := os.WriteFile(badJSON, buf, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(badJSON); err == nil {
		t.Fatal("expected error for invalid JSON header")
	}

	cases := map[string][]int64{
		"one_offset": {0},
		"inverted":   {8, 4},
		"past_end":   {0, 64},
	}
	for name, offsets := range cases {
		path := filepath.Join(dir, name+".safetensors")
		writeRaw(t, path, map[string]any{
			"t": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": offsets},
		}, 8)
		if _, err := Open(path); err == nil {
			t.Fatalf("%s: expected error for data_offsets %v", name, offsets)
		}
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "mixed.safetensors")
	writeRaw(t, path, map[string]any{
		"ids":   map[string]any{"dtype": "I64", "shape": []int{1}, "data_offsets": []int64{0, 8}},
		"short": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{8, 16}},
	}, 16)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := f.ReadTensor("nonexistent"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
	if _, _, err := f.ReadTensorF32("ids"); err == nil {
		t.Fatal("expected error for integer tensor")
	}
	if _, _, err := f.ReadTensorF32("short"); err == nil {
		t.Fatal("expected error for size mismatch")
	}
}
