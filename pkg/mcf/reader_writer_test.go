package mcf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fn func(w *Writer)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.mcf")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := NewWriter(f)
	require.NoError(t, err)
	fn(w)
	require.NoError(t, w.Finalise())
	require.NoError(t, f.Close())
	return path
}

func TestOpenReaderAtRoundTrip(t *testing.T) {
	t.Parallel()
	path := writeFile(t, func(w *Writer) {
		require.NoError(t, w.WriteSection(SectionModelInfo, ModelInfoVersion, []byte("model-info")))
		require.NoError(t, w.WriteSection(SectionTensorData, TensorDataVersion, []byte{1, 2, 3, 4, 5, 6}))
	})

	rf, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = rf.Close() }()
	st, err := rf.Stat()
	require.NoError(t, err)

	mf, err := OpenReaderAt(rf, st.Size())
	require.NoError(t, err)
	defer func() { require.NoError(t, mf.Close()) }()

	assert.False(t, mf.mmapped)
	assert.Equal(t, uint32(mcfHeaderSize), mf.Header.HeaderSize)
	assert.Equal(t, uint32(2), mf.Header.SectionCount)
	got, err := mf.Require(SectionModelInfo, ModelInfoVersion)
	require.NoError(t, err)
	assert.Equal(t, []byte("model-info"), got)

	_, err = mf.Require(SectionGraph, GraphVersion)
	require.ErrorIs(t, err, ErrMissingSection)
	_, err = mf.Require(SectionModelInfo, ModelInfoVersion+1)
	require.ErrorIs(t, err, ErrUnsupportedMinor)
}

func TestOpenMapsFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, func(w *Writer) {
		require.NoError(t, w.AddFlags(FlagQuantized))
		require.NoError(t, w.WriteSection(SectionGraph, GraphVersion, []byte(`{}`)))
	})
	mf, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, mf.Close()) }()
	assert.Equal(t, FlagQuantized, mf.Header.Flags)
	for _, s := range mf.Sections {
		assert.Zero(t, s.Offset%mcfAlign)
	}
}

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := MCFHeader{
		Magic:            [4]byte{'M', 'C', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       mcfHeaderSize,
		SectionCount:     7,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [mcfHeaderSize]byte
	require.True(t, encodeHeader(hdrRaw[:], h))
	assert.Equal(t, []byte{0x22, 0x11}, hdrRaw[4:6], "major is little-endian")
	assert.Equal(t, byte(0x08), hdrRaw[16])
	assert.Equal(t, byte(0x01), hdrRaw[23])
	decodedH, ok := decodeHeader(hdrRaw[:])
	require.True(t, ok)
	assert.Equal(t, h, decodedH)

	s := MCFSection{Type: 0x11223344, Version: 0x55667788, Offset: 0x0102030405060708, Size: 0x1112131415161718}
	var secRaw [mcfSectionSize]byte
	require.True(t, encodeSection(secRaw[:], s))
	assert.Equal(t, byte(0x44), secRaw[0])
	assert.Equal(t, byte(0x11), secRaw[3])
	decodedS, ok := decodeSection(secRaw[:])
	require.True(t, ok)
	assert.Equal(t, s, decodedS)
}

func TestParseRejectsCorruption(t *testing.T) {
	t.Parallel()
	path := writeFile(t, func(w *Writer) {
		require.NoError(t, w.WriteSection(SectionGraph, GraphVersion, []byte(`{"name":"m"}`)))
	})
	good, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = Parse(good)
	require.NoError(t, err)

	badMagic := bytes.Clone(good)
	badMagic[0] = 'X'
	_, err = Parse(badMagic)
	require.ErrorIs(t, err, ErrInvalidMagic)

	badMajor := bytes.Clone(good)
	binary.LittleEndian.PutUint16(badMajor[4:6], CurrentMajor+1)
	_, err = Parse(badMajor)
	require.ErrorIs(t, err, ErrUnsupportedMajor)

	_, err = Parse(good[:len(good)-1])
	require.ErrorIs(t, err, ErrCorruptFile)

	// Point the only section past the end of the file.
	outOfBounds := bytes.Clone(good)
	dir := binary.LittleEndian.Uint64(outOfBounds[16:24])
	binary.LittleEndian.PutUint64(outOfBounds[dir+16:dir+24], uint64(len(good)))
	_, err = Parse(outOfBounds)
	require.ErrorIs(t, err, ErrCorruptFile)
}

func TestWriterRejectsMisuse(t *testing.T) {
	t.Parallel()
	f, err := os.Create(filepath.Join(t.TempDir(), "m.mcf"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	w, err := NewWriter(f)
	require.NoError(t, err)

	require.Error(t, w.Finalise(), "empty container")
	w, err = NewWriter(f)
	require.NoError(t, err)

	sw, err := w.BeginSection(SectionTensorData, TensorDataVersion)
	require.NoError(t, err)
	require.ErrorIs(t, w.WriteSection(SectionGraph, GraphVersion, nil), errSectionOpen)
	require.ErrorIs(t, w.Finalise(), errSectionOpen)
	require.NoError(t, sw.End())
	_, err = sw.Write([]byte{1})
	require.ErrorIs(t, err, errSectionInactive)
	require.ErrorContains(t, w.WriteSection(SectionTensorData, TensorDataVersion, nil), "duplicate")
	require.NoError(t, w.Finalise())
	require.ErrorIs(t, w.Finalise(), errWriterFinalised)
}

func TestTensorIndexAndData(t *testing.T) {
	t.Parallel()
	weights := []byte{0x21, 0x43, 0x65, 0x07}
	var records []TensorIndexRecord
	path := writeFile(t, func(w *Writer) {
		tw, err := w.BeginTensorData()
		require.NoError(t, err)
		require.NoError(t, tw.Add("w", DTypeI4, []uint64{2, 4}, weights))
		require.NoError(t, tw.Add("w_copy", DTypeI4, []uint64{2, 4}, bytes.Clone(weights)))
		require.NoError(t, tw.Add("pad_value", DTypeF32, nil, []byte{0, 0, 0x80, 0xff}))
		require.Error(t, tw.Add("short", DTypeF32, []uint64{2}, []byte{1, 2, 3}))
		assert.Equal(t, uint64(len(weights)), tw.Deduplicated())
		records, err = tw.Finish()
		require.NoError(t, err)

		idx, err := EncodeTensorIndexSection(records)
		require.NoError(t, err)
		require.NoError(t, w.WriteSection(SectionTensorIndex, TensorIndexVersion, idx))
	})
	require.Len(t, records, 3)
	assert.Equal(t, records[0].DataOff, records[1].DataOff, "identical payloads share a range")
	assert.Zero(t, records[0].DataOff%TensorDataAlign)

	mf, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, mf.Close()) }()
	sec, err := mf.Require(SectionTensorIndex, TensorIndexVersion)
	require.NoError(t, err)
	ti, err := ParseTensorIndexSection(sec)
	require.NoError(t, err)
	require.Equal(t, 3, ti.Count())

	name, err := ti.Name(0)
	require.NoError(t, err)
	assert.Equal(t, "pad_value", name, "entries are sorted by name")

	i, ok := ti.Find("w")
	require.True(t, ok)
	shape, err := ti.Shape(i)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 4}, shape)
	data, err := ti.TensorData(mf, i)
	require.NoError(t, err)
	assert.Equal(t, weights, data)

	i, ok = ti.Find("pad_value")
	require.True(t, ok)
	shape, err = ti.Shape(i)
	require.NoError(t, err)
	assert.Empty(t, shape)

	_, ok = ti.Find("missing")
	assert.False(t, ok)
}

func TestTensorIndexRejectsDuplicates(t *testing.T) {
	t.Parallel()
	_, err := EncodeTensorIndexSection([]TensorIndexRecord{
		{Name: "a", DType: DTypeF32}, {Name: "a", DType: DTypeF32},
	})
	require.ErrorContains(t, err, "duplicate")
}

func TestQuantInfoRoundTrip(t *testing.T) {
	t.Parallel()
	records := []QuantRecord{
		{Tensor: 3, Bits: 8, Axis: -1, Scale: []float64{0.0784313725490196}, ZeroPoint: []int64{128}},
		{Tensor: 1, Bits: 4, Flags: QuantFlagSymmetric | QuantFlagChannelwise, Axis: 3,
			Scale: []float64{0.5, 0.25, 1e-9}, ZeroPoint: []int64{0, 0, 0}},
		{Tensor: 2, Bits: 64, Flags: QuantFlagSymmetric | QuantFlagChannelwise, Axis: 0,
			Scale: []float64{1e-6, 2e-6, 3e-6}, ZeroPoint: []int64{0, 0, 0}},
	}
	b, err := EncodeQuantInfoSection(records)
	require.NoError(t, err)
	assert.Zero(t, len(b)%8)

	got, err := ParseQuantInfoSection(b)
	require.NoError(t, err)
	if diff := cmp.Diff(records, got); diff != "" {
		t.Fatalf("quant records mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got[1].Symmetric())
	assert.True(t, got[1].Channelwise())

	_, err = ParseQuantInfoSection(b[:len(b)-8])
	require.ErrorIs(t, err, ErrCorruptFile)

	binary.LittleEndian.PutUint32(b[0:4], 1)
	_, err = ParseQuantInfoSection(b)
	require.ErrorIs(t, err, ErrUnsupportedMinor)
}

func TestQuantInfoRejectsInvalidRecords(t *testing.T) {
	t.Parallel()
	cases := map[string]QuantRecord{
		"bits":          {Bits: 3, Axis: -1, Scale: []float64{1}, ZeroPoint: []int64{0}},
		"zero scale":    {Bits: 8, Axis: -1, Scale: []float64{0}, ZeroPoint: []int64{0}},
		"axis mismatch": {Bits: 8, Axis: 0, Scale: []float64{1}, ZeroPoint: []int64{0}},
		"length":        {Bits: 8, Flags: QuantFlagChannelwise, Axis: 0, Scale: []float64{1, 2}, ZeroPoint: []int64{0}},
	}
	for name, r := range cases {
		_, err := EncodeQuantInfoSection([]QuantRecord{r})
		require.True(t, errors.Is(err, errBadQuantInfo), name)
	}
}

func TestGraphSection(t *testing.T) {
	t.Parallel()
	g := &Graph{
		Name: "m",
		Tensors: []GraphTensor{
			{Name: "x", Shape: []int{1, 4}, DType: "f32"},
			{Name: "w", Shape: []int{4, 4}, DType: "i8", Constant: true},
			{Name: "y", Shape: []int{1, 4}, DType: "f32"},
		},
		Operators: []GraphOperator{{Kind: "FULLY_CONNECTED", Inputs: []int{0, 1, -1}, Outputs: []int{2}}},
		Inputs:    []int{0},
		Outputs:   []int{2},
	}
	b, err := EncodeGraphSection(g)
	require.NoError(t, err)
	got, err := ParseGraphSection(b)
	require.NoError(t, err)
	assert.Equal(t, g.Tensors, got.Tensors)
	assert.Equal(t, []int{0, 1, -1}, got.Operators[0].Inputs)

	g.Outputs = []int{7}
	_, err = EncodeGraphSection(g)
	require.ErrorContains(t, err, "graph output")

	_, err = ParseGraphSection([]byte(`{"tensors":[],"operators":[{"kind":"ADD","inputs":[0],"outputs":[]}]}`))
	require.ErrorIs(t, err, ErrCorruptFile)
}

func TestModelInfo(t *testing.T) {
	t.Parallel()
	mi := &ModelInfo{Name: "m", Producer: "mantleq", Recipe: "default_a8w8", Extras: map[string]string{"k": "v"}}
	b, err := EncodeModelInfo(mi)
	require.NoError(t, err)
	got, err := ParseModelInfo(b)
	require.NoError(t, err)
	assert.Equal(t, mi.Recipe, got.Recipe)
	assert.Equal(t, mi.Extras, got.Extras)
}
