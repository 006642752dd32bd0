package mcf

import (
	"fmt"
)

// TensorDataVersion is the on-disk version of the tensor data section.
const TensorDataVersion uint32 = 1

// TensorDataAlign is the alignment of every tensor payload.
const TensorDataAlign = 64

// TensorDataWriter streams constant tensors into the tensor data section and
// collects their index records.
type TensorDataWriter struct {
	sw      *SectionWriter
	dedup   *tensorDeduper
	records []TensorIndexRecord
}

// BeginTensorData opens the tensor data section.
func (w *Writer) BeginTensorData() (*TensorDataWriter, error) {
	sw, err := w.BeginSection(SectionTensorData, TensorDataVersion)
	if err != nil {
		return nil, err
	}
	return &TensorDataWriter{sw: sw, dedup: newTensorDeduper()}, nil
}

// Add writes one tensor payload. data must hold exactly the packed elements
// of shape and must not change until the container is finalised.
func (tw *TensorDataWriter) Add(name string, dtype TensorDType, shape []uint64, data []byte) error {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	if want := dtype.ByteLen(n); uint64(len(data)) != want {
		return fmt.Errorf("mcf: tensor %q: %d bytes for %d %s elements, want %d", name, len(data), n, dtype, want)
	}

	rec := TensorIndexRecord{Name: name, DType: dtype, Shape: shape, DataSize: uint64(len(data))}
	k := tw.dedup.key(dtype, data)
	if off, ok := tw.dedup.FindMatch(k, shape, data); ok {
		rec.DataOff = off
		tw.records = append(tw.records, rec)
		return nil
	}

	if err := tw.sw.Align(TensorDataAlign); err != nil {
		return err
	}
	off, err := tw.sw.Offset()
	if err != nil {
		return err
	}
	if _, err := tw.sw.Write(data); err != nil {
		return fmt.Errorf("mcf: write tensor %q: %w", name, err)
	}
	rec.DataOff = off
	tw.dedup.Add(k, off, shape, data)
	tw.records = append(tw.records, rec)
	return nil
}

// Deduplicated returns the number of payload bytes that were shared instead
// of written.
func (tw *TensorDataWriter) Deduplicated() uint64 {
	return tw.dedup.saved
}

// Finish closes the section and returns the index records in insertion order.
func (tw *TensorDataWriter) Finish() ([]TensorIndexRecord, error) {
	if err := tw.sw.End(); err != nil {
		return nil, err
	}
	return tw.records, nil
}
