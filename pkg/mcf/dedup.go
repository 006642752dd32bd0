package mcf

import (
	"bytes"
	"crypto/sha256"
	"slices"
)

type dedupKey struct {
	Sum   [32]byte
	DType TensorDType
	Size  uint64
}

type dedupEntry struct {
	Off   uint64
	Shape []uint64
	Data  []byte
}

// tensorDeduper remembers payloads already written to the tensor data
// section so identical buffers share one range.
type tensorDeduper struct {
	seen  map[dedupKey][]dedupEntry
	saved uint64
}

func newTensorDeduper() *tensorDeduper {
	return &tensorDeduper{seen: make(map[dedupKey][]dedupEntry)}
}

func (d *tensorDeduper) key(dtype TensorDType, data []byte) dedupKey {
	return dedupKey{Sum: sha256.Sum256(data), DType: dtype, Size: uint64(len(data))}
}

// FindMatch returns the offset of an earlier byte-identical payload with the
// same dtype and shape.
func (d *tensorDeduper) FindMatch(k dedupKey, shape []uint64, data []byte) (uint64, bool) {
	for _, c := range d.seen[k] {
		if slices.Equal(c.Shape, shape) && bytes.Equal(c.Data, data) {
			d.saved += k.Size
			return c.Off, true
		}
	}
	return 0, false
}

func (d *tensorDeduper) Add(k dedupKey, off uint64, shape []uint64, data []byte) {
	d.seen[k] = append(d.seen[k], dedupEntry{Off: off, Shape: slices.Clone(shape), Data: data})
}
