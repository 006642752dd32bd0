package quantizer

import (
	"fmt"
	"slices"

	"github.com/samcharles93/mantleq/internal/safetensors"
)

// LoadWeights replaces float constants of the model with the same-named
// tensors of a safetensors checkpoint. Checkpoint tensors the graph does not
// hold are skipped. It returns the number of constants replaced.
func (q *Quantizer) LoadWeights(path string) (int, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return 0, err
	}
	var replaced int
	var skipped []string
	for _, name := range f.Names() {
		t, ok := q.model.TensorIndex(name)
		if !ok {
			skipped = append(skipped, name)
			continue
		}
		tt := q.model.Tensors[t]
		info := f.Tensors[name]
		if !slices.Equal(info.Shape, tt.Shape) {
			return replaced, fmt.Errorf("quantizer: weights %s: shape %v does not match graph shape %v", name, info.Shape, tt.Shape)
		}
		vals, _, err := f.ReadTensorF32(name)
		if err != nil {
			return replaced, err
		}
		if err := q.model.SetFloat32(t, vals); err != nil {
			return replaced, fmt.Errorf("quantizer: %w", err)
		}
		replaced++
	}
	if len(skipped) > 0 {
		q.log.Warn("checkpoint tensors not in graph", "count", len(skipped), "tensors", skipped)
	}
	q.result = nil
	q.log.Info("weights loaded", "path", path, "tensors", replaced)
	return replaced, nil
}
