package quantizer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/mantleq/internal/mcfstore"
	"github.com/samcharles93/mantleq/pkg/mcf"
)

var ErrOutputExists = errors.New("quantizer: output file exists")

// OutputName returns <model>_<recipe>.mcf for a model path and recipe name.
func OutputName(modelPath, recipeName string) string {
	base := strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))
	return base + "_" + recipeName + ".mcf"
}

// Export writes the last quantization result to path. An existing file is
// only replaced when overwrite is set.
func (q *Quantizer) Export(path string, overwrite bool) (mcfstore.SaveStats, error) {
	if q.result == nil {
		return mcfstore.SaveStats{}, ErrNotQuantized
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return mcfstore.SaveStats{}, fmt.Errorf("%w: %s", ErrOutputExists, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return mcfstore.SaveStats{}, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return mcfstore.SaveStats{}, fmt.Errorf("quantizer: %w", err)
	}

	info := &mcf.ModelInfo{
		Name:      q.model.Name,
		Source:    q.source,
		Recipe:    q.recipe.Name,
		Algorithm: strings.Join(q.result.Algorithms, ","),
	}
	if n := len(q.result.Diagnostics); n > 0 {
		info.Extras = map[string]string{"float_tensors": fmt.Sprint(n)}
	}
	stats, err := mcfstore.Save(path, q.result.Model, info)
	if err != nil {
		return stats, err
	}
	q.log.Info("model exported", "path", path, "bytes", stats.FileSize, "quantized_tensors", stats.Quantized)
	return stats, nil
}
