package mcf

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ModelInfoVersion is the on-disk version of the model info payload.
const ModelInfoVersion uint32 = 2

// ModelInfo describes where a container came from.
type ModelInfo struct {
	Name     string    `json:"name"`
	Producer string    `json:"producer,omitempty"`
	Created  time.Time `json:"created"`
	// Source is the float model a quantized container was derived from.
	Source    string            `json:"source,omitempty"`
	Recipe    string            `json:"recipe,omitempty"`
	Algorithm string            `json:"algorithm,omitempty"`
	Extras    map[string]string `json:"extras,omitempty"`
}

// EncodeModelInfo serialises mi.
func EncodeModelInfo(mi *ModelInfo) ([]byte, error) {
	if mi == nil {
		return nil, fmt.Errorf("mcf: nil model info")
	}
	return json.Marshal(mi)
}

// ParseModelInfo decodes a model info payload.
func ParseModelInfo(data []byte) (*ModelInfo, error) {
	var mi ModelInfo
	if err := json.Unmarshal(data, &mi); err != nil {
		return nil, fmt.Errorf("%w: model info: %v", ErrCorruptFile, err)
	}
	return &mi, nil
}
