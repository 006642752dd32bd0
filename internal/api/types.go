package api

import (
	"github.com/goccy/go-json"

	"github.com/samcharles93/mantleq/internal/materialize"
)

// Job states.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// QuantizeRequest is the body of POST /v1/quantize.
type QuantizeRequest struct {
	Model string `json:"model"`
	// Weights is an optional safetensors checkpoint loaded over the model's
	// constants.
	Weights string `json:"weights,omitempty"`
	// Recipe is a built-in recipe name or a recipe file path.
	Recipe string `json:"recipe,omitempty"`
	// Rules is an inline recipe in the recipe file format.
	Rules              json.RawMessage `json:"rules,omitempty"`
	Output             string          `json:"output,omitempty"`
	OutputDir          string          `json:"output_dir,omitempty"`
	Overwrite          bool            `json:"overwrite,omitempty"`
	CalibrationSamples int             `json:"calibration_samples,omitempty"`
	Seed               int64           `json:"seed,omitempty"`
	ValidationSamples  int             `json:"validation_samples,omitempty"`
}

// JobResult summarises a finished quantization.
type JobResult struct {
	Output      string                   `json:"output"`
	FileSize    int64                    `json:"file_size"`
	Operators   int                      `json:"operators"`
	Directives  int                      `json:"directives"`
	Diagnostics []materialize.Diagnostic `json:"diagnostics,omitempty"`
	OutputMSE   map[string]float64       `json:"output_mse,omitempty"`
}

// Job is one quantization run.
type Job struct {
	ID          string          `json:"id"`
	Object      string          `json:"object"`
	Status      string          `json:"status"`
	CreatedAt   int64           `json:"created_at"`
	StartedAt   *int64          `json:"started_at,omitempty"`
	CompletedAt *int64          `json:"completed_at,omitempty"`
	Request     QuantizeRequest `json:"request"`
	Result      *JobResult      `json:"result,omitempty"`
	Error       *ErrorBody      `json:"error,omitempty"`
}

// Done reports whether the job reached a final state.
func (j *Job) Done() bool {
	switch j.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type RecipeInfo struct {
	Name  string          `json:"name"`
	Rules json.RawMessage `json:"rules"`
}

type ListResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}
