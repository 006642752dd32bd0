package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/mantleq/internal/graph"
	"github.com/samcharles93/mantleq/internal/logger"
	"github.com/samcharles93/mantleq/internal/mcfstore"
)

func newTestServer(run Runner) (*Server, *echo.Echo) {
	server := NewServer(NewJobStore(), run, logger.Discard())
	e := echo.New()
	server.Register(e)
	return server, e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestQuantizeJobLifecycle(t *testing.T) {
	t.Parallel()

	var got QuantizeRequest
	server, e := newTestServer(func(ctx context.Context, req QuantizeRequest) (*JobResult, error) {
		got = req
		return &JobResult{Output: "out.mcf", Operators: 3}, nil
	})

	rec := doJSON(t, e, http.MethodPost, "/v1/quantize", `{"model":"m.mcf","recipe":"default_a8w8","seed":7}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBody[Job](t, rec)
	if !strings.HasPrefix(created.ID, "job_") {
		t.Fatalf("unexpected job id %q", created.ID)
	}
	server.Wait()

	if got.Model != "m.mcf" || got.Recipe != "default_a8w8" || got.Seed != 7 {
		t.Fatalf("runner got %+v", got)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/jobs/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", rec.Code, rec.Body.String())
	}
	job := decodeBody[Job](t, rec)
	if job.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %q", job.Status)
	}
	if job.Result == nil || job.Result.Output != "out.mcf" || job.Result.Operators != 3 {
		t.Fatalf("unexpected result %+v", job.Result)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatalf("expected start and completion times")
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/jobs", "")
	list := decodeBody[ListResponse[Job]](t, rec)
	if len(list.Data) != 1 || list.Data[0].ID != created.ID {
		t.Fatalf("unexpected job list %+v", list)
	}
}

func TestFailedJob(t *testing.T) {
	t.Parallel()

	server, e := newTestServer(func(ctx context.Context, req QuantizeRequest) (*JobResult, error) {
		return nil, errors.New("recipe: no built-in recipe \"nope\"")
	})
	rec := doJSON(t, e, http.MethodPost, "/v1/quantize", `{"model":"m.mcf","recipe":"nope"}`)
	created := decodeBody[Job](t, rec)
	server.Wait()

	job := decodeBody[Job](t, doJSON(t, e, http.MethodGet, "/v1/jobs/"+created.ID, ""))
	if job.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", job.Status)
	}
	if job.Error == nil || !strings.Contains(job.Error.Message, "nope") {
		t.Fatalf("unexpected error %+v", job.Error)
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	server, e := newTestServer(func(ctx context.Context, req QuantizeRequest) (*JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	created := decodeBody[Job](t, doJSON(t, e, http.MethodPost, "/v1/quantize", `{"model":"m.mcf","recipe":"default_a8w8"}`))

	rec := doJSON(t, e, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status: got %d body=%s", rec.Code, rec.Body.String())
	}
	server.Wait()

	job := decodeBody[Job](t, doJSON(t, e, http.MethodGet, "/v1/jobs/"+created.ID, ""))
	if job.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %q", job.Status)
	}
	if job.Error != nil {
		t.Fatalf("cancelled job should not carry an error: %+v", job.Error)
	}
}

func TestCancelFinishedJobConflicts(t *testing.T) {
	t.Parallel()

	server, e := newTestServer(func(ctx context.Context, req QuantizeRequest) (*JobResult, error) {
		return &JobResult{Output: "out.mcf"}, nil
	})
	created := decodeBody[Job](t, doJSON(t, e, http.MethodPost, "/v1/quantize", `{"model":"m.mcf","recipe":"default_a8w8"}`))
	server.Wait()

	rec := doJSON(t, e, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]ErrorBody](t, rec)
	if body["error"].Type != "conflict_error" || !strings.Contains(body["error"].Message, "succeeded") {
		t.Fatalf("unexpected error body %+v", body)
	}

	job, err := server.store.Cancel(created.ID, server.clock())
	if !errors.Is(err, ErrJobFinished) {
		t.Fatalf("expected ErrJobFinished, got %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Fatalf("finished job changed status to %q", job.Status)
	}
	if _, err := server.store.Get("job_missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestQuantizeValidationErrors(t *testing.T) {
	t.Parallel()

	_, e := newTestServer(func(ctx context.Context, req QuantizeRequest) (*JobResult, error) {
		t.Error("runner must not be called")
		return nil, nil
	})
	cases := []struct {
		body  string
		want  string
		param string
	}{
		{``, "request body is empty", ""},
		{`{"recipe":"default_a8w8"}`, "model is required", "model"},
		{`{"model":"m.mcf"}`, "one of recipe or rules is required", "recipe"},
		{`{"model":"m.mcf","recipe":"default_a8w8","rules":[]}`, "mutually exclusive", ""},
		{`{"model":"m.mcf","recipe":"r","output":"a","output_dir":"b"}`, "mutually exclusive", "output_dir"},
		{`{"model":"m.mcf","recipe":"r","validation_samples":-1}`, "must not be negative", "validation_samples"},
		{`{"model":"m.mcf","recipe":"r","bogus":1}`, "bogus", ""},
	}
	for _, tc := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/quantize", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", tc.body, rec.Code, rec.Body.String())
		}
		body := decodeBody[map[string]ErrorBody](t, rec)
		if !strings.Contains(body["error"].Message, tc.want) || body["error"].Type != "invalid_request_error" {
			t.Fatalf("%s: body %s does not mention %q", tc.body, rec.Body.String(), tc.want)
		}
		if tc.param != "" && body["error"].Param != tc.param {
			t.Fatalf("%s: param %q, want %q", tc.body, body["error"].Param, tc.param)
		}
	}
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()

	_, e := newTestServer(nil)
	for _, path := range []string{"/v1/jobs/job_missing"} {
		rec := doJSON(t, e, http.MethodGet, path, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/jobs/job_missing/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on cancel, got %d", rec.Code)
	}
}

func TestListRecipes(t *testing.T) {
	t.Parallel()

	_, e := newTestServer(nil)
	rec := doJSON(t, e, http.MethodGet, "/v1/recipes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	list := decodeBody[ListResponse[RecipeInfo]](t, rec)
	var names []string
	for _, r := range list.Data {
		names = append(names, r.Name)
		if len(r.Rules) == 0 {
			t.Fatalf("recipe %s has no rules", r.Name)
		}
	}
	want := "default_a16w8,default_a8w8,dynamic_wi8_afp32,weight_only_wi4_afp32"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("recipes: got %s want %s", got, want)
	}
}

func TestRunQuantizationEndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := &graph.Model{Name: "relu_fc"}
	x := m.AddActivation("x", []int{1, 4})
	w := m.AddConstant("w", []int{2, 4}, []float32{0.5, -0.5, 0.25, 1, -1, 0.75, 0.5, 0.125})
	h := m.AddActivation("h", []int{1, 2})
	y := m.AddActivation("y", []int{1, 2})
	m.AddOperator(&graph.Operator{Kind: graph.FullyConnected, Inputs: []int{x, w, -1}, Outputs: []int{h}})
	m.AddOperator(&graph.Operator{Kind: graph.Relu, Inputs: []int{h}, Outputs: []int{y}})
	m.Inputs, m.Outputs = []int{x}, []int{y}
	model := filepath.Join(dir, "relu_fc.mcf")
	if _, err := mcfstore.Save(model, m, nil); err != nil {
		t.Fatalf("save model: %v", err)
	}

	server, e := newTestServer(nil)
	body := `{"model":"` + model + `","recipe":"default_a8w8","calibration_samples":16,"validation_samples":4}`
	created := decodeBody[Job](t, doJSON(t, e, http.MethodPost, "/v1/quantize", body))
	server.Wait()

	job := decodeBody[Job](t, doJSON(t, e, http.MethodGet, "/v1/jobs/"+created.ID, ""))
	if job.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %q (%+v)", job.Status, job.Error)
	}
	want := filepath.Join(dir, "relu_fc_default_a8w8.mcf")
	if job.Result.Output != want {
		t.Fatalf("output: got %s want %s", job.Result.Output, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if job.Result.Operators != 2 {
		t.Fatalf("expected 2 materialized operators, got %d", job.Result.Operators)
	}
	if mse, ok := job.Result.OutputMSE["y"]; !ok || mse > 1e-3 {
		t.Fatalf("unexpected output mse %v", job.Result.OutputMSE)
	}
}
