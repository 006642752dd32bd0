package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/mantleq/internal/logger"
	"github.com/samcharles93/mantleq/internal/recipe"
)

// Server runs quantization jobs in the background and reports on them.
type Server struct {
	store  *JobStore
	run    Runner
	clock  func() time.Time
	log    logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(store *JobStore, run Runner, log logger.Logger) *Server {
	if store == nil {
		store = NewJobStore()
	}
	if run == nil {
		run = RunQuantization
	}
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	return &Server{
		store:  store,
		run:    run,
		clock:  time.Now,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/quantize", s.handleQuantize)
	e.GET("/v1/jobs", s.handleListJobs)
	e.GET("/v1/jobs/:id", s.handleGetJob)
	e.POST("/v1/jobs/:id/cancel", s.handleCancelJob)
	e.GET("/v1/recipes", s.handleListRecipes)
}

// Wait blocks until every submitted job has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close cancels running jobs and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) handleQuantize(c *echo.Context) error {
	req, err := decodeJSON[QuantizeRequest](c.Request().Body)
	if err != nil {
		return writeAPIError(c, err)
	}
	if err := validateRequest(&req); err != nil {
		return writeAPIError(c, err)
	}
	job := s.store.Create(req, s.clock())
	s.submit(job)
	return c.JSON(http.StatusAccepted, job)
}

func validateRequest(req *QuantizeRequest) error {
	switch {
	case req.Model == "":
		return newInvalidRequest("model", "model is required")
	case req.Recipe == "" && len(req.Rules) == 0:
		return newInvalidRequest("recipe", "one of recipe or rules is required")
	case req.Recipe != "" && len(req.Rules) > 0:
		return newInvalidRequest("rules", "recipe and rules are mutually exclusive")
	case req.Output != "" && req.OutputDir != "":
		return newInvalidRequest("output_dir", "output and output_dir are mutually exclusive")
	case req.CalibrationSamples < 0:
		return newInvalidRequest("calibration_samples", "sample counts must not be negative")
	case req.ValidationSamples < 0:
		return newInvalidRequest("validation_samples", "sample counts must not be negative")
	}
	return nil
}

func (s *Server) submit(job Job) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if !s.store.Start(job.ID, cancel, s.clock()) {
			return
		}
		log := s.log.With("job", job.ID)
		log.Info("job started", "model", job.Request.Model, "recipe", job.Request.Recipe)
		res, err := s.run(logger.WithContext(ctx, log), job.Request)
		if err != nil {
			log.Error("job failed", "error", err)
		} else {
			log.Info("job finished", "output", res.Output)
		}
		s.store.Finish(job.ID, res, err, s.clock())
	}()
}

func (s *Server) handleListJobs(c *echo.Context) error {
	return c.JSON(http.StatusOK, ListResponse[Job]{Object: "list", Data: s.store.List()})
}

func (s *Server) handleGetJob(c *echo.Context) error {
	job, err := s.store.Get(c.Param("id"))
	if err != nil {
		return writeAPIError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelJob(c *echo.Context) error {
	job, err := s.store.Cancel(c.Param("id"), s.clock())
	if err != nil {
		return writeAPIError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleListRecipes(c *echo.Context) error {
	names := recipe.Builtins()
	out := make([]RecipeInfo, 0, len(names))
	for _, name := range names {
		r, err := recipe.Builtin(name)
		if err != nil {
			return writeAPIError(c, err)
		}
		rules, err := r.MarshalJSON()
		if err != nil {
			return writeAPIError(c, err)
		}
		out = append(out, RecipeInfo{Name: name, Rules: rules})
	}
	return c.JSON(http.StatusOK, ListResponse[RecipeInfo]{Object: "list", Data: out})
}

func writeAPIError(c *echo.Context, err error) error {
	status, errType, param := errorStatus(err)
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: err.Error(),
			Type:    errType,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, newInvalidRequest("", "request body is empty")
		}
		return out, newInvalidRequest("", err.Error())
	}
	return out, nil
}
