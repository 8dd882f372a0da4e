package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/ethpandaops/aria/pkg/counts"
	"github.com/ethpandaops/aria/pkg/model"
	"github.com/ethpandaops/aria/pkg/runner"
	"github.com/ethpandaops/aria/pkg/testdb"
)

// errBusy is returned for commands on a run that is queued or executing.
var errBusy = errors.New("run in progress")

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// decodeJSON reads the request body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return false
	}

	return true
}

// writeError maps domain errors to HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, err error) {
	var perr *testdb.PatternError

	switch {
	case errors.Is(err, runner.ErrUnknownRun):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, runner.ErrTestExists), errors.Is(err, errBusy),
		errors.Is(err, testdb.ErrNotResultStatus):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, testdb.ErrEmptyName), errors.Is(err, model.ErrUnknownStatus),
		errors.As(err, &perr):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, runner.ErrStopped), errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{err.Error()})
	default:
		s.log.WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"busy":   s.runner.Busy(),
	})
}

// handleCounts returns the counts tree.
func (s *server) handleCounts(w http.ResponseWriter, r *http.Request) {
	var snap counts.Snapshot

	if err := s.runner.Do(r.Context(), func(st *runner.State) error {
		snap = st.Counts.Snapshot()

		return nil
	}); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func (s *server) listIDValues(w http.ResponseWriter, r *http.Request, list func(*testdb.TestDatabase) []*model.IDValue) {
	var out []*model.IDValue

	if err := s.runner.Do(r.Context(), func(st *runner.State) error {
		out = lo.Map(list(st.DB), func(v *model.IDValue, _ int) *model.IDValue {
			c := *v

			return &c
		})

		return nil
	}); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleListRenderers(w http.ResponseWriter, r *http.Request) {
	s.listIDValues(w, r, (*testdb.TestDatabase).Renderers)
}

func (s *server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	s.listIDValues(w, r, (*testdb.TestDatabase).Categories)
}

func (s *server) handleListKeywords(w http.ResponseWriter, r *http.Request) {
	s.listIDValues(w, r, (*testdb.TestDatabase).Keywords)
}

type nameRequest struct {
	Name string `json:"name"`
}

func (s *server) handleCreateRenderer(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var created model.IDValue

	if err := s.runner.Do(r.Context(), func(st *runner.State) error {
		v, err := st.AddRenderer(r.Context(), req.Name)
		if err != nil {
			return err
		}

		created = *v

		return nil
	}); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var created model.IDValue

	if err := s.runner.Do(r.Context(), func(st *runner.State) error {
		v, err := st.AddCategory(r.Context(), req.Name)
		if err != nil {
			return err
		}

		created = *v

		return nil
	}); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, created)
}

type createTestRequest struct {
	Category     string `json:"category"`
	Name         string `json:"name"`
	IgnoreResult bool   `json:"ignore_result"`
}

func (s *server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req createTestRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var runs []testdb.RunInfo

	if err := s.runner.Do(r.Context(), func(st *runner.State) error {
		added, err := st.AddTest(r.Context(), req.Category, req.Name, req.IgnoreResult)
		if err != nil {
			return err
		}

		runs = infos(added)

		return nil
	}); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, runs)
}

func infos(list []*testdb.DatabaseTest) []testdb.RunInfo {
	return lo.Map(list, func(d *testdb.DatabaseTest, _ int) testdb.RunInfo { return d.Info() })
}

// selectionFromQuery reads a selection from repeated query parameters.
func selectionFromQuery(r *http.Request) testdb.Selection {
	q := r.URL.Query()

	return testdb.Selection{
		Renderers: q["renderer"],
		Status:    q.Get("status"),
		AllBut:    q.Get("all_but"),
		Patterns:  q["pattern"],
		Keywords:  q["keyword"],
		Outdated:  q.Get("outdated") == "true",
		Ignored:   q.Get("ignored") == "true",
	}
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	sel := selectionFromQuery(r)

	var runs []testdb.RunInfo

	if err := s.runner.Do(r.Context(), func(st *runner.State) error {
		list, err := sel.Apply(st.Runs)
		if err != nil {
			return err
		}

		runs = infos(list)

		return nil
	}); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// withRun runs fn on the run named by the URL.
func (s *server) withRun(r *http.Request, fn func(*runner.State, *testdb.DatabaseTest) error) (testdb.RunInfo, error) {
	var info testdb.RunInfo

	err := s.runner.Do(r.Context(), func(st *runner.State) error {
		d, err := st.Find(
			chi.URLParam(r, "renderer"),
			chi.URLParam(r, "category"),
			chi.URLParam(r, "test"),
		)
		if err != nil {
			return err
		}

		if err := fn(st, d); err != nil {
			return err
		}

		info = d.Info()

		return nil
	})

	return info, err
}

// idle rejects commands on a queued or executing run.
func idle(d *testdb.DatabaseTest) error {
	if model.IsRunning(d.Status()) {
		return errBusy
	}

	return nil
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	info, err := s.withRun(r, func(*runner.State, *testdb.DatabaseTest) error { return nil })
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var sel testdb.Selection
	if !decodeJSON(w, r, &sel) {
		return
	}

	var list []*testdb.DatabaseTest

	if err := s.runner.Do(r.Context(), func(st *runner.State) error {
		var err error
		list, err = sel.Apply(st.Runs)

		return err
	}); err != nil {
		s.writeError(w, err)

		return
	}

	if err := s.runner.Enqueue(r.Context(), list...); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(list)})
}

func (s *server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.runner.Cancel()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type referenceRequest struct {
	// Status defaults to the current status of the run.
	Status string `json:"status,omitempty"`
}

func (s *server) handleReference(w http.ResponseWriter, r *http.Request) {
	var req referenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var status *model.TestStatus

	if req.Status != "" {
		parsed, err := model.ParseStatus(req.Status)
		if err != nil {
			s.writeError(w, err)

			return
		}

		status = &parsed
	}

	info, err := s.withRun(r, func(_ *runner.State, d *testdb.DatabaseTest) error {
		if err := idle(d); err != nil {
			return err
		}

		target := d.Status()
		if status != nil {
			target = *status
		}

		return d.UpdateStatus(r.Context(), target, true)
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, info)
}

type ignoreRequest struct {
	Ignore         bool `json:"ignore"`
	UseAsReference bool `json:"use_as_reference"`
}

func (s *server) handleIgnore(w http.ResponseWriter, r *http.Request) {
	var req ignoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// The flag belongs to the test, so the run of every renderer follows it.
	// Only the addressed run is promoted to reference.
	info, err := s.withRun(r, func(st *runner.State, d *testdb.DatabaseTest) error {
		runs := st.Runs.ForTest(d.Test().Category.Name, d.Test().Name)

		for _, run := range runs {
			if err := idle(run); err != nil {
				return err
			}
		}

		for _, run := range runs {
			err := run.UpdateIgnoreResult(r.Context(), req.Ignore, st.DB.EngineDate(), req.UseAsReference && run == d)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleDates(w http.ResponseWriter, r *http.Request) {
	changed := false

	info, err := s.withRun(r, func(_ *runner.State, d *testdb.DatabaseTest) error {
		if err := idle(d); err != nil {
			return err
		}

		changed = d.RefreshDates(r.Context())

		return nil
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"run":     info,
	})
}
