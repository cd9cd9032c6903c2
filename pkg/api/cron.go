package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/auth"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/notify"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/reconcile"
)

const (
	JobEmailWorker  = "email-worker"
	JobEmailCleanup = "email-cleanup"
	JobAll          = "all"
)

// JobNames lists every job reachable through RunJob, "all" excluded.
var JobNames = []string{
	string(reconcile.JobExpiredPayments),
	string(reconcile.JobZombieOrders),
	string(reconcile.JobAudit),
	JobEmailWorker,
	JobEmailCleanup,
}

// ErrUnknownJob is returned by RunJob for a name outside JobNames and "all".
var ErrUnknownJob = errors.New("api: unknown job")

// EmailRun is the result of an email job.
type EmailRun struct {
	Job       string         `json:"job"`
	RequestID string         `json:"request_id"`
	Delivery  *notify.Result `json:"delivery,omitempty"`
	Purged    int64          `json:"purged,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// RunJob runs one named job, or every job for "all". It backs both the
// cron routes and the in-process scheduler. The error is set only when a
// job could not run at all.
func (s *Server) RunJob(ctx context.Context, name, requestID string) (any, error) {
	switch name {
	case string(reconcile.JobExpiredPayments), string(reconcile.JobZombieOrders), string(reconcile.JobAudit):
		return s.Reconciler.Run(ctx, reconcile.Job(name), requestID)
	case JobEmailWorker:
		res, err := s.Worker.RunOnce(ctx)
		run := &EmailRun{Job: name, RequestID: requestID, Delivery: &res}
		if err != nil {
			run.Error = err.Error()
		}
		return run, err
	case JobEmailCleanup:
		n, err := s.Worker.Cleanup(ctx)
		run := &EmailRun{Job: name, RequestID: requestID, Purged: n}
		if err != nil {
			run.Error = err.Error()
		}
		return run, err
	case JobAll:
		results, sweepErr := s.Reconciler.RunAll(ctx, requestID)
		out := []any{}
		for _, r := range results {
			out = append(out, r)
		}
		errs := []error{sweepErr}
		for _, job := range []string{JobEmailWorker, JobEmailCleanup} {
			res, err := s.RunJob(ctx, job, requestID)
			out = append(out, res)
			errs = append(errs, err)
		}
		return out, errors.Join(errs...)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("job")
	reqID := auth.RequestID(r.Context())
	res, err := s.RunJob(r.Context(), name, reqID)
	switch {
	case errors.Is(err, ErrUnknownJob):
		writeProblem(w, r, &ProblemDetail{Status: http.StatusNotFound, Code: "NOT_FOUND", Detail: "unknown job"})
	case err != nil:
		s.log(r).ErrorContext(r.Context(), "cron job failed", "job", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "job": name, "request_id": reqID, "result": res})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": name, "request_id": reqID, "result": res})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			s.log(r).ErrorContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
