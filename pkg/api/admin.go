package api

import (
	"context"
	"net/http"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/approval"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/killswitch"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/reconcile"
)

func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	var env approval.Envelope
	if err := decodeJSON(w, r, &env); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	d, err := s.Approvals.Submit(r.Context(), env, actor(r).ID)
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	status := http.StatusOK
	if d.Required {
		status = http.StatusAccepted
	}
	writeJSON(w, status, d)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Approvals.ListPending(r.Context(), limitParam(r, 100, 500))
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs, "count": len(reqs)})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.Approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := optionalBody(w, r, &body); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	id, a, ctx := r.PathValue("id"), actor(r), r.Context()

	var (
		req *approval.Request
		err error
	)
	switch r.PathValue("decision") {
	case "approve":
		req, err = s.Approvals.Approve(ctx, id, a.ID)
	case "reject":
		req, err = s.Approvals.Reject(ctx, id, a.ID, body.Reason)
	case "execute":
		req, err = s.Approvals.Execute(ctx, id, s.executeAction)
	default:
		writeProblem(w, r, &ProblemDetail{Status: http.StatusNotFound, Code: "NOT_FOUND", Detail: "unknown approval decision"})
		return
	}
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	s.log(r).InfoContext(ctx, "approval updated",
		"approval_id", id, "decision", r.PathValue("decision"), "actor", a.ID, "status", req.Status)
	writeJSON(w, http.StatusOK, req)
}

// executeAction applies the in-process effect of an approved action.
// Actions carried out outside this service are only recorded.
func (s *Server) executeAction(ctx context.Context, a approval.Action) error {
	switch act := a.(type) {
	case approval.InventoryAdjustAction:
		if act.Delta > 0 {
			return s.Stock.Restock(ctx, act.WarehouseID, act.VariantID, act.Delta)
		}
		return s.Stock.WriteOff(ctx, act.WarehouseID, act.VariantID, -act.Delta)
	default:
		return nil
	}
}

func (s *Server) handleGetKillSwitches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Gate.GetFlags(r.Context()))
}

func (s *Server) handlePutKillSwitches(w http.ResponseWriter, r *http.Request) {
	var patch map[killswitch.Flag]bool
	if err := decodeJSON(w, r, &patch); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	if len(patch) == 0 {
		writeBadRequest(w, r, "no flags given")
		return
	}
	a := actor(r)
	flags, err := s.Gate.Update(r.Context(), patch, a.ID)
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	s.log(r).WarnContext(r.Context(), "kill switches updated", "actor", a.ID, "patch", patch)
	writeJSON(w, http.StatusOK, flags)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Emails.DeadLetters(r.Context(), limitParam(r, 50, 500))
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleEmailStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Emails.Stats(r.Context())
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRetryEmail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Emails.Retry(r.Context(), id, s.clock()); err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "pending"})
}

func (s *Server) handleLastReconciliation(w http.ResponseWriter, r *http.Request) {
	if s.Settings == nil {
		writeProblem(w, r, &ProblemDetail{Status: http.StatusNotFound, Code: "NOT_FOUND", Detail: "no reconciliation report"})
		return
	}
	rep, err := reconcile.LastReport(r.Context(), s.Settings)
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
