package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/order"
)

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req order.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := s.Orders.Checkout(r.Context(), req)
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// handleGetOrder serves the order confirmation view. The order id is an
// unguessable uuid; a customer token for another customer's order is
// answered as not found.
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a := actor(r)
	if a.Role == order.RoleAdmin {
		s.handleOrderDetails(w, r)
		return
	}
	o, err := s.Orders.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	if a.Role == order.RoleCustomer && !o.OwnedBy(a) {
		writeError(w, r, s.log(r), order.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOrderDetails(w http.ResponseWriter, r *http.Request) {
	d, err := s.Orders.Details(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type reasonBody struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

// optionalBody decodes a JSON body when one is present.
func optionalBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := decodeJSON(w, r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleOrderAction(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := optionalBody(w, r, &body); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	id, a, ctx := r.PathValue("id"), actor(r), r.Context()

	var (
		o   *order.Order
		err error
	)
	switch r.PathValue("action") {
	case "collect-cash":
		o, err = s.Orders.CollectCash(ctx, id, a)
	case "mark-paid":
		if body.Reason == "" {
			writeBadRequest(w, r, "reason is required")
			return
		}
		o, err = s.Orders.MarkPaidManually(ctx, id, a, body.Reason)
	case "ship":
		o, err = s.Orders.Ship(ctx, id, a)
	case "deliver":
		o, err = s.Orders.Deliver(ctx, id, a)
	case "cancel":
		o, err = s.Orders.Cancel(ctx, id, a, body.Reason)
	default:
		writeProblem(w, r, &ProblemDetail{Status: http.StatusNotFound, Code: "NOT_FOUND", Detail: "unknown order action"})
		return
	}
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	s.log(r).InfoContext(ctx, "order action applied",
		"order_id", id, "action", r.PathValue("action"), "actor", a.ID, "status", o.Status)
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.Orders.PendingReviews(r.Context(), limitParam(r, 50, 500))
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews, "count": len(reviews)})
}

func (s *Server) handleReviewDecision(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := optionalBody(w, r, &body); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	id, a, ctx := r.PathValue("orderID"), actor(r), r.Context()
	note := body.Note
	if note == "" {
		note = body.Reason
	}

	var (
		o   *order.Order
		err error
	)
	switch r.PathValue("decision") {
	case "approve":
		o, err = s.Orders.ApproveReview(ctx, id, a, note)
	case "reject":
		o, err = s.Orders.RejectReview(ctx, id, a, note)
	default:
		writeProblem(w, r, &ProblemDetail{Status: http.StatusNotFound, Code: "NOT_FOUND", Detail: "unknown review decision"})
		return
	}
	if err != nil {
		writeError(w, r, s.log(r), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// limitParam reads ?limit= clamped to [1, max].
func limitParam(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
