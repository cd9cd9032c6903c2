package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
)

// signature reads the gateway signature from the query string or header.
func signature(r *http.Request) string {
	if sig := r.URL.Query().Get("hmac"); sig != "" {
		return sig
	}
	return r.Header.Get("hmac")
}

// handleWebhook applies a server-to-server payment notification. Errors
// other than a bad signature answer 5xx so the gateway redelivers.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := s.log(r)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeBadRequest(w, r, "unreadable body")
		return
	}
	n, err := payment.ParseNotification(body)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	if err := s.Verifier.Verify(n.Fields, signature(r)); err != nil {
		log.WarnContext(r.Context(), "payment webhook rejected", "reason", "bad signature")
		writeError(w, r, log, err)
		return
	}
	if n.Type != "" && n.Type != "TRANSACTION" {
		writeJSON(w, http.StatusOK, map[string]any{"ignored": true, "type": n.Type})
		return
	}

	res, err := s.Orders.ApplyPaymentNotification(r.Context(), n.Transaction())
	if err != nil {
		writeError(w, r, log, err)
		return
	}
	log.InfoContext(r.Context(), "payment webhook applied",
		"order_id", res.OrderID, "outcome", res.Outcome, "status", res.Status, "duplicate", res.Duplicate)
	writeJSON(w, http.StatusOK, res)
}

// handleCallback turns the gateway's browser redirect into a redirect to
// the storefront result page. The body is read as JSON, then as a form;
// when neither works the page receives error=processing_failed. A callback
// with a valid signature is also applied, which is a no-op when the
// webhook arrived first. The response is always 303.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	log := s.log(r)
	params, err := s.callbackParams(w, r)
	if err != nil {
		log.WarnContext(r.Context(), "payment callback unreadable", "error", err)
		s.redirectCallback(w, r, url.Values{"error": {"processing_failed"}})
		return
	}
	if sig := signature(r); sig != "" && params.Get("hmac") == "" {
		params.Set("hmac", sig)
	}

	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	if err := s.Verifier.Verify(payment.FlatFields(flat), flat["hmac"]); err == nil {
		txn := payment.TransactionFromFlat(flat)
		if res, err := s.Orders.ApplyPaymentNotification(r.Context(), txn); err != nil {
			log.ErrorContext(r.Context(), "payment callback apply failed", "order_id", txn.OrderID, "error", err)
		} else {
			params.Set("status", string(res.Status))
		}
	}
	s.redirectCallback(w, r, params)
}

func (s *Server) callbackParams(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	if r.Method == http.MethodGet {
		return r.URL.Query(), nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if n, err := payment.ParseCallbackBody(body); err == nil {
		out := url.Values{}
		for k, v := range n.Flat() {
			out.Set(k, v)
		}
		return out, nil
	}
	form, err := url.ParseQuery(string(body))
	if err != nil || len(form) == 0 {
		return nil, errors.New("callback body is neither JSON nor a form")
	}
	return form, nil
}

func (s *Server) redirectCallback(w http.ResponseWriter, r *http.Request, params url.Values) {
	target := s.siteURL + "/payment/callback"
	if q := params.Encode(); q != "" {
		target += "?" + q
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
