package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
)

// NotificationResult reports what a gateway notification did.
type NotificationResult struct {
	OrderID   string          `json:"order_id"`
	Outcome   payment.Outcome `json:"outcome"`
	Status    Status          `json:"status"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Held      bool            `json:"held,omitempty"`
}

var errReplayed = errors.New("order: notification already processed")

// amountTolerance is the largest accepted difference between the notified
// amount and the order total, in minor units.
const amountTolerance = 1

// ApplyPaymentNotification applies a verified gateway transaction. Replays
// of a processed transaction are reported as duplicates and change
// nothing. The event is recorded in the same transaction as its effects,
// so a failed attempt can be redelivered by the gateway.
//
// A successful payment marks the intent succeeded and the order paid,
// unless a fraud review holds the order; it then stays pending until the
// review is approved. A failed payment cancels a pending order.
func (s *Service) ApplyPaymentNotification(ctx context.Context, txn payment.Transaction) (*NotificationResult, error) {
	if txn.ID == "" || txn.OrderID == "" {
		return nil, &ValidationError{Field: "transaction", Reason: "missing transaction or order id"}
	}
	res := &NotificationResult{OrderID: txn.OrderID, Outcome: txn.Outcome()}
	if seen, err := s.repo.Reader().Events.Seen(ctx, txn.ID); err != nil {
		return nil, err
	} else if seen {
		res.Duplicate = true
		return res, nil
	}

	var from Status
	err := s.repo.InTx(ctx, func(tx Tx) error {
		o, err := tx.Orders.Get(ctx, txn.OrderID)
		if err != nil {
			return err
		}
		from = o.Status
		if abs(txn.AmountCents-o.TotalCents) > amountTolerance {
			s.logger.WarnContext(ctx, "payment amount mismatch",
				"order_id", o.ID, "txn_id", txn.ID, "expected_cents", o.TotalCents, "got_cents", txn.AmountCents)
		}

		switch res.Outcome {
		case payment.OutcomeSucceeded:
			if err := s.settleIntent(ctx, tx, o.ID, payment.StatusSucceeded); err != nil {
				return err
			}
			if o.Status != StatusPending {
				if o.Status == StatusCancelled {
					s.logger.ErrorContext(ctx, "payment succeeded for cancelled order", "order_id", o.ID, "txn_id", txn.ID)
				}
				break
			}
			err := s.apply(ctx, tx, o, StatusPaid, System, fmt.Sprintf("payment %s succeeded", txn.ID))
			var held *ReviewPendingError
			if errors.As(err, &held) {
				res.Held = true
				break
			}
			if err != nil {
				return err
			}
		case payment.OutcomeFailed:
			if err := s.settleIntent(ctx, tx, o.ID, payment.StatusFailed); err != nil {
				return err
			}
			if o.Status == StatusPending {
				reason := "payment failed"
				if txn.Message != "" {
					reason += ": " + txn.Message
				}
				if err := s.apply(ctx, tx, o, StatusCancelled, System, reason); err != nil {
					return err
				}
			}
		case payment.OutcomePending:
			return nil
		}
		res.Status = o.Status

		first, err := tx.Events.Record(ctx, txn.ID, o.ID, s.clock())
		if err != nil {
			return err
		}
		if !first {
			return errReplayed
		}
		return nil
	})
	if errors.Is(err, errReplayed) {
		res.Duplicate = true
		res.Status = ""
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Status != "" && res.Status != from {
		s.metrics.RecordTransition(ctx, string(from), string(res.Status))
	}
	s.logger.InfoContext(ctx, "payment notification applied",
		"order_id", txn.OrderID, "txn_id", txn.ID, "outcome", res.Outcome, "status", res.Status, "held", res.Held)
	return res, nil
}

// ExpirePayment expires a pending intent past its deadline and cancels its
// order when still pending. It reports false when the intent was already
// settled, which makes repeated sweeps no-ops.
func (s *Service) ExpirePayment(ctx context.Context, intentID string) (bool, error) {
	expired := false
	var cancelled bool
	err := s.repo.InTx(ctx, func(tx Tx) error {
		in, err := tx.Intents.Get(ctx, intentID)
		if err != nil {
			return err
		}
		now := s.clock()
		if !in.Expired(now) {
			return nil
		}
		if err := tx.Intents.Transition(ctx, in.ID, payment.StatusPending, payment.StatusExpired, now); err != nil {
			if errors.Is(err, payment.ErrStale) {
				return nil
			}
			return err
		}
		expired = true

		o, err := tx.Orders.Get(ctx, in.OrderID)
		if errors.Is(err, ErrNotFound) {
			s.logger.WarnContext(ctx, "expired intent has no order", "intent_id", in.ID, "order_id", in.OrderID)
			return nil
		}
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return nil
		}
		cancelled = true
		return s.apply(ctx, tx, o, StatusCancelled, System, "payment expired")
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		s.metrics.RecordTransition(ctx, string(StatusPending), string(StatusCancelled))
	}
	return expired, nil
}

// CancelOrphaned cancels a pending non-cash order that never got a payment
// intent. It reports false when the order moved on or gained an intent.
func (s *Service) CancelOrphaned(ctx context.Context, orderID string) (bool, error) {
	done := false
	err := s.repo.InTx(ctx, func(tx Tx) error {
		o, err := tx.Orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusPending || o.PaymentMethod.Cash() {
			return nil
		}
		if _, err := tx.Intents.GetByOrder(ctx, o.ID); err == nil {
			return nil
		} else if !errors.Is(err, payment.ErrNotFound) {
			return err
		}
		if err := s.apply(ctx, tx, o, StatusCancelled, System, "abandoned checkout without payment intent"); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if done {
		s.metrics.RecordTransition(ctx, string(StatusPending), string(StatusCancelled))
	}
	return done, nil
}
