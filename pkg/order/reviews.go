package order

import (
	"context"
	"errors"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/fraud"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
)

// PendingReviews lists blocking fraud reviews, highest score first.
func (s *Service) PendingReviews(ctx context.Context, limit int) ([]fraud.Review, error) {
	return s.repo.Reader().Reviews.ListPending(ctx, limit)
}

// ApproveReview clears a fraud hold. When the customer has already paid
// online, the order moves to paid in the same transaction.
func (s *Service) ApproveReview(ctx context.Context, orderID string, actor Actor, note string) (*Order, error) {
	if actor.Role != RoleAdmin {
		return nil, &ForbiddenError{Actor: actor, Action: "approve fraud reviews"}
	}
	var out *Order
	err := s.repo.InTx(ctx, func(tx Tx) error {
		if err := s.resolve(ctx, tx, orderID, fraud.ReviewApproved, actor, note); err != nil {
			return err
		}
		o, err := tx.Orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		out = o
		if o.Status != StatusPending {
			return nil
		}
		in, err := tx.Intents.GetByOrder(ctx, orderID)
		if errors.Is(err, payment.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if in.Status != payment.StatusSucceeded {
			return nil
		}
		return s.apply(ctx, tx, o, StatusPaid, System, "payment captured before review approval")
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "fraud review approved", "order_id", orderID, "reviewer", actor.ID)
	return out, nil
}

// RejectReview confirms fraud: the order is cancelled with its stock
// released and the customer's risk profile is raised, all in one
// transaction.
func (s *Service) RejectReview(ctx context.Context, orderID string, actor Actor, note string) (*Order, error) {
	if actor.Role != RoleAdmin {
		return nil, &ForbiddenError{Actor: actor, Action: "reject fraud reviews"}
	}
	var (
		out  *Order
		from Status
	)
	err := s.repo.InTx(ctx, func(tx Tx) error {
		if err := s.resolve(ctx, tx, orderID, fraud.ReviewRejected, actor, note); err != nil {
			return err
		}
		o, err := tx.Orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		out = o
		from = o.Status
		if CanTransition(o.Status, StatusCancelled) {
			reason := "rejected by fraud review"
			if note != "" {
				reason += ": " + note
			}
			if err := s.apply(ctx, tx, o, StatusCancelled, actor, reason); err != nil {
				return err
			}
			if err := s.settleIntent(ctx, tx, o.ID, payment.StatusFailed); err != nil {
				return err
			}
		}
		return tx.Profiles.RecordConfirmedFraud(ctx, o.Customer.Email, fraud.ConfirmedFraudPenalty, s.clock())
	})
	if err != nil {
		return nil, err
	}
	if from != out.Status {
		s.metrics.RecordTransition(ctx, string(from), string(out.Status))
	}
	s.logger.WarnContext(ctx, "fraud review rejected", "order_id", orderID, "reviewer", actor.ID)
	return out, nil
}

func (s *Service) resolve(ctx context.Context, tx Tx, orderID string, status fraud.ReviewStatus, actor Actor, note string) error {
	review, err := tx.Reviews.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if review.Status != fraud.ReviewPending {
		return fraud.ErrNotPending
	}
	return tx.Reviews.Resolve(ctx, orderID, status, actor.ID, note, s.clock())
}
