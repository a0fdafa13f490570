package service

import (
	"context"
	"fmt"

	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/logger"
	"github.com/timmy/memedex/internal/metrics"
	"github.com/timmy/memedex/internal/repository"
)

// AdvanceStatus moves a template or variant one step forward in its lifecycle.
// A request for the current status is a no-op and returns changed=false.
func (e *Engine) AdvanceStatus(ctx context.Context, req *domain.StatusAdvanceRequest) (changed bool, err error) {
	err = e.store.Transaction(ctx, func(tx *repository.Store) error {
		switch req.EntityKind {
		case domain.EntityTemplate:
			t, err := tx.Templates.GetForUpdate(ctx, req.EntityID)
			if err != nil {
				return err
			}
			to := domain.TemplateStatus(req.TargetStatus)
			changed, err = domain.CheckTransition(req.EntityKind, t.ID, string(t.Status), req.TargetStatus, t.Status.Rank(), to.Rank())
			if err != nil || !changed {
				return err
			}
			return tx.Templates.UpdateStatus(ctx, t.ID, to)

		case domain.EntityVariant:
			v, err := tx.Variants.GetForUpdate(ctx, req.EntityID)
			if err != nil {
				return err
			}
			to := domain.VariantStatus(req.TargetStatus)
			changed, err = domain.CheckTransition(req.EntityKind, v.ID, string(v.Status), req.TargetStatus, v.Status.Rank(), to.Rank())
			if err != nil || !changed {
				return err
			}
			return tx.Variants.UpdateStatus(ctx, v.ID, to)

		default:
			return fmt.Errorf("%w: unknown entity kind %q", domain.ErrInvalidStatus, req.EntityKind)
		}
	})
	if err != nil {
		return false, err
	}

	if changed {
		metrics.StatusTransitions.WithLabelValues(string(req.EntityKind), req.TargetStatus).Inc()
		e.log(ctx).WithFields(logger.Fields{
			"entity_kind": req.EntityKind,
			"entity_id":   req.EntityID,
			"status":      req.TargetStatus,
		}).Info("Advanced status")
	}
	return changed, nil
}
