package flow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/model"
)

// Callbacks are the persistence and delivery hooks invoked when a run
// produces its final payload. SaveRequestPayload, MarkNotificationSuccess
// and MarkNotificationFailure are required; ApplyResult must be provided
// or dispatch fails with RESULT_HANDLER_MISSING.
type Callbacks struct {
	SaveRequestPayload      func(ctx context.Context, itemID string, payload *model.ResultPayload) error
	ApplyResult             func(ctx context.Context, payload *model.ResultPayload) error
	MarkNotificationSuccess func(ctx context.Context, itemID string) error
	MarkNotificationFailure func(ctx context.Context, itemID, message string) error
}

// DispatchResult persists the payload, applies it through the injected
// handler and records the notification outcome. A persistence failure
// aborts before anything is applied. An apply or success-mark failure
// records a notification failure and returns the original error; failing
// to record that failure is only logged.
func DispatchResult(ctx context.Context, cb Callbacks, token *Token, payload *model.ResultPayload) error {
	itemID := payload.ItemID

	if cb.SaveRequestPayload == nil {
		return eris.New("flow: save request payload callback is not configured")
	}
	if err := cb.SaveRequestPayload(ctx, itemID, payload); err != nil {
		zap.L().Error("flow: failed to persist request payload",
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		return eris.Wrap(err, "flow: persist request payload")
	}

	err := func() error {
		if err := token.Err(); err != nil {
			return err
		}
		if cb.ApplyResult == nil {
			return NewError(CodeResultHandlerMissing, "result handler unavailable")
		}
		if err := cb.ApplyResult(ctx, payload); err != nil {
			return err
		}
		if err := token.Err(); err != nil {
			return err
		}
		if cb.MarkNotificationSuccess != nil {
			return cb.MarkNotificationSuccess(ctx, itemID)
		}
		return nil
	}()
	if err == nil {
		return nil
	}

	zap.L().Error("flow: result dispatch failed",
		zap.String("item_id", itemID),
		zap.Error(err),
	)
	if cb.MarkNotificationFailure != nil {
		if markErr := cb.MarkNotificationFailure(ctx, itemID, err.Error()); markErr != nil {
			zap.L().Error("flow: failed to mark notification failure",
				zap.String("item_id", itemID),
				zap.Error(markErr),
			)
		}
	}
	return err
}
