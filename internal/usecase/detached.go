package usecase

import (
	"context"
	"log/slog"
)

// Detached runs a side effect whose failure must not fail the caller, such as
// an acknowledgement or a bookkeeping write. It runs inline: a Lambda
// invocation may be frozen as soon as the handler returns. Failures are
// logged under op.
func Detached(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		logger.Warn("detached operation failed", "op", op, "err", err)
	}
}
