package workflow

import (
	"context"

	"github.com/nidhogg/courier/internal/channel"
)

// React drives a single reactor step, exactly as Run does per message.
func (e *Engine) React(ctx context.Context, m *channel.Message) { e.react(ctx, m) }
