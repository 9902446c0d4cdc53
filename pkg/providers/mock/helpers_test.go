package mock

import (
	"context"
	"time"

	"github.com/harunnryd/avatartalk/pkg/resilience"
)

func fastRetry() resilience.RetryPolicy {
	p := resilience.NewRetryPolicy(1, time.Millisecond)
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}
