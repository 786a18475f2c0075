package channel

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// NewLimiter returns a limiter allowing rps sends per second with a burst of rps.
// rps <= 0 disables limiting.
func NewLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

type rateLimited struct {
	next Sender
	lim  *rate.Limiter
}

// RateLimited wraps s so that sends wait for lim. A wait cut short by ctx is a
// transient failure.
func RateLimited(s Sender, lim *rate.Limiter) Sender {
	if lim == nil {
		return s
	}
	return &rateLimited{next: s, lim: lim}
}

func (r *rateLimited) Send(ctx context.Context, rem models.Reminder) error {
	if err := r.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", rem.Channel, err)
	}
	return r.next.Send(ctx, rem)
}
