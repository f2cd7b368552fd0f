package cache

import "golang.org/x/time/rate"

// repairer is a token bucket gating how many stale index members GetByIndex
// may delete. One repairer is shared by all stores of a factory.
type repairer struct {
	lim *rate.Limiter
}

// newRepairer returns nil when repair is disabled.
func newRepairer(perSecond float64, burst int) *repairer {
	if perSecond <= 0 {
		return nil
	}
	return &repairer{lim: rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))}
}

// allow reports whether one more stale member may be deleted now.
func (r *repairer) allow() bool {
	if r == nil {
		return false
	}
	return r.lim.Allow()
}
