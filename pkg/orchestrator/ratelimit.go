package orchestrator

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nooterra/settle/pkg/kernelerr"
)

// tenantLimiterConfig holds the shared rps/burst settings every per-tenant
// limiter is created with.
type tenantLimiterConfig struct {
	rps   rate.Limit
	burst int
}

// TenantRateLimiter enforces a per-tenant request budget ahead of dispatch:
// each tenant gets its own token bucket so one noisy tenant can never starve
// another's share of the kernel.
type TenantRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*tenantVisitor
	config   tenantLimiterConfig
}

type tenantVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantRateLimiter builds a limiter allowing rps requests per second per
// tenant, with the given burst allowance. A background goroutine evicts
// tenants idle for more than 10 minutes so the visitor map never grows
// unbounded across the life of a long-running process.
func NewTenantRateLimiter(rps int, burst int) *TenantRateLimiter {
	rl := &TenantRateLimiter{
		visitors: make(map[string]*tenantVisitor),
		config: tenantLimiterConfig{
			rps:   rate.Limit(rps),
			burst: burst,
		},
	}
	go rl.evictStale()
	return rl
}

func (rl *TenantRateLimiter) getLimiter(tenantID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[tenantID]
	if !ok {
		v = &tenantVisitor{limiter: rate.NewLimiter(rl.config.rps, rl.config.burst)}
		rl.visitors[tenantID] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *TenantRateLimiter) evictStale() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for tenantID, v := range rl.visitors {
			if time.Since(v.lastSeen) > 10*time.Minute {
				delete(rl.visitors, tenantID)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow reports whether tenantID may dispatch a request right now, fail-open
// only in the sense that an unrecognized tenant still gets its own fresh
// bucket rather than being rejected outright.
func (rl *TenantRateLimiter) Allow(tenantID string) bool {
	return rl.getLimiter(tenantID).Allow()
}

// CheckTenantRate returns a kernelerr.CodeRateLimited error when tenantID has
// exhausted its budget, for callers that want to fold the check into an
// existing fail-closed error chain rather than branching on a bool.
func (rl *TenantRateLimiter) CheckTenantRate(tenantID string) error {
	if !rl.Allow(tenantID) {
		return kernelerr.New(kernelerr.CodeRateLimited, "tenant request rate exceeded").
			WithDetails(map[string]interface{}{"tenantId": tenantID})
	}
	return nil
}
