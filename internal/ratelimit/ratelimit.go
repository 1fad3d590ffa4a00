package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	SourceWorldBank = "worldbank"
	SourceExchange  = "exchange"

	DefaultWorldBankDelay = 1000 * time.Millisecond
	DefaultExchangeDelay  = 500 * time.Millisecond
)

// Limiter spaces calls to one external source at least MinDelay apart.
type Limiter struct {
	name     string
	minDelay time.Duration
	limiter  *rate.Limiter

	mu       sync.Mutex
	lastCall time.Time
	calls    int64
}

type Status struct {
	Name     string        `json:"name"`
	MinDelay time.Duration `json:"min_delay"`
	LastCall time.Time     `json:"last_call,omitempty"`
	Calls    int64         `json:"calls"`
}

func New(name string, minDelay time.Duration) *Limiter {
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}
	return &Limiter{
		name:     name,
		minDelay: minDelay,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Wait blocks until the next call may be made or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastCall = time.Now()
	l.calls++
	l.mu.Unlock()
	return nil
}

func (l *Limiter) Name() string {
	return l.name
}

func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{Name: l.name, MinDelay: l.minDelay, LastCall: l.lastCall, Calls: l.calls}
}

// Registry hands out one shared limiter per source name.
type Registry struct {
	mu       sync.Mutex
	delays   map[string]time.Duration
	limiters map[string]*Limiter
}

func NewRegistry(delays map[string]time.Duration) *Registry {
	copied := make(map[string]time.Duration, len(delays))
	for name, delay := range delays {
		copied[name] = delay
	}
	return &Registry{delays: copied, limiters: make(map[string]*Limiter)}
}

// For returns the limiter of a source, creating it on first use. Unknown
// sources get no delay.
func (r *Registry) For(name string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.limiters[name]; ok {
		return limiter
	}
	limiter := New(name, r.delays[name])
	r.limiters[name] = limiter
	return limiter
}

func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]Status, 0, len(r.limiters))
	for _, limiter := range r.limiters {
		statuses = append(statuses, limiter.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
