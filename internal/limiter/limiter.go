// Package limiter bounds how many outbound work calls may be in flight,
// globally and per named resource (e.g. a provider, or a provider+variant
// pair). It is consulted inside work units, independent of run admission.
//
// Limits come from configuration of the form "openai:3,anthropic:2,openai:gpt-4o:2":
// comma-separated entries of resource[:sub]:capacity, where a resource+sub
// entry adds a narrower cap below the resource-level one. Unconfigured levels
// apply no blocking at all.
package limiter

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Config describes the capacity at each level. A zero Global means unlimited.
type Config struct {
	Global int
	// Limits maps "resource" or "resource:sub" to a capacity.
	Limits map[string]int
}

// ParseLimits parses the comma-separated entry list. Malformed entries are
// skipped.
func ParseLimits(s string) map[string]int {
	out := make(map[string]int)
	for _, entry := range strings.Split(s, ",") {
		e := strings.TrimSpace(entry)
		if e == "" {
			continue
		}
		i := strings.LastIndex(e, ":")
		if i <= 0 {
			continue
		}
		capacity, err := strconv.Atoi(e[i+1:])
		if err != nil || capacity < 1 {
			continue
		}
		out[strings.TrimSpace(e[:i])] = capacity
	}
	return out
}

// Limiter is the multi-level concurrency limiter. Acquisition order is always
// global, then resource, then resource+sub, so two callers can never hold the
// levels in conflicting order.
type Limiter struct {
	global    *semaphore.Weighted
	globalCap int

	mu       sync.Mutex
	caps     map[string]int
	sems     map[string]*semaphore.Weighted
	inUse    map[string]int
	globalIn int
}

// New builds a limiter from cfg. With no limits configured at any level,
// Acquire is a no-op.
func New(cfg Config) *Limiter {
	l := &Limiter{
		caps:  make(map[string]int),
		sems:  make(map[string]*semaphore.Weighted),
		inUse: make(map[string]int),
	}
	for k, v := range cfg.Limits {
		if v > 0 {
			l.caps[k] = v
		}
	}
	if cfg.Global > 0 {
		l.globalCap = cfg.Global
		l.global = semaphore.NewWeighted(int64(cfg.Global))
	}
	return l
}

// Token is a scoped hold on the limiter. Release must be called on every exit
// path; it is safe to call more than once.
type Token struct {
	once    sync.Once
	release []func()
}

// Release frees the held capacity in strictly reverse acquisition order.
func (t *Token) Release() {
	t.once.Do(func() {
		for i := len(t.release) - 1; i >= 0; i-- {
			t.release[i]()
		}
	})
}

// Acquire blocks until capacity is available at every configured level, or
// until ctx is canceled. It never fails for any other reason; timeouts belong
// to the work unit. Sub-level capacity applies only when a specific
// resource:sub limit is configured.
func (l *Limiter) Acquire(ctx context.Context, resource, sub string) (*Token, error) {
	tok := &Token{}
	if l.global != nil {
		if err := l.global.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		l.count("", +1)
		tok.release = append(tok.release, func() {
			l.count("", -1)
			l.global.Release(1)
		})
	}
	if resource != "" {
		if err := l.acquireKey(ctx, tok, resource); err != nil {
			tok.Release()
			return nil, err
		}
		if sub != "" {
			if err := l.acquireKey(ctx, tok, resource+":"+sub); err != nil {
				tok.Release()
				return nil, err
			}
		}
	}
	return tok, nil
}

func (l *Limiter) acquireKey(ctx context.Context, tok *Token, key string) error {
	sem := l.semFor(key)
	if sem == nil {
		return nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.count(key, +1)
	tok.release = append(tok.release, func() {
		l.count(key, -1)
		sem.Release(1)
	})
	return nil
}

// semFor lazily creates the semaphore for a configured key.
func (l *Limiter) semFor(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	capacity, ok := l.caps[key]
	if !ok {
		return nil
	}
	sem, ok := l.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(int64(capacity))
		l.sems[key] = sem
	}
	return sem
}

func (l *Limiter) count(key string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if key == "" {
		l.globalIn += delta
		return
	}
	l.inUse[key] += delta
}

// Snapshot reports configured capacities and in-use counts at every level. It
// only touches the bookkeeping lock and never interferes with acquire or
// release.
type Snapshot struct {
	GlobalLimit    int            `json:"global_limit"`
	GlobalInUse    int            `json:"global_in_use"`
	ResourceLimits map[string]int `json:"resource_limits"`
	ResourceInUse  map[string]int `json:"resource_in_use"`
}

// Snapshot returns the current limiter state for observability.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		GlobalLimit:    l.globalCap,
		GlobalInUse:    l.globalIn,
		ResourceLimits: make(map[string]int, len(l.caps)),
		ResourceInUse:  make(map[string]int, len(l.inUse)),
	}
	for k, v := range l.caps {
		s.ResourceLimits[k] = v
	}
	for k, v := range l.inUse {
		s.ResourceInUse[k] = v
	}
	return s
}
