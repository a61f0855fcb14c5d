package dns

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// PooledResolver bounds the number of lookups in flight against the wrapped
// Resolver. Callers that cannot obtain a slot before their context ends get a
// TempError.
type PooledResolver struct {
	next Resolver
	sem  *semaphore.Weighted
}

// NewPooledResolver wraps next so that at most size lookups run concurrently.
// A size below 1 is treated as 1.
func NewPooledResolver(next Resolver, size int) *PooledResolver {
	if size < 1 {
		size = 1
	}
	return &PooledResolver{next: next, sem: semaphore.NewWeighted(int64(size))}
}

func (p *PooledResolver) do(ctx context.Context, qtype, name string, fn func(context.Context, string) QueryResult) QueryResult {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return TempError(fmt.Sprintf("%s %s: waiting for resolver slot: %v", qtype, Fqdn(name), err))
	}
	defer p.sem.Release(1)
	return fn(ctx, name)
}

// LookupTXT implements Resolver.
func (p *PooledResolver) LookupTXT(ctx context.Context, name string) QueryResult {
	return p.do(ctx, "TXT", name, p.next.LookupTXT)
}

// LookupA implements Resolver.
func (p *PooledResolver) LookupA(ctx context.Context, name string) QueryResult {
	return p.do(ctx, "A", name, p.next.LookupA)
}

// LookupAAAA implements Resolver.
func (p *PooledResolver) LookupAAAA(ctx context.Context, name string) QueryResult {
	return p.do(ctx, "AAAA", name, p.next.LookupAAAA)
}

// LookupMX implements Resolver.
func (p *PooledResolver) LookupMX(ctx context.Context, name string) QueryResult {
	return p.do(ctx, "MX", name, p.next.LookupMX)
}
