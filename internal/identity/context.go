package identity

import "context"

type contextKey int

const principalKey contextKey = iota

// WithPrincipal attaches a verified Principal to a request context. Set
// once, by the Token Service's Verify middleware; never mutated afterward.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the Principal attached to ctx, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}
