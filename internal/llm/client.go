package llm

import (
	"context"
	"fmt"
	"sort"

	"github.com/danshapiro/voicetest/internal/providerspec"
)

// Generator is the single capability every model role depends on.
type Generator interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ProviderAdapter is one backend implementation, selected by its Name.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client routes requests to registered adapters by provider key. It does not retry;
// callers wrap calls with Retry.
type Client struct {
	providers  map[string]ProviderAdapter
	middleware []Middleware
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	c.providers[normalizeProviderName(adapter.Name())] = adapter
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Client) Has(provider string) bool {
	_, ok := c.providers[normalizeProviderName(provider)]
	return ok
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	if req.Provider == "" {
		return Response{}, &ConfigurationError{Message: "request has no provider"}
	}
	prov := normalizeProviderName(req.Provider)
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov

	base := func(ctx context.Context, req Request) (Response, error) {
		return adapter.Complete(ctx, req)
	}
	return applyMiddleware(base, c.middleware)(ctx, req)
}

// Use appends middleware. The first registered middleware is the outermost.
func (c *Client) Use(mw ...Middleware) {
	if c == nil {
		return
	}
	c.middleware = append(c.middleware, mw...)
}

func normalizeProviderName(name string) string {
	return providerspec.CanonicalProviderKey(name)
}
