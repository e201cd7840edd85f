package callscribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/callscribe/pkg/adapters/recognizer"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/resilience"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/sinks"
	"github.com/harunnryd/callscribe/pkg/transports"
)

// TransportDeps are the shared collaborators handed to a transport so it can
// run call sessions.
type TransportDeps struct {
	Model    recognizer.Model
	Sink     sinks.Sink
	Observer metrics.Observer
	Breaker  *resilience.CircuitBreaker
	Registry *session.Registry
	Logger   *slog.Logger
}

type ModelFactory func(ctx context.Context, cfg Config) (recognizer.Model, error)
type TransportFactory func(cfg Config, deps TransportDeps) (transports.Transport, error)
type DialerFactory func(cfg Config) (transports.OutboundDialer, error)

type ProviderRegistry struct {
	models     map[string]ModelFactory
	transports map[string]TransportFactory
	dialers    map[string]DialerFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		models:     make(map[string]ModelFactory),
		transports: make(map[string]TransportFactory),
		dialers:    make(map[string]DialerFactory),
	}
}

func (r *ProviderRegistry) RegisterModel(name string, factory ModelFactory) {
	r.models[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transports[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterDialer(name string, factory DialerFactory) {
	r.dialers[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildModel(ctx context.Context, provider string, cfg Config) (recognizer.Model, error) {
	fn := r.models[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("recognizer provider not registered: %s", provider)
	}
	return fn(ctx, cfg)
}

func (r *ProviderRegistry) BuildTransport(provider string, cfg Config, deps TransportDeps) (transports.Transport, error) {
	fn := r.transports[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", provider)
	}
	return fn(cfg, deps)
}

func (r *ProviderRegistry) BuildDialer(provider string, cfg Config) (transports.OutboundDialer, error) {
	fn := r.dialers[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("dialer provider not registered: %s", provider)
	}
	return fn(cfg)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
