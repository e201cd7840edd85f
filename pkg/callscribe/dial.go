package callscribe

import (
	"context"

	"github.com/harunnryd/callscribe/pkg/transports"
)

// Dial places an outbound call whose audio is streamed back to this service.
// An empty url uses the transport's own call-setup webhook.
func Dial(ctx context.Context, cfg Config, providers *ProviderRegistry, to, from, url string, opts transports.DialOptions) (string, error) {
	if providers == nil {
		providers = NewProviderRegistry()
		RegisterBuiltins(providers)
	}
	dialer, err := providers.BuildDialer(cfg.Transport.Provider, cfg)
	if err != nil {
		return "", err
	}
	if d, ok := dialer.(transports.OutboundDialerWithOptions); ok {
		return d.DialWithOptions(ctx, to, from, url, opts)
	}
	return dialer.Dial(ctx, to, from, url)
}
