package adapters

import (
	"strings"

	"github.com/smallbiznis/inspectbill/internal/config"
	"github.com/smallbiznis/inspectbill/internal/webhook/adapters/generic"
	"github.com/smallbiznis/inspectbill/internal/webhook/adapters/stripe"
	"github.com/smallbiznis/inspectbill/internal/webhook/domain"
)

type Registry struct {
	adapters map[string]domain.Adapter
}

func NewRegistry(adapters ...domain.Adapter) *Registry {
	registry := &Registry{adapters: map[string]domain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		provider := normalize(adapter.Provider())
		if provider == "" {
			continue
		}
		registry.adapters[provider] = adapter
	}
	return registry
}

// FromConfig registers an adapter for every provider with a configured
// signing secret.
func FromConfig(cfg config.Config) *Registry {
	var list []domain.Adapter
	if strings.TrimSpace(cfg.StripeWebhookSecret) != "" {
		list = append(list, stripe.New(cfg.StripeWebhookSecret))
	}
	if strings.TrimSpace(cfg.GenericWebhookKey) != "" {
		list = append(list, generic.New(cfg.GenericWebhookKey))
	}
	return NewRegistry(list...)
}

func (r *Registry) ProviderExists(provider string) bool {
	_, err := r.Adapter(provider)
	return err == nil
}

func (r *Registry) Adapter(provider string) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	adapter, ok := r.adapters[normalize(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return adapter, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
