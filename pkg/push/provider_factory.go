package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"

	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/resilience"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock     ProviderType = "mock"
	ProviderTypeFirebase ProviderType = "firebase"
)

// NewProvider creates a push notification provider. app is required for the firebase provider.
func NewProvider(ctx context.Context, providerType string, app *firebase.App) (Provider, error) {
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", providerType))

	switch ProviderType(providerType) {
	case ProviderTypeFirebase:
		if app == nil {
			return nil, fmt.Errorf("firebase push provider requires a Firebase app")
		}
		return NewFirebaseProvider(ctx, app)
	case ProviderTypeMock:
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", providerType))
		return &MockProvider{}, nil
	}
}

// GuardedProvider sends through a circuit breaker so a failing push backend
// does not stall call setup.
type GuardedProvider struct {
	provider Provider
	breaker  *resilience.Breaker
}

// NewGuardedProvider wraps provider with breaker
func NewGuardedProvider(provider Provider, breaker *resilience.Breaker) *GuardedProvider {
	return &GuardedProvider{provider: provider, breaker: breaker}
}

// Send implements Provider
func (g *GuardedProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	var result *SendResult
	err := g.breaker.Execute(ctx, "send", func(ctx context.Context) error {
		var err error
		result, err = g.provider.Send(ctx, notification, tokens)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
