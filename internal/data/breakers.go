package data

import (
	"errors"

	"Bulwark/internal/conf"
	"Bulwark/pkg/breaker"
	pkgerrors "Bulwark/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// NewBreakerRegistry builds the process-wide breaker registry from configuration.
// Client-side database errors and cache misses never count as failures.
func NewBreakerRegistry(c *conf.Bootstrap, logger log.Logger) *breaker.Registry {
	configs := make(map[string]breaker.Config, len(c.Breakers))
	for name, b := range c.Breakers {
		if b == nil {
			continue
		}
		configs[name] = breaker.Config{
			FailureThreshold: b.FailureThreshold,
			RecoveryTimeout:  b.RecoveryTimeout,
			MonitoringPeriod: b.MonitoringPeriod,
			ExpectedVolume:   b.ExpectedVolume,
		}
	}
	return breaker.NewRegistry(withClassifiers(configs), logger)
}

func withClassifiers(configs map[string]breaker.Config) map[string]breaker.Config {
	defaults := breaker.DefaultConfigs()
	for _, name := range []string{breaker.ResourceDatabase, breaker.ResourceCache} {
		if _, ok := configs[name]; !ok {
			configs[name] = defaults[name]
		}
	}

	db := configs[breaker.ResourceDatabase]
	db.IsSuccessful = pkgerrors.IsClientError
	configs[breaker.ResourceDatabase] = db

	cache := configs[breaker.ResourceCache]
	cache.IsSuccessful = func(err error) bool {
		return errors.Is(err, ErrCacheNotFound)
	}
	configs[breaker.ResourceCache] = cache

	return configs
}
