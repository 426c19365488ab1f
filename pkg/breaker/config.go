package breaker

import "time"

// Config holds the thresholds of a single breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a probe is allowed.
	RecoveryTimeout time.Duration
	// MonitoringPeriod is the closed-state window after which counters are cleared.
	MonitoringPeriod time.Duration
	// ExpectedVolume is the minimum number of requests in the monitoring period
	// before the circuit may open.
	ExpectedVolume int

	// IsSuccessful classifies non-nil errors; returning true keeps the error
	// out of failure accounting.
	IsSuccessful func(err error) bool
	// OnStateChange is called asynchronously after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the configuration used for unknown resources.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		MonitoringPeriod: time.Minute,
		ExpectedVolume:   1,
	}
}

// DefaultConfigs returns per-resource defaults. The database trips early and
// recovers quickly, the cache tolerates more noise, auth and external
// services are conservative.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		ResourceDatabase: {FailureThreshold: 3, RecoveryTimeout: 10 * time.Second, MonitoringPeriod: time.Minute, ExpectedVolume: 3},
		ResourceCache:    {FailureThreshold: 5, RecoveryTimeout: 5 * time.Second, MonitoringPeriod: 30 * time.Second, ExpectedVolume: 5},
		ResourceAuth:     {FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, MonitoringPeriod: 2 * time.Minute, ExpectedVolume: 3},
		ResourceExternal: {FailureThreshold: 2, RecoveryTimeout: time.Minute, MonitoringPeriod: 5 * time.Minute, ExpectedVolume: 2},
	}
}

// Validate replaces out-of-range values with defaults.
func (c *Config) Validate() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.MonitoringPeriod < 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	if c.ExpectedVolume <= 0 {
		c.ExpectedVolume = d.ExpectedVolume
	}
}
