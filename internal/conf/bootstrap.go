// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables.
package conf

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	pkgerrors "Bulwark/pkg/errors"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "BULWARK"

var (
	breakerNames   = []string{"database", "cache", "auth", "external"}
	rateClassNames = []string{"login", "api", "admin", "password_reset"}
)

// NewBootstrap loads configuration from configPath (optional), applies defaults
// and environment overrides prefixed with BULWARK_.
//
// Configuration priority: Environment variables > Config file > Defaults
//
// Required:
//   - MYSQL_DSN or BULWARK_DATA_DATABASE_SOURCE
//   - FINGERPRINT_KEY or BULWARK_SESSION_FINGERPRINT_KEY (>= 32 bytes)
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 直接读取无前缀的环境变量，兼容部署脚本
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "BULWARK_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "BULWARK_DATA_REDIS_ADDR")
	_ = v.BindEnv("data.redis.password", "REDIS_PASSWORD", "BULWARK_DATA_REDIS_PASSWORD")
	_ = v.BindEnv("session.fingerprint_key", "FINGERPRINT_KEY", "BULWARK_SESSION_FINGERPRINT_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			HTTP: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
			GRPC: &Server_GRPC{
				Network: v.GetString("server.grpc.network"),
				Addr:    v.GetString("server.grpc.addr"),
				Timeout: v.GetDuration("server.grpc.timeout"),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver:              v.GetString("data.database.driver"),
				Source:              v.GetString("data.database.source"),
				MaxOpenConns:        v.GetInt("data.database.max_open_conns"),
				MaxIdleConns:        v.GetInt("data.database.max_idle_conns"),
				ConnMaxLifetime:     v.GetDuration("data.database.conn_max_lifetime"),
				ConnectTimeout:      v.GetDuration("data.database.connect_timeout"),
				QueryTimeout:        v.GetDuration("data.database.query_timeout"),
				MaxRetries:          v.GetInt("data.database.max_retries"),
				RetryBaseDelay:      v.GetDuration("data.database.retry_base_delay"),
				RetryMaxDelay:       v.GetDuration("data.database.retry_max_delay"),
				HealthCheckInterval: v.GetDuration("data.database.health_check_interval"),
				AutoMigrate:         v.GetBool("data.database.auto_migrate"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				DB:           v.GetInt("data.redis.db"),
				DialTimeout:  v.GetDuration("data.redis.dial_timeout"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Breakers: loadBreakers(v),
		RateLimit: &RateLimit{
			Classes:        loadRateClasses(v),
			LocalCacheSize: v.GetInt("rate_limit.local_cache_size"),
			QueueSize:      v.GetInt("rate_limit.queue_size"),
			SweepInterval:  v.GetDuration("rate_limit.sweep_interval"),
		},
		Session: &Session{
			Timeout:         v.GetDuration("session.timeout"),
			MaxConcurrent:   v.GetInt("session.max_concurrent"),
			CacheTTL:        v.GetDuration("session.cache_ttl"),
			CacheSize:       v.GetInt("session.cache_size"),
			ActivityRefresh: v.GetDuration("session.activity_refresh"),
			BlacklistTTL:    v.GetDuration("session.blacklist_ttl"),
			FingerprintKey:  v.GetString("session.fingerprint_key"),
			SweepInterval:   v.GetDuration("session.sweep_interval"),
		},
		Security: &Security{
			MonitoringWindow:    v.GetDuration("security.monitoring_window"),
			SuspiciousThreshold: v.GetInt("security.suspicious_threshold"),
			BlockDuration:       v.GetDuration("security.block_duration"),
			HighVolumeThreshold: v.GetInt("security.high_volume_threshold"),
			DashboardWindow:     v.GetDuration("security.dashboard_window"),
			DashboardLimit:      v.GetInt("security.dashboard_limit"),
			EventRetention:      v.GetDuration("security.event_retention"),
			CounterCacheSize:    v.GetInt("security.counter_cache_size"),
			BlockCacheSize:      v.GetInt("security.block_cache_size"),
			BlockCacheTTL:       v.GetDuration("security.block_cache_ttl"),
			CounterSweep:        v.GetDuration("security.counter_sweep"),
			RetentionSweep:      v.GetDuration("security.retention_sweep"),
		},
		Degradation: &Degradation{
			SnapshotTTL:       v.GetDuration("degradation.snapshot_ttl"),
			SnapshotCacheSize: v.GetInt("degradation.snapshot_cache_size"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			MaxBackups: v.GetInt("log.max_backups"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

func loadBreakers(v *viper.Viper) map[string]*Breaker {
	out := make(map[string]*Breaker, len(breakerNames))
	for _, name := range mergeNames(breakerNames, v.GetStringMap("breakers")) {
		prefix := "breakers." + name + "."
		out[name] = &Breaker{
			FailureThreshold: v.GetInt(prefix + "failure_threshold"),
			RecoveryTimeout:  v.GetDuration(prefix + "recovery_timeout"),
			MonitoringPeriod: v.GetDuration(prefix + "monitoring_period"),
			ExpectedVolume:   v.GetInt(prefix + "expected_volume"),
		}
	}
	return out
}

func loadRateClasses(v *viper.Viper) map[string]*RateLimitClass {
	out := make(map[string]*RateLimitClass, len(rateClassNames))
	for _, name := range mergeNames(rateClassNames, v.GetStringMap("rate_limit.classes")) {
		prefix := "rate_limit.classes." + name + "."
		out[name] = &RateLimitClass{
			Requests:   v.GetInt(prefix + "requests"),
			Window:     v.GetDuration(prefix + "window"),
			FailClosed: v.GetBool(prefix + "fail_closed"),
		}
	}
	return out
}

func mergeNames(known []string, fromFile map[string]interface{}) []string {
	seen := make(map[string]struct{}, len(known)+len(fromFile))
	names := make([]string, 0, len(known)+len(fromFile))
	for _, n := range known {
		seen[n] = struct{}{}
		names = append(names, n)
	}
	for n := range fromFile {
		if _, ok := seen[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)
	v.SetDefault("server.grpc.network", "tcp")
	v.SetDefault("server.grpc.addr", ":9000")
	v.SetDefault("server.grpc.timeout", 30*time.Second)

	v.SetDefault("data.database.driver", "mysql")
	v.SetDefault("data.database.max_open_conns", 100)
	v.SetDefault("data.database.max_idle_conns", 10)
	v.SetDefault("data.database.conn_max_lifetime", time.Hour)
	v.SetDefault("data.database.connect_timeout", 5*time.Second)
	v.SetDefault("data.database.query_timeout", 3*time.Second)
	v.SetDefault("data.database.max_retries", 5)
	v.SetDefault("data.database.retry_base_delay", time.Second)
	v.SetDefault("data.database.retry_max_delay", 30*time.Second)
	v.SetDefault("data.database.health_check_interval", 30*time.Second)
	v.SetDefault("data.database.auto_migrate", false)

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.db", 0)
	v.SetDefault("data.redis.dial_timeout", 3*time.Second)
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// 熔断器默认阈值：数据库快速熔断快速恢复，缓存容忍度更高，认证/外部服务保守
	setBreakerDefaults(v, "database", 3, 10*time.Second, time.Minute, 3)
	setBreakerDefaults(v, "cache", 5, 5*time.Second, 30*time.Second, 5)
	setBreakerDefaults(v, "auth", 3, 30*time.Second, 2*time.Minute, 3)
	setBreakerDefaults(v, "external", 2, time.Minute, 5*time.Minute, 2)

	setRateClassDefaults(v, "login", 5, 15*time.Minute, false)
	setRateClassDefaults(v, "api", 100, time.Minute, false)
	setRateClassDefaults(v, "admin", 200, time.Minute, true)
	setRateClassDefaults(v, "password_reset", 3, time.Hour, true)
	v.SetDefault("rate_limit.local_cache_size", 10000)
	v.SetDefault("rate_limit.queue_size", 1000)
	v.SetDefault("rate_limit.sweep_interval", time.Minute)

	v.SetDefault("session.timeout", 24*time.Hour)
	v.SetDefault("session.max_concurrent", 3)
	v.SetDefault("session.cache_ttl", 5*time.Minute)
	v.SetDefault("session.cache_size", 10000)
	v.SetDefault("session.activity_refresh", time.Minute)
	v.SetDefault("session.blacklist_ttl", 48*time.Hour)
	v.SetDefault("session.sweep_interval", 10*time.Minute)

	v.SetDefault("security.monitoring_window", 5*time.Minute)
	v.SetDefault("security.suspicious_threshold", 5)
	v.SetDefault("security.block_duration", 24*time.Hour)
	v.SetDefault("security.high_volume_threshold", 20)
	v.SetDefault("security.dashboard_window", 24*time.Hour)
	v.SetDefault("security.dashboard_limit", 100)
	v.SetDefault("security.event_retention", 30*24*time.Hour)
	v.SetDefault("security.counter_cache_size", 10000)
	v.SetDefault("security.block_cache_size", 10000)
	v.SetDefault("security.block_cache_ttl", time.Minute)
	v.SetDefault("security.counter_sweep", time.Minute)
	v.SetDefault("security.retention_sweep", time.Hour)

	v.SetDefault("degradation.snapshot_ttl", 10*time.Minute)
	v.SetDefault("degradation.snapshot_cache_size", 1000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_backups", 14)
}

func setBreakerDefaults(v *viper.Viper, name string, threshold int, recovery, period time.Duration, volume int) {
	prefix := "breakers." + name + "."
	v.SetDefault(prefix+"failure_threshold", threshold)
	v.SetDefault(prefix+"recovery_timeout", recovery)
	v.SetDefault(prefix+"monitoring_period", period)
	v.SetDefault(prefix+"expected_volume", volume)
}

func setRateClassDefaults(v *viper.Viper, name string, requests int, window time.Duration, failClosed bool) {
	prefix := "rate_limit.classes." + name + "."
	v.SetDefault(prefix+"requests", requests)
	v.SetDefault(prefix+"window", window)
	v.SetDefault(prefix+"fail_closed", failClosed)
}

// Validate checks that all required configuration fields are present and valid.
// It returns a configuration error listing every problem found.
func Validate(bc *Bootstrap) error {
	var problems []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		problems = append(problems, "data.database.source (MYSQL_DSN) is required")
	}

	if bc.Session == nil || bc.Session.FingerprintKey == "" {
		problems = append(problems, "session.fingerprint_key (FINGERPRINT_KEY) is required")
	} else if len(bc.Session.FingerprintKey) < 32 {
		problems = append(problems, "session.fingerprint_key must be at least 32 bytes")
	}
	if bc.Session != nil && bc.Session.MaxConcurrent <= 0 {
		problems = append(problems, "session.max_concurrent must be positive")
	}

	if bc.Security != nil && bc.Security.SuspiciousThreshold <= 0 {
		problems = append(problems, "security.suspicious_threshold must be positive")
	}

	if bc.RateLimit != nil {
		names := make([]string, 0, len(bc.RateLimit.Classes))
		for name := range bc.RateLimit.Classes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c := bc.RateLimit.Classes[name]
			if c.Requests <= 0 || c.Window <= 0 {
				problems = append(problems, fmt.Sprintf("rate_limit.classes.%s needs positive requests and window", name))
			}
		}
	}

	for _, name := range sortedKeys(bc.Breakers) {
		b := bc.Breakers[name]
		if b.FailureThreshold <= 0 || b.RecoveryTimeout <= 0 {
			problems = append(problems, fmt.Sprintf("breakers.%s needs positive failure_threshold and recovery_timeout", name))
		}
	}

	if len(problems) > 0 {
		return pkgerrors.Configuration("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func sortedKeys(m map[string]*Breaker) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
