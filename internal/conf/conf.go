package conf

import "time"

// Bootstrap is the root configuration.
type Bootstrap struct {
	Server      *Server
	Data        *Data
	Breakers    map[string]*Breaker
	RateLimit   *RateLimit
	Session     *Session
	Security    *Security
	Degradation *Degradation
	Log         *Log
}

// Server holds transport settings.
type Server struct {
	HTTP *Server_HTTP
	GRPC *Server_GRPC
}

// Server_HTTP configures the HTTP server.
type Server_HTTP struct { //nolint:revive // mirrors the config key layout
	Network string
	Addr    string
	Timeout time.Duration
}

// Server_GRPC configures the gRPC server.
type Server_GRPC struct { //nolint:revive // mirrors the config key layout
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds persistence settings.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database configures the MySQL store and its resilience wrapper.
type Data_Database struct { //nolint:revive // mirrors the config key layout
	Driver string
	Source string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	ConnectTimeout      time.Duration
	QueryTimeout        time.Duration
	MaxRetries          int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	HealthCheckInterval time.Duration
	AutoMigrate         bool
}

// Data_Redis configures the Redis cache.
type Data_Redis struct { //nolint:revive // mirrors the config key layout
	Network      string
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Breaker overrides the thresholds of one named circuit breaker.
type Breaker struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MonitoringPeriod time.Duration
	ExpectedVolume   int
}

// RateLimit configures the two-tier rate limiter.
type RateLimit struct {
	Classes        map[string]*RateLimitClass
	LocalCacheSize int
	QueueSize      int
	SweepInterval  time.Duration
}

// RateLimitClass is the budget of one endpoint class.
type RateLimitClass struct {
	Requests   int
	Window     time.Duration
	FailClosed bool
}

// Session configures session lifecycle.
type Session struct {
	Timeout         time.Duration
	MaxConcurrent   int
	CacheTTL        time.Duration
	CacheSize       int
	ActivityRefresh time.Duration
	BlacklistTTL    time.Duration
	FingerprintKey  string
	SweepInterval   time.Duration
}

// Security configures the event ledger and anomaly detector.
type Security struct {
	MonitoringWindow    time.Duration
	SuspiciousThreshold int
	BlockDuration       time.Duration
	HighVolumeThreshold int
	DashboardWindow     time.Duration
	DashboardLimit      int
	EventRetention      time.Duration
	CounterCacheSize    int
	BlockCacheSize      int
	BlockCacheTTL       time.Duration
	CounterSweep        time.Duration
	RetentionSweep      time.Duration
}

// Degradation configures fallback snapshots.
type Degradation struct {
	SnapshotTTL       time.Duration
	SnapshotCacheSize int
}

// Log configures the zap logger.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
	// 日志文件轮转，OutputFile 为空时不生效
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}
