package types

// PoolConf holds the proxy pool's tunables (spec.md §4.3, §9 Open Question b).
type PoolConf struct {
	FMax                 int `ini:"f_max"`
	ProbeIntervalSeconds int `ini:"probe_interval_seconds"`
	ProbeTimeoutSeconds  int `ini:"probe_timeout_seconds"`
}

// SessionConf holds per-session tunables.
type SessionConf struct {
	ConnectTimeoutSeconds int `ini:"connect_timeout_seconds"`
	MaxAttempts           int `ini:"max_attempts"`
}

// OptimizerConf holds the auto-optimizer's tunables (spec.md §4.6).
type OptimizerConf struct {
	RetuneIntervalSeconds int    `ini:"retune_interval_seconds"`
	FetchTimeoutSeconds   int    `ini:"fetch_timeout_seconds"`
	BandwidthURL          string `ini:"bandwidth_url"`
}

// LogConf contains logging specific configuration.
type LogConf struct {
	Level string `ini:"level"`
}

// Config is the ini-mapped tunables file layered under CLI flags.
type Config struct {
	PoolConf      `ini:"pool"`
	SessionConf   `ini:"session"`
	OptimizerConf `ini:"optimizer"`
	LogConf       `ini:"log"`
}

// Defaults returns the tunables named as defaults in spec.md §9 Open Question (b).
func Defaults() Config {
	return Config{
		PoolConf: PoolConf{
			FMax:                 3,
			ProbeIntervalSeconds: 60,
			ProbeTimeoutSeconds:  5,
		},
		SessionConf: SessionConf{
			ConnectTimeoutSeconds: 10,
			MaxAttempts:           3,
		},
		OptimizerConf: OptimizerConf{
			RetuneIntervalSeconds: 600,
			FetchTimeoutSeconds:   20,
			BandwidthURL:          "https://speed.cloudflare.com/__down?bytes=10000000",
		},
		LogConf: LogConf{
			Level: "info",
		},
	}
}
