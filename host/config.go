package host

import "time"

const (
	// DefaultAPIVersion is the newest mapping apiVersion the host accepts.
	DefaultAPIVersion = "0.0.5"

	// DefaultMinAPIVersion is the oldest mapping apiVersion the host accepts.
	DefaultMinAPIVersion = "0.0.4"

	DefaultMemoryLimitPages = 256
	DefaultHandlerTimeout   = 30 * time.Second
	DefaultHostCallBudget   = 1_000_000
)

// Config holds sandbox limits.
type Config struct {
	// APIVersion is the host's ABI version. Modules must be tagged with a
	// version on the same major.minor line that is not newer than this.
	APIVersion string `mapstructure:"api_version" yaml:"api_version"`

	// MinAPIVersion is the oldest accepted module tag.
	MinAPIVersion string `mapstructure:"min_api_version" yaml:"min_api_version"`

	// MemoryLimitPages caps guest memory per instance in 64KiB pages.
	// 0 means 256 pages (16MiB).
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages" yaml:"memory_limit_pages"`

	// HandlerTimeout bounds one handler invocation including the host calls
	// it makes. An invocation that runs out of time closes the instance.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`

	// HostCallBudget bounds the host exports one handler invocation may call.
	HostCallBudget uint64 `mapstructure:"host_call_budget" yaml:"host_call_budget"`

	// MaxDepth bounds value nesting in both directions. 0 uses the codec default.
	MaxDepth int `mapstructure:"max_depth" yaml:"max_depth"`

	// DecodeLimit bounds the bytes one guest object may span. 0 uses the
	// codec default.
	DecodeLimit uint64 `mapstructure:"decode_limit" yaml:"decode_limit"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		APIVersion:       DefaultAPIVersion,
		MinAPIVersion:    DefaultMinAPIVersion,
		MemoryLimitPages: DefaultMemoryLimitPages,
		HandlerTimeout:   DefaultHandlerTimeout,
		HostCallBudget:   DefaultHostCallBudget,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.APIVersion == "" {
		c.APIVersion = d.APIVersion
	}
	if c.MinAPIVersion == "" {
		c.MinAPIVersion = d.MinAPIVersion
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = d.MemoryLimitPages
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	if c.HostCallBudget == 0 {
		c.HostCallBudget = d.HostCallBudget
	}
	return c
}
