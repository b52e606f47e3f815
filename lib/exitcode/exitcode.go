// Package exitcode exports sourcemerge's exit status numbers.
package exitcode

const (
	// Success is returned when the command finished without error.
	Success = iota
	// UsageError is returned when there was a syntax or usage error in the arguments.
	UsageError
	// UncategorizedError is returned for any error not categorised otherwise.
	UncategorizedError
	// ConfigError is returned when the configuration file is missing or invalid.
	ConfigError
	// Busy is returned when a pass only hit transient busy conditions and may be retried.
	Busy
	// Mixed is returned when a pass hit both busy conditions and hard failures.
	Mixed
	// Failure is returned when a pass hit hard failures only.
	Failure
)
