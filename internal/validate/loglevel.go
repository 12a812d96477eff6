// SPDX-License-Identifier: MIT
package validate

import "fmt"

// LogLevel is one of the levels accepted by log.level and RLMD_LOG_LEVEL.
type LogLevel string

// Accepted log levels.
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var logLevels = []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError}

// ParseLogLevel returns s as a LogLevel or an *Error for the log.level field.
func ParseLogLevel(s string) (LogLevel, error) {
	for _, l := range logLevels {
		if LogLevel(s) == l {
			return l, nil
		}
	}
	return "", &Error{
		Field:   "log.level",
		Value:   s,
		Message: fmt.Sprintf("invalid log level %q (must be one of %v)", s, logLevels),
	}
}

// LogLevel validates a log level setting.
func (v *Validator) LogLevel(field, value string) {
	if _, err := ParseLogLevel(value); err != nil {
		v.AddError(field, fmt.Sprintf("invalid log level %q (must be one of %v)", value, logLevels), value)
	}
}
