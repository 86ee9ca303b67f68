package util

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention for weave components:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal
//     operation, with the exception of one time (infrequent) initialization data
//     this includes:
//     - connection timeouts and teardown
//     - abnormal exits
// Error:
//     unrecoverable crash details
// Debug (V(1) and up):
//     key events for trace debugging and statistics
//     this includes:
//     - key system events with hashes/ids that can be used to filter
//     - frequent events - e.g. save, load, offer, tick -
//       summarized rather than logged per data point

const LogLevelUrgent = 0
const LogLevelInfo = 1
const LogLevelDebug = 2

type LogFunction func(string, ...any)

// LogFn returns a tagged log function at a verbosity level.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

// SubLogFn nests a tag under an existing log function.
func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
