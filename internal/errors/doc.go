// Package errors provides coded, actionable errors for the collabsync
// command line.
//
// Library packages return plain Go errors. The CLI and the config loader
// translate the failures a user can act on into an *Error carrying a code,
// a short message, an optional explanation, a hint, and, for config files,
// the offending line.
//
// # Error Codes
//
// Codes are grouped by the layer that raises them:
//   - E1xx: configuration files and settings
//   - E2xx: command line usage
//   - E3xx: relay and connection failures
//
// # Usage
//
//	err := errors.New("E104").
//	    WithLocation("collabsync.yaml", 7, 18).
//	    WithSuggestion(`Use a Go duration such as "30s" or "1m30s"`)
//
//	errors.PrintError(err)
//	// ERROR E104: Invalid duration
//	//
//	//   collabsync.yaml:7:18
//	//
//	//        6 │ client:
//	//   →    7 │   heartbeatInterval: soon
//	//          │                  ^
//	//        8 │   heartbeatTimeout: 10s
//	//
//	//   Hint: Use a Go duration such as "30s" or "1m30s"
package errors
