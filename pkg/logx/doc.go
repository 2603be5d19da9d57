// Package logx is the structured logging layer shared by every hundredbot component.
//
// A Logger wraps zerolog and carries fixed fields added with With. Loggers
// derived from a Service follow its sinks across Apply calls, so a config
// reload can change level and outputs without rebuilding components:
//   - console (human readable, short caller)
//   - file (JSON lines)
//   - telegram ops chat (min level + rate limit, never blocks the caller)
package logx
