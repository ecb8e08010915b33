// Package logx is a small structured logging facade over zerolog.
//
// It supports three sinks, all reconfigurable at runtime via Apply():
//   - console (human-readable)
//   - file (JSON lines)
//   - a Telegram service channel, rate limited so error storms cannot flood
//     operators
//
// The zero Logger value is a safe no-op, which keeps constructors of
// lower-level components free of nil checks.
package logx
