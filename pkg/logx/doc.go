// Package logx configures bikenotify's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, optionally rotated
//   - An optional forward sink to the operator channel (min-level + rate limiting)
package logx
