// Package logx configures sessionsms's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional status sink that echoes important records to the operator console
//     (min-level + rate limiting)
package logx
