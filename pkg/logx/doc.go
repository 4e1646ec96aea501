// Package logx configures cronrelay's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Component children cheap (Logger.With(logx.String("comp", "...")))
package logx
