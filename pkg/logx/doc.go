// Package logx configures the relay's structured logging.
//
// Logger is a small wrapper over zerolog with a console writer (short
// timestamp and caller), an optional JSON file sink and an optional
// rate-limited Telegram alert sink for warnings and errors.
package logx
