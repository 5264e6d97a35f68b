// Package logx is a small structured logging facade over zerolog.
//
// It exists so the rest of the codebase depends on a stable, minimal API
// (Logger + Field helpers) while sink configuration stays swappable at runtime.
package logx
