// Package logging provides structured logging for Coffer.
//
// It wraps log/slog with configuration-driven level and format selection
// plus default service/version attributes. Components receive a *Logger
// (often narrowed with With("component", ...)) rather than creating their
// own handlers.
package logging
