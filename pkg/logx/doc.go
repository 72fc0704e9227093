// Package logx is jobrelay's structured logging: a small value-type Logger
// over zerolog.
//
// A Service owns the sinks (console, JSON lines, file) and swaps them on
// Apply, so loggers derived from it follow config reloads. Components tag
// their lines with Comp, JobID, User and Engine; per-message paths use
// Sample to thin Trace and Debug output.
package logx
