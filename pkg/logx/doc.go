// Package logx is medwatch's structured logger: zerolog underneath, a small
// typed field API on top, and a Service whose level and outputs can be
// swapped on config reload while derived loggers keep working.
package logx
