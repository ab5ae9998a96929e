// Package logx is pewtask's structured logging on top of zerolog.
//
// Components take a Logger by value and narrow it with With. A Service owns
// the sinks (pretty console, JSON lines file) and swaps them atomically on
// Apply, so loggers handed out at startup follow config reloads.
package logx
