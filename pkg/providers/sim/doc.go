// Package sim provides an in-memory switch that implements the isolation
// group hardware abstraction. The daemon uses it when no hardware is attached
// and tests use it to count calls and inject failures.
package sim
