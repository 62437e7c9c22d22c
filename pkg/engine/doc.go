// Package engine runs pipeline DAGs.
//
// Architecture:
//
// registry.go         - Pipeline registry: graph validation, cached topological order, hot reload
// executor.go         - Core DAG execution engine (DAGExecutor, trigger rules, governance, handler registry)
// handlers_builtin.go - Built-in terminal handlers (TerminalEnd, Passthrough)
// simulator.go        - Side-effect free pipeline simulation
// triggers.go         - @once trigger backed by the run history
// http_handler.go     - HTTP run API (RunHandler)
//
// Node handlers for the user-processing pipeline live in the handlers subpackage;
// the contracts shared with them live in runtime.
package engine
