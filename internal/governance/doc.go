// Package governance holds the runtime safety controls applied uniformly to every
// pipeline step: retry with back-off and timeout enforcement.
//
// The executor resolves per-node overrides on top of the pipeline defaults and
// consults these primitives between attempts; handlers never retry on their own.
package governance
