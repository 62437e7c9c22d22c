// Package domain defines the core types and interfaces of the pipeline runner.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, HTTP, filesystem, etc.)
// - Testable in isolation without mocks
// - Stable and unlikely to change frequently
//
// Other packages (engine, storage, config, alerting) implement the interfaces defined
// here and depend on these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
