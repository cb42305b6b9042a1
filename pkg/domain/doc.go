// Package domain defines the core business types for the cascata orchestration
// engine.
//
// This package contains pure domain logic. Its only external dependency is
// yaml.v3, for decoding wire names in playbook bundle files. All types in this
// package are:
//
// - Independent of infrastructure (no database, HTTP, gRPC, etc.)
// - Technology-agnostic (no framework coupling)
// - Testable in isolation without mocks
// - Stable and unlikely to change frequently
//
// Other packages (store, graph, modules, engine, orchestrator) implement the
// behaviour around these types and depend on them. The dependency direction is
// always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
