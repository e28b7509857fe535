// Package events is the in-process publish/subscribe core that connects host
// services to installed plugins.
//
//   - name.go: Name syntax, wildcard matching ("<domain>.*").
//   - catalog.go: the static event taxonomy and typed payloads.
//   - bus.go: Bus with copy-on-write subscription snapshots and isolated,
//     time-bounded, concurrent handler dispatch.
//   - sink.go: audit sinks fed with every EmissionResult.
//   - metrics.go: Prometheus collectors for emissions and handler outcomes.
//
// Emission never surfaces handler failures to the emitter. Only caller errors
// (malformed names, payloads rejected by the catalog) are returned from Emit.
package events
