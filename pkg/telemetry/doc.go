// Package telemetry wires OpenTelemetry exporters and meters for pipeline runs.
//
// It centralises trace provider setup, records node and run metrics through the
// global meter provider, strips personal data from span attributes before export
// and exposes a Prometheus registry for the HTTP run API.
package telemetry
