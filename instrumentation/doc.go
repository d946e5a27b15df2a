// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authentication core. Flows record counters for started, completed and failed
// logins, device-flow poll attempts, token refreshes, and rate-limit
// rejections; spans cover the authorization-code and device-flow operations.
//
// Instrumentation is optional: when disabled (or when a nil *Instrumentation
// is passed around) no-op providers are used and recording has no overhead.
package instrumentation
