// --- File: pkg/realtime/realtime.go ---
// ServiceDependencies consolidates the external collaborators the realtime
// service needs to operate; it is the single injection point for wiring and
// for substituting fakes in tests.
package realtime

// ServiceDependencies holds all the external services the realtime service
// needs to operate. Constructed once at process start and passed by
// reference into each component; no global singletons.
type ServiceDependencies struct {
	// --- Cross-instance shared state ---
	Registry ConnectionRegistry
	Bus      Bus

	// --- Durable delivery ---
	Broker  QueueBroker
	Gateway PushGateway

	// --- External collaborators ---
	Store    Store
	Verifier Verifier
}
