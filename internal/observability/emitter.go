package observability

// EventEmitter is the narrow slice of events.EventEmitter this package
// needs, kept local so observability does not import internal/events just
// for one method signature.
type EventEmitter interface {
	Emit(eventType, source, subject, tenantID string, data map[string]interface{})
}

// EmitAlertTransitions returns an (onFire, onResolve) pair that publishes
// "wopr.alert.fired" / "wopr.alert.resolved" CloudEvents on emitter, for
// wiring into NewAlertChecker alongside a Prometheus-only deployment. Alerts
// are fleet-wide, not scoped to a tenant, so they always emit with tenantID
// "" — contrast internal/billing's auto-topup events, which carry the real
// tenant and so get their own Pub/Sub ordering lane.
func EmitAlertTransitions(emitter EventEmitter) (OnFireFunc, OnResolveFunc) {
	onFire := func(name AlertName, detail string) {
		emitter.Emit("wopr.alert.fired", "observability", string(name), "", map[string]interface{}{
			"alert":  string(name),
			"detail": detail,
		})
	}
	onResolve := func(name AlertName) {
		emitter.Emit("wopr.alert.resolved", "observability", string(name), "", map[string]interface{}{
			"alert": string(name),
		})
	}
	return onFire, onResolve
}
