// Package admin serves the isogrpd inspection and debug API.
//
// Routes:
//
//	GET    /healthz                     runner, port readiness and journal health
//	GET    /metrics                     Prometheus metrics
//	GET    /v1/groups                   every group snapshot
//	POST   /v1/groups                   create a group {name, type, ...}
//	GET    /v1/groups/{name}            one group snapshot
//	DELETE /v1/groups/{name}            delete, 202 when deferred by observers
//	PUT    /v1/groups/{name}/bind-ports replace bind ports {ports: "csv"}
//	PUT    /v1/groups/{name}/members    replace members {ports: "csv"}
//	GET    /v1/events                   journal events
//	GET    /v1/audit                    audit entries
//
// Engine errors map to HTTP status codes: invalid parameters 400, unknown
// groups 404, rejected requests 409, hardware failures 500 and retryable
// errors 503. Handlers never touch the registry directly; they submit
// closures to the engine runner, so requests are serialized with
// configuration records and port events.
//
// Client wraps the same routes for the isogrpd command line.
package admin
