// Package audit records who changed which authorization relation and when.
// Mutations to roles, bindings, overrides, assignments, and units are
// appended to a durable trail; sensitive denials are recorded too. The trail
// is append-only and never pruned by this package.
package audit
