// Package authz resolves effective permissions for users of a multi-tenant
// dealership platform.
//
// A user's permission set is derived from three sources: role-permission
// bindings inherited down the tenant's role tree, merged root-first with an
// explicit DENY terminal for its code; individually approved overrides,
// which supersede role-derived entries in both directions; and nothing at
// all, since a code absent from the merged set is denied by default.
//
// Resolution results are memoized in a two-tier cache keyed by user and
// organizational context. Any mutation to roles, bindings, assignments,
// overrides, or unit structure invalidates the whole tenant's cached sets
// after commit. Every failure path denies.
package authz
