package authz

import "errors"

var (
	// ErrNotFound is returned when a referenced role, permission code, unit,
	// or override does not exist. Never silently defaulted.
	ErrNotFound = errors.New("authz: not found")

	// ErrNotCustomizable is returned when customization is attempted on a
	// role whose bindings are fixed (typically system roles).
	ErrNotCustomizable = errors.New("authz: role is not customizable")

	// ErrMissingJustification is returned when an override is created without
	// the required business justification or reason.
	ErrMissingJustification = errors.New("authz: override requires justification and reason")

	// ErrInvalidEffect is returned when an effect is neither ALLOW nor DENY.
	ErrInvalidEffect = errors.New("authz: effect must be ALLOW or DENY")

	// ErrCacheUnavailable marks a cache tier failure. The tiered cache
	// swallows it (the resolver, not the cache, is authoritative); it is
	// surfaced only from explicit invalidation, which must never be skipped.
	ErrCacheUnavailable = errors.New("authz: cache tier unavailable")
)
