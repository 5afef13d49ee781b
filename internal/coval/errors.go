package coval

import "errors"

var (
	// ErrUnknownDependency is returned when a CoValue's header or
	// governing group has not been resolved yet; the caller should
	// request it and retry ingest once it lands.
	ErrUnknownDependency = errors.New("coval: unknown dependency")
	// ErrPermissionDenied is returned from Write when the local
	// account's role is insufficient; inbound transactions never
	// surface this as an ingest error (per the error table, a
	// permission-denied transaction is recorded but excluded from the
	// view, not rejected at the message level).
	ErrPermissionDenied = errors.New("coval: permission denied")
	// ErrUnknownKind is returned when a header names a Kind this
	// build does not know how to fold.
	ErrUnknownKind = errors.New("coval: unknown kind")
)
