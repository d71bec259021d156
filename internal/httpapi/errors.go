package httpapi

import "errors"

// errInternal is the generic message returned for any unclassified 500,
// per spec.md 7: "a generic message plus a correlation id is returned, and
// full detail is logged."
var errInternal = errors.New("internal server error")
