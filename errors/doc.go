// Package errors classifies failures across the MAPE runtime.
//
// Three classes drive handling decisions:
//
//	ErrorTransient  store or transport hiccups; retry with backoff
//	ErrorInvalid    caller input such as an unresolvable path; report to the caller
//	ErrorFatal      registration conflicts and lost critical sections; abort the operation
//
// Errors are wrapped with the "component.method: action failed: cause" pattern:
//
//	if err := k.client.SAdd(ctx, key, member).Err(); err != nil {
//		return errors.WrapTransient(err, "Set", "Add", "redis sadd")
//	}
//
// Registry failures carry structure. NotFoundError names the path segment kind
// (level, loop or element) that failed to resolve, and ConflictError names the
// rejected uid together with the reason (ErrConflict, ErrReservedName or
// ErrInvalidUID):
//
//	_, err := app.Resolve("highway.speed")
//	var nf *errors.NotFoundError
//	if errors.As(err, &nf) && nf.Kind == "element" {
//		// the loop exists, the element does not
//	}
package errors
