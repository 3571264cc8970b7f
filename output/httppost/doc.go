// Package httppost is the sending side of the HTTP bridge.
//
// A Pusher is a stream observer. Each signal it receives becomes one POST to
// the notify endpoint of a remote element:
//
//	POST {base}/loops/{loop}/elements/{element}?port=in&notification=next
//
// The body is the notification encoded with the configured codec, and the
// Content-Type names that codec. Delivery is fire and forget. Requests are
// handed to a worker pool; failures and non-200 responses are logged and
// dropped, never retried. With the default single worker, notifications reach
// the remote side in the order they were observed.
package httppost
