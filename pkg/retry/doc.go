// Package retry implements capped exponential backoff with optional jitter.
//
// The runtime uses it when dialing the Knowledge store and pub/sub transports:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//		return client.Ping(ctx).Err()
//	})
//
// Errors wrapped with Permanent end the loop at once. Config.Retryable narrows
// retries further, typically to errors.IsTransient.
package retry
