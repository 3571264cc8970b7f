// Package health aggregates component health for the gateway's /healthz
// endpoint.
//
// A Monitor holds named checks. Each check returns a Status; Check runs all
// of them and folds the results into one aggregate:
//
//	mon := health.NewMonitor()
//	mon.Register("store", func(ctx context.Context) health.Status {
//		return health.FromError("store", rdb.Ping(ctx).Err())
//	})
//	status := mon.Check(ctx)
//
// The aggregate is unhealthy when any check is unhealthy, degraded when any
// is degraded, and healthy otherwise. Error messages are sanitized before
// they are exposed: URLs, paths, addresses and credentials are redacted.
package health
