// Package engine assembles a runnable MAPE-K process from a config.Config.
//
// A Runtime owns the infrastructure every loop shares:
//
//	┌──────────────┐   schedules   ┌────────────────────┐
//	│  event loop  │ ◄──────────── │ elements, bridges, │
//	└──────────────┘               │ HTTP handlers      │
//	                               └────────────────────┘
//	┌──────────────┐  Knowledge    ┌────────────────────┐
//	│ redis client │ ◄──────────── │ app / level / loop │
//	└──────────────┘  + pub/sub    └────────────────────┘
//	┌──────────────┐
//	│ nats client  │  pub/sub when pubsub.transport is "nats"
//	└──────────────┘
//	┌──────────────┐  ┌──────────────┐
//	│ HTTP gateway │  │ /metrics     │
//	└──────────────┘  └──────────────┘
//
// Typical use:
//
//	rt, err := engine.New(cfg, engine.WithLogger(logger))
//	loop, err := mape.NewLoop(rt.App(), "car_1")
//	// declare elements and wire them ...
//	pub, err := rt.Publisher("")
//	monitor.Subscribe(pub)
//	if err := rt.Init(ctx); err != nil { ... }
//	loop.StartMonitors()
//	<-ctx.Done()
//	_ = rt.Shutdown(shutdownCtx)
//
// Init connects to the Knowledge store with retry and enables keyspace
// notifications when configured. Shutdown stops elements first so that
// publishers flush what their loops emitted on the way down.
package engine
