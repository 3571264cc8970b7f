// Package natsclient manages the NATS connection used by the pub/sub bridge
// when NATS is the transport.
//
// The client wraps a core NATS connection (no JetStream: bridge delivery is
// at-most-once) with a status model, slog logging and a circuit breaker that
// makes repeated failed dials fail fast:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("mapeflow"),
//	    natsclient.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	sub, err := client.Subscribe(ctx, "mapeflow.car_*.safety", func(m natsclient.Msg) {
//	    handle(m.Subject, m.Data)
//	})
package natsclient
