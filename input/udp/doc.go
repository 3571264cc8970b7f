// Package udp receives sensor readings as UDP datagrams and feeds them into
// a loop element.
//
// A Listener binds a socket, copies every datagram into a bounded queue and
// decodes it on a separate goroutine, so a burst of packets never blocks the
// socket. When the queue is full the oldest datagram is dropped and counted.
//
// Two payload shapes are accepted:
//
//   - a wire envelope, as written by the pub/sub bridge or the file
//     recorder, carrying an addressed Message: {"v":1,"kind":"next",...}
//   - any plain JSON value, delivered as is: {"speed": 120}
//
// Terminal signals are rejected: a datagram cannot complete or fail the
// element it feeds. Decoding failures are logged and counted, never
// forwarded.
//
// Readings are handed to the target through a stream.Scheduler. Give the
// runtime's event loop with WithScheduler so that elements only ever see
// signals on the loop goroutine:
//
//	speed, _ := app.Element("car_panda.speed")
//	l := udp.NewListener("0.0.0.0:5000", speed,
//	    udp.WithScheduler(loop),
//	    udp.WithMetricsRegistry(registry))
//	if err := l.Start(ctx); err != nil {
//	    return err
//	}
//	defer l.Stop(5 * time.Second)
//
// Binding retries with pkg/retry, since the port can be briefly held by a
// previous process during a restart.
package udp
