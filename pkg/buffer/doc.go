// Package buffer provides a bounded FIFO queue with an overflow policy, used
// to decouple fast producers (element pipelines) from slow consumers (remote
// transports).
//
// Queue semantics:
//
//   - Push never blocks under DropOldest and DropNewest; under Block it waits
//     for room or for its context.
//   - Pop waits for an item or for its context; after Close it drains what is
//     left and then returns errors.ErrStopped.
//   - Dropped items are handed to the drop callback so callers can log or
//     count them.
//
// A publisher typically pushes from the event loop and pops on its own
// goroutine:
//
//	q := buffer.New[[]byte](1024, buffer.WithMetrics[[]byte](metrics, "car_1.plan"))
//	go func() {
//	    for {
//	        frame, err := q.Pop(ctx)
//	        if err != nil {
//	            return
//	        }
//	        send(frame)
//	    }
//	}()
package buffer
