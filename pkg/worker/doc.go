// Package worker runs tasks of one type on a fixed set of goroutines fed by a
// bounded queue.
//
// Submit never blocks: a full queue rejects the task with ErrQueueFull so a
// slow sink cannot stall the event loop that produced the work. Stop closes
// the queue and waits for the tasks already accepted.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, req *http.Request) error {
//	    return send(ctx, req)
//	}, worker.WithName[*http.Request]("httppost"))
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
package worker
