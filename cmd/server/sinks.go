package main

import (
	"context"
	"sync"
)

// backgroundSinks runs the alert sinks that deliver on their own
// goroutines. Their context is independent of the signal context, so
// alerts raised while requests and jobs drain are still delivered.
type backgroundSinks struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBackgroundSinks() *backgroundSinks {
	ctx, cancel := context.WithCancel(context.Background())
	return &backgroundSinks{ctx: ctx, cancel: cancel}
}

// Go starts run under the sinks' context.
func (b *backgroundSinks) Go(run func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		run(b.ctx)
	}()
}

// Stop cancels every sink and waits for them to flush, bounded by ctx.
// Call it only after the producers of alerts have stopped.
func (b *backgroundSinks) Stop(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
