package realtime

import (
	"context"
	"sync"

	"github.com/tably/tably/internal/schema"
)

const simQueueDepth = 256

// simStrategy is the no-network transport: publishes are enqueued and fanned
// out to local subscribers on a later tick, modeling eventual-but-ordered
// delivery so callers never come to rely on synchronous dispatch. Simulated
// publishes never fail.
type simStrategy struct {
	hooks transportHooks

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan schema.Frame

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newSimStrategy(hooks transportHooks) *simStrategy {
	ctx, cancel := context.WithCancel(context.Background())
	return &simStrategy{
		hooks:  hooks,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan schema.Frame, simQueueDepth),
	}
}

func (s *simStrategy) connect(context.Context) error {
	s.wg.Add(1)
	go s.pump()
	s.hooks.onState(true)
	return nil
}

func (s *simStrategy) pump() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.queue:
			s.hooks.onFrame(frame)
		}
	}
}

func (s *simStrategy) publish(ctx context.Context, frame schema.Frame) error {
	select {
	case <-s.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	case s.queue <- frame:
		return nil
	}
}

// subscribe is a no-op: the registry lives in the service, and the local bus
// has no remote side to inform.
func (s *simStrategy) subscribe([]string) error { return nil }

func (s *simStrategy) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.hooks.onState(false)
	})
}

func (s *simStrategy) mock() bool { return true }
