package vehicle

import (
	"context"

	"go.uber.org/zap"
)

// worker is a background loop that can be stopped and waited for
type worker struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func startWorker(name string, log *zap.SugaredLogger, loop func(ctx context.Context)) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("%v loop panicked: %v", name, r)
			}
		}()
		log.Debugf("%v loop started", name)
		loop(ctx)
		log.Debugf("%v loop exited", name)
	}()
	return w
}

// stop cancels the loop and returns once it has exited, nil worker is a no-op
func (w *worker) stop() {
	if w == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *worker) running() bool {
	if w == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}
