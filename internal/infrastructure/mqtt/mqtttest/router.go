package mqtttest

import "sync"

// router runs a client's inbound work one item at a time, the way paho's
// router goroutine does. Message callbacks and the completion of QoS>0
// publish, subscribe and unsubscribe tokens share it, so a callback that
// blocks also holds back acknowledgements on that client.
type router struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	started bool
}

func newRouter() *router {
	r := &router{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// post queues fn behind earlier work and returns immediately.
func (r *router) post(fn func()) {
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	if !r.started {
		r.started = true
		go r.run()
	}
	r.cond.Signal()
	r.mu.Unlock()
}

// do queues fn and waits until it has run.
func (r *router) do(fn func()) {
	done := make(chan struct{})
	r.post(func() {
		defer close(done)
		fn()
	})
	<-done
}

func (r *router) run() {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 {
			r.cond.Wait()
		}
		fn := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		fn()
	}
}
