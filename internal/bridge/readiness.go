package bridge

import "sync"

// Readiness records whether the host side is ready to receive events. It is
// injected into every queue that buffers on it.
type Readiness struct {
	mu        sync.Mutex
	ready     bool
	callbacks []func()
}

func NewReadiness() *Readiness {
	return &Readiness{}
}

func (r *Readiness) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// MarkReady flips the state and runs the registered callbacks in
// registration order. Only the first call has an effect.
func (r *Readiness) MarkReady() {
	r.mu.Lock()
	if r.ready {
		r.mu.Unlock()
		return
	}
	r.ready = true
	callbacks := r.callbacks
	r.callbacks = nil
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// OnReady registers fn to run on MarkReady. If already ready, fn runs now.
func (r *Readiness) OnReady(fn func()) {
	r.mu.Lock()
	if !r.ready {
		r.callbacks = append(r.callbacks, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}
