package conn

// dispatchWorkers is the fixed size of the completion-dispatch worker
// pool. Completions run off the reader goroutine so a slow user
// continuation cannot stall the receive loop (spec.md §4.C).
const dispatchWorkers = 4

// dispatcher runs completion closures off the reader goroutine, unless
// InlineDispatch is set (spec.md §4.D "Completion dispatch": "An option
// exists to enable synchronous inline dispatch for test harnesses").
type dispatcher struct {
	inline bool
	tasks  chan func()
	done   chan struct{}
}

func newDispatcher(inline bool) *dispatcher {
	d := &dispatcher{inline: inline}
	if inline {
		return d
	}
	d.tasks = make(chan func(), 256)
	d.done = make(chan struct{})
	for i := 0; i < dispatchWorkers; i++ {
		go d.run()
	}
	return d
}

func (d *dispatcher) run() {
	for {
		select {
		case f, ok := <-d.tasks:
			if !ok {
				return
			}
			f()
		case <-d.done:
			return
		}
	}
}

// submit runs f, either inline or on a worker goroutine.
func (d *dispatcher) submit(f func()) {
	if d.inline {
		f()
		return
	}
	d.tasks <- f
}

// stop shuts down the worker pool. Safe to call once.
func (d *dispatcher) stop() {
	if d.inline {
		return
	}
	close(d.done)
}
