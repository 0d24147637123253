package messaging

import "sync"

// observer re-renders on its own goroutine whenever it is poked. Pokes that
// arrive while a render is running collapse into one more render.
type observer struct {
	render func()
	dirty  chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (o *observer) run() {
	o.render()
	for {
		select {
		case <-o.done:
			return
		case <-o.dirty:
			select {
			case <-o.done:
				return
			default:
			}
			o.render()
		}
	}
}

func (o *observer) poke() {
	select {
	case o.dirty <- struct{}{}:
	default:
	}
}

func (o *observer) stopped() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// observerSet is one event class worth of listeners. Every change to the
// class pokes every member.
type observerSet struct {
	mu    sync.Mutex
	next  int
	items map[int]*observer
}

// add starts render on a new goroutine. render receives the observer so it
// can check for cancellation before delivering.
func (s *observerSet) add(render func(o *observer)) func() {
	o := &observer{dirty: make(chan struct{}, 1), done: make(chan struct{})}
	o.render = func() { render(o) }

	s.mu.Lock()
	if s.items == nil {
		s.items = make(map[int]*observer)
	}
	id := s.next
	s.next++
	s.items[id] = o
	s.mu.Unlock()

	go o.run()
	return func() {
		o.once.Do(func() {
			close(o.done)
			s.mu.Lock()
			delete(s.items, id)
			s.mu.Unlock()
		})
	}
}

func (s *observerSet) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.items {
		o.poke()
	}
}

func (s *observerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
