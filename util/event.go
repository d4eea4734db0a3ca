package util

import (
	"sync"
)

// Event is a one-shot latch. Once notified it stays notified; every waiter,
// past and future, is released.
type Event struct {
	once sync.Once
	c    chan struct{}
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}),
	}
}

// Notify releases all waiters. Further calls do nothing.
func (e *Event) Notify() {
	e.once.Do(func() { close(e.c) })
}

// Wait blocks until Notify has been called.
func (e *Event) Wait() {
	<-e.c
}
