package server

import (
	"context"
	"remotectl/world"
	"time"
)

// DefaultTickRate is the number of ticks per second Run performs by default.
const DefaultTickRate = 60

// MaxTickRate is the fastest rate Run honours; higher rates run at this one.
const MaxTickRate = 1000

// System is a host callback run on the tick goroutine with exclusive access to the world.
type System func(w *world.World)

// Loop is the tick domain. Each tick runs Prepare, drains the mailbox, then runs After.
//
//	┌──────── tick ────────┐
//	│ Prepare systems      │  host simulation
//	│ DrainAndDispatch     │  remote requests
//	│ After systems        │  react to remote changes
//	└──────────────────────┘
type Loop struct {
	TickRate   int
	Prepare    []System
	After      []System
	dispatcher *Dispatcher
	tick       uint64
}

func NewLoop(d *Dispatcher, tickRate int) *Loop {
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	return &Loop{TickRate: tickRate, dispatcher: d}
}

// Tick reports how many ticks have run.
func (l *Loop) Tick() uint64 { return l.tick }

// Step runs one tick synchronously and returns the number of requests it answered.
func (l *Loop) Step() int {
	w := l.dispatcher.World()
	for _, system := range l.Prepare {
		system(w)
	}
	n := l.dispatcher.DrainAndDispatch()
	for _, system := range l.After {
		system(w)
	}
	l.tick++
	return n
}

// Run steps at TickRate until ctx ends. The final drain answers requests that were already
// queued so that their connections are not left waiting.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Step()
		case <-ctx.Done():
			l.dispatcher.DrainAndDispatch()
			return nil
		}
	}
}

// interval is the ticker period for TickRate. Rates below 1 use DefaultTickRate and rates above
// MaxTickRate use MaxTickRate, so the period is never zero.
func (l *Loop) interval() time.Duration {
	rate := l.TickRate
	if rate < 1 {
		rate = DefaultTickRate
	}
	return time.Second / time.Duration(min(rate, MaxTickRate))
}
