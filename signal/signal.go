// Package signal models the level-sensitive lines the peripherals
// expose: interrupt outputs and DMA request pins. Levels and edges
// use the periph.io gpio vocabulary so lines compose with external
// pin handling.
package signal

import (
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// Line is a level-sensitive output line. Watchers observe actual
// level changes only; setting a line to its current level is a no-op.
type Line struct {
	name string

	mu       sync.Mutex
	level    gpio.Level
	watchers []func(gpio.Level)
}

func NewLine(name string) *Line {
	return &Line{name: name, level: gpio.Low}
}

func (l *Line) Name() string { return l.name }

func (l *Line) Level() gpio.Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Set drives the line to lv, notifying watchers on change. Watchers
// run synchronously on the caller's goroutine, outside the line lock.
func (l *Line) Set(lv gpio.Level) {
	l.mu.Lock()
	if l.level == lv {
		l.mu.Unlock()
		return
	}
	l.level = lv
	watchers := l.watchers
	l.mu.Unlock()
	for _, w := range watchers {
		w(lv)
	}
}

func (l *Line) High() { l.Set(gpio.High) }
func (l *Line) Low()  { l.Set(gpio.Low) }

// Watch registers fn to run on every level change.
func (l *Line) Watch(fn func(gpio.Level)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

// Edge classifies a level change.
func Edge(old, new gpio.Level) gpio.Edge {
	switch {
	case old == new:
		return gpio.NoEdge
	case new == gpio.High:
		return gpio.RisingEdge
	default:
		return gpio.FallingEdge
	}
}
