package system

import "time"

// Phase defines execution ordering within a single frame.
type Phase int

const (
	PhaseInput   Phase = iota // 0: drain external events, pending script jobs
	PhaseScript              // 1: run registered per-frame script callbacks
	PhaseApply                // 2: begin next tick, drain the deferred update queue
	PhaseCleanup              // 3: flush despawns, prune caches and ledgers
)

// System is the interface every frame system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}

// Func adapts a plain function into a System for hosts that wire methods
// directly into the runner.
func Func(phase Phase, fn func(dt time.Duration)) System {
	return funcSystem{phase: phase, fn: fn}
}

type funcSystem struct {
	phase Phase
	fn    func(dt time.Duration)
}

func (s funcSystem) Phase() Phase             { return s.phase }
func (s funcSystem) Update(dt time.Duration) { s.fn(dt) }
