package query

import "github.com/moonbridge/server/internal/core/ecs"

// Window is the (last-run, this-run] tick interval a change or add filter
// evaluates against: a write counts when it is strictly newer than the
// caller's previous run and not newer than the current one — exactly the
// interval a single frame's mutations fall into.
type Window struct {
	LastRun ecs.Tick
	ThisRun ecs.Tick
}

// Contains reports whether a write at tick t falls inside the window.
func (w Window) Contains(t ecs.Tick) bool {
	return t > w.LastRun && t <= w.ThisRun
}

// SinceTick builds the default window for ad-hoc calls that are not tied to
// a registered system: everything written during the previous frame.
func SinceTick(current ecs.Tick) Window {
	last := current
	if last > 0 {
		last--
	}
	return Window{LastRun: last, ThisRun: current}
}

// changedIn reports whether the named component on the given row was written
// inside the window.
func changedIn(v ecs.ArchetypeView, row int, ref TypeRef, name string, w Window) bool {
	ticks, ok := cellTicks(v, row, ref, name)
	return ok && w.Contains(ticks.Written)
}

// addedIn reports whether the named component was attached inside the window.
func addedIn(v ecs.ArchetypeView, row int, ref TypeRef, name string, w Window) bool {
	ticks, ok := cellTicks(v, row, ref, name)
	return ok && w.Contains(ticks.Added)
}

func cellTicks(v ecs.ArchetypeView, row int, ref TypeRef, name string) (ecs.CellTicks, bool) {
	if ref.Kind == KindNative {
		return v.NativeTicks(row, ref.ID)
	}
	return v.DynamicTicks(row, name)
}
