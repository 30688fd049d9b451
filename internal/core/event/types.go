package event

import "github.com/moonbridge/server/internal/core/ecs"

// SourceChanged announces that a module's source text changed on its origin
// (file edit, upstream push). The scripting host reacts by invalidating the
// module cache and re-executing affected modules.
type SourceChanged struct {
	Path string
}

// SourceDelivered carries source bytes that arrived from an asynchronous
// fetch; it resumes any script call suspended on the path.
type SourceDelivered struct {
	Path string
	Data []byte
}

// ModuleReloaded is published after a module was successfully re-executed.
type ModuleReloaded struct {
	Path string
}

// EntityDespawned is published when a queued despawn is flushed.
type EntityDespawned struct {
	Entity ecs.EntityID
}
