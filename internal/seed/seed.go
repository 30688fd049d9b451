// Package seed loads the optional world seed file: native component type
// registrations plus an initial set of entities, declared in yaml.
package seed

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/moonbridge/server/internal/core/ecs"
)

// File is the on-disk shape of a seed file:
//
//	native_types:
//	  - position
//	  - velocity
//	entities:
//	  - components:
//	      position: {x: 0, y: 0}
//	      tag: "player_start"
type File struct {
	NativeTypes []string `yaml:"native_types"`
	Entities    []Entity `yaml:"entities"`
}

type Entity struct {
	Components map[string]any `yaml:"components"`
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &f, nil
}

// Apply registers the declared native types and spawns the declared
// entities. Native types must be registered before the first script runs so
// component-name resolution never caches a stale dynamic classification.
func (f *File) Apply(store *ecs.Store) []ecs.EntityID {
	for _, name := range f.NativeTypes {
		store.Registry().Register(name)
	}
	spawned := make([]ecs.EntityID, 0, len(f.Entities))
	for _, e := range f.Entities {
		id := store.Spawn()
		for name, value := range e.Components {
			store.Set(id, name, normalize(value))
		}
		spawned = append(spawned, id)
	}
	return spawned
}

// normalize rewrites yaml's map[any]any shapes into the map[string]any /
// []any forms the rest of the engine traffics in.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
