package layer

import "fmt"

// Resolver looks up an environment by name, for splicing in Reference
// layers. Callers typically back this with a loaded-configs cache.
type Resolver func(name string) (*Environment, error)

// Flatten returns a copy of env with every Reference layer recursively
// replaced by the layers of the environment it names, in place. The
// result contains no Reference layers.
//
// Duplicate layers produced when two references (directly or
// transitively) pull in the same underlying environment are NOT
// deduplicated; this matches the original implementation's
// undocumented behavior and is preserved here rather than "fixed",
// since the effect of deduplicating is unknown without the original
// author's intent.
func Flatten(env *Environment, resolve Resolver) (*Environment, error) {
	flat := &Environment{
		Name:     env.Name,
		Provides: env.Provides,
		Requires: env.Requires,
	}

	seen := map[string]bool{env.Name: true}
	layers, err := flattenLayers(env.Layers, resolve, seen)
	if err != nil {
		return nil, err
	}
	flat.Layers = layers

	if err := flat.Validate(); err != nil {
		return nil, err
	}
	return flat, nil
}

func flattenLayers(layers []Layer, resolve Resolver, seen map[string]bool) ([]Layer, error) {
	var out []Layer
	for _, l := range layers {
		if l.Type != KindReference {
			out = append(out, l)
			continue
		}

		if seen[l.LowerLayerName] {
			return nil, fmt.Errorf("layer: reference cycle detected at %q", l.LowerLayerName)
		}

		referenced, err := resolve(l.LowerLayerName)
		if err != nil {
			return nil, fmt.Errorf("layer: resolving reference %q: %w", l.LowerLayerName, err)
		}

		seen[l.LowerLayerName] = true
		spliced, err := flattenLayers(referenced.Layers, resolve, seen)
		delete(seen, l.LowerLayerName)
		if err != nil {
			return nil, err
		}
		out = append(out, spliced...)
	}
	return out, nil
}
