// Package capreg implements the capability registry: a symlink farm
// mapping capability identifier strings to the config file that
// provides them, used to resolve --base-environment and to flatten
// Reference layers.
package capreg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/okirch/wormhole/internal/trace"
	"github.com/okirch/wormhole/layer"
)

// Registry is a symlink farm rooted at Dir. Each entry is a symlink
// named after a capability string, pointing at the config file that
// provides it.
type Registry struct {
	Dir string
}

// New returns a Registry rooted at dir. dir is not created here; callers
// wanting to guarantee it exists should call fsops.Makedirs first.
func New(dir string) *Registry {
	return &Registry{Dir: dir}
}

// Register installs a symlink for every capability in provides pointing
// at path's absolute form. A capability already pointing at the same
// path is left alone; one pointing elsewhere is an error and no
// symlinks are created.
func (r *Registry) Register(provides []string, path string) error {
	if len(provides) == 0 {
		return nil
	}
	real, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("capreg: resolve %s: %w", path, err)
	}

	var toInstall []string
	for _, id := range provides {
		target, err := os.Readlink(filepath.Join(r.Dir, id))
		switch {
		case err == nil:
			if target == real {
				trace.Trace("capability %s already installed, nothing to activate", id)
				continue
			}
			return fmt.Errorf("capreg: capability %s already provided by %s", id, target)
		case os.IsNotExist(err):
			toInstall = append(toInstall, id)
		default:
			return fmt.Errorf("capreg: checking %s/%s: %w", r.Dir, id, err)
		}
	}

	for _, id := range toInstall {
		trace.Trace("install capability %s for %s", id, real)
		if err := os.Symlink(real, filepath.Join(r.Dir, id)); err != nil {
			return fmt.Errorf("capreg: symlink %s/%s: %w", r.Dir, id, err)
		}
	}
	return nil
}

// Unregister removes the symlinks for every capability in provides that
// currently points at path.
func (r *Registry) Unregister(provides []string, path string) error {
	if len(provides) == 0 {
		return nil
	}
	real, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("capreg: resolve %s: %w", path, err)
	}

	for _, id := range provides {
		link := filepath.Join(r.Dir, id)
		target, err := os.Readlink(link)
		if err != nil {
			trace.Trace("symlink for %s does not exist, nothing to deactivate", id)
			continue
		}
		if target != real {
			trace.Trace("capability %s refers to a different config file", id)
			continue
		}
		trace.Trace("remove capability %s for %s", id, real)
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("capreg: remove %s: %w", link, err)
		}
	}
	return nil
}

// Activate is an alias for Register matching the CLI-level action name.
func (r *Registry) Activate(provides []string, path string) error {
	return r.Register(provides, path)
}

// Deactivate is an alias for Unregister matching the CLI-level action
// name.
func (r *Registry) Deactivate(provides []string, path string) error {
	return r.Unregister(provides, path)
}

// Prune removes every symlink in the registry whose target no longer
// exists.
func (r *Registry) Prune() error {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return fmt.Errorf("capreg: open %s: %w", r.Dir, err)
	}

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		link := filepath.Join(r.Dir, name)
		if _, err := os.Stat(link); err != nil {
			if os.IsNotExist(err) {
				trace.Trace("removing stale capability link %s", name)
				if rmErr := os.Remove(link); rmErr != nil {
					return fmt.Errorf("capreg: remove stale link %s: %w", link, rmErr)
				}
			}
		}
	}
	return nil
}

// BestMatch scans the registry for the entry with the highest version
// that both matches id's name and satisfies id as a requirement,
// returning the resolved config path it points to. It returns ok=false
// (no error) when nothing satisfies the requirement.
func (r *Registry) BestMatch(id string) (path string, ok bool, err error) {
	requirement := layer.ParseCapability(id)

	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return "", false, fmt.Errorf("capreg: open %s: %w", r.Dir, err)
	}

	var best layer.Capability
	var bestPath string
	haveBest := false

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasPrefix(name, requirement.Name) {
			continue
		}
		if len(name) <= len(requirement.Name) || name[len(requirement.Name)] != '-' {
			continue
		}

		cand := layer.ParseCapability(name)
		if !layer.IsGreaterOrEqual(cand, requirement) {
			continue
		}
		if haveBest && !layer.IsGreaterOrEqual(cand, best) {
			continue
		}

		resolved, err := filepath.EvalSymlinks(filepath.Join(r.Dir, name))
		if err != nil {
			trace.Error("dangling capability link %s", name)
			continue
		}

		best = cand
		bestPath = resolved
		haveBest = true
	}

	if !haveBest {
		return "", false, nil
	}
	trace.Trace2("using %s to satisfy requirement %s", bestPath, id)
	return bestPath, true, nil
}
