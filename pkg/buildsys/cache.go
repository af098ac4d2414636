package buildsys

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/rotisserie/eris"

	"github.com/jml/rules-r/pkg/closure"
	"github.com/jml/rules-r/pkg/rpkg"
)

// cachedDescriptor refers to its dependencies by their index in cacheFile.Descriptors. Dependencies are
// always stored before their dependents.
type cachedDescriptor struct {
	Name            string
	Version         string
	InstallLocation string
	Archive         string
	Files           []string
	Deps            []int
}

type cacheFile struct {
	Descriptors []cachedDescriptor
	// Targets maps target names to descriptor indices
	Targets map[string]int
}

// WriteCache stores the descriptors of the given targets. Descriptors shared between targets are only
// stored once so ReadCache restores them as the same pointer.
func WriteCache(file string, descriptors map[string]*rpkg.Descriptor) error {
	names := SortedNames(descriptors)
	roots := make([]*rpkg.Descriptor, 0, len(names))
	for _, name := range names {
		roots = append(roots, descriptors[name])
	}

	order, err := closure.TopoSort(roots, (*rpkg.Descriptor).TransitiveDeps)
	if err != nil {
		return err
	}

	index := make(map[*rpkg.Descriptor]int, len(order))
	data := cacheFile{
		Descriptors: make([]cachedDescriptor, len(order)),
		Targets:     make(map[string]int, len(names)),
	}
	for idx, desc := range order {
		index[desc] = idx

		deps := desc.TransitiveDeps()
		entry := cachedDescriptor{
			Name:            desc.Name(),
			Version:         desc.Version(),
			InstallLocation: desc.InstallLocation(),
			Archive:         desc.Archive(),
			Files:           desc.ProducedFiles(),
			Deps:            make([]int, len(deps)),
		}
		for i, dep := range deps {
			entry.Deps[i] = index[dep]
		}
		data.Descriptors[idx] = entry
	}

	for _, name := range names {
		data.Targets[name] = index[descriptors[name]]
	}

	err = os.MkdirAll(filepath.Dir(file), 0770)
	if err != nil {
		return eris.Wrapf(err, "failed to create directory for %s", file)
	}

	handle, err := renameio.TempFile("", file)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", file)
	}
	defer handle.Cleanup()

	err = gob.NewEncoder(handle).Encode(data)
	if err != nil {
		return eris.Wrapf(err, "failed to encode %s", file)
	}

	return handle.CloseAtomicallyReplace()
}

// ReadCache loads the descriptors stored by WriteCache
func ReadCache(file string) (map[string]*rpkg.Descriptor, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	var data cacheFile
	err = gob.NewDecoder(handle).Decode(&data)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to decode %s", file)
	}

	restored := make([]*rpkg.Descriptor, len(data.Descriptors))
	for idx, entry := range data.Descriptors {
		deps := make([]*rpkg.Descriptor, len(entry.Deps))
		for i, depIdx := range entry.Deps {
			if depIdx < 0 || depIdx >= idx {
				return nil, eris.Errorf("%s is corrupted: %s references descriptor %d", file, entry.Name, depIdx)
			}
			deps[i] = restored[depIdx]
		}

		restored[idx], err = rpkg.NewDescriptor(entry.Name, entry.Version, entry.InstallLocation, entry.Archive, entry.Files, deps)
		if err != nil {
			return nil, eris.Wrapf(err, "%s is corrupted", file)
		}
	}

	result := make(map[string]*rpkg.Descriptor, len(data.Targets))
	for name, idx := range data.Targets {
		if idx < 0 || idx >= len(restored) {
			return nil, eris.Errorf("%s is corrupted: target %s references descriptor %d", file, name, idx)
		}
		result[name] = restored[idx]
	}

	return result, nil
}

// UpdateCache merges descriptors into the existing cache file. Cached descriptors sharing an install
// location with one of the new descriptors or their dependencies are replaced by it, so every package is
// stored once.
func UpdateCache(file string, descriptors map[string]*rpkg.Descriptor) error {
	cached, err := ReadCache(file)
	if err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return err
		}
		cached = make(map[string]*rpkg.Descriptor)
	}

	merged, err := mergeDescriptors(cached, descriptors)
	if err != nil {
		return eris.Wrapf(err, "failed to merge descriptors into %s", file)
	}

	return WriteCache(file, merged)
}

func mergeDescriptors(cached, fresh map[string]*rpkg.Descriptor) (map[string]*rpkg.Descriptor, error) {
	byLocation := make(map[string]*rpkg.Descriptor)
	for _, name := range SortedNames(fresh) {
		desc := fresh[name]
		for _, item := range append([]*rpkg.Descriptor{desc}, desc.TransitiveDeps()...) {
			if _, ok := byLocation[item.InstallLocation()]; !ok {
				byLocation[item.InstallLocation()] = item
			}
		}
	}

	replaced := make(map[*rpkg.Descriptor]*rpkg.Descriptor)
	var replace func(desc *rpkg.Descriptor) (*rpkg.Descriptor, error)
	replace = func(desc *rpkg.Descriptor) (*rpkg.Descriptor, error) {
		if result, ok := replaced[desc]; ok {
			return result, nil
		}
		if result, ok := byLocation[desc.InstallLocation()]; ok {
			replaced[desc] = result
			return result, nil
		}

		deps := desc.TransitiveDeps()
		changed := false
		for idx, dep := range deps {
			current, err := replace(dep)
			if err != nil {
				return nil, err
			}
			if current != dep {
				deps[idx] = current
				changed = true
			}
		}

		result := desc
		if changed {
			var err error
			result, err = rpkg.NewDescriptor(desc.Name(), desc.Version(), desc.InstallLocation(), desc.Archive(),
				desc.ProducedFiles(), deps)
			if err != nil {
				return nil, err
			}
		}

		replaced[desc] = result
		byLocation[desc.InstallLocation()] = result
		return result, nil
	}

	merged := make(map[string]*rpkg.Descriptor, len(cached)+len(fresh))
	for _, name := range SortedNames(cached) {
		desc, err := replace(cached[name])
		if err != nil {
			return nil, err
		}
		merged[name] = desc
	}
	for name, desc := range fresh {
		merged[name] = desc
	}
	return merged, nil
}
