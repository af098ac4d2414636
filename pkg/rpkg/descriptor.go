package rpkg

import (
	"fmt"
	"regexp"

	"github.com/rotisserie/eris"
)

// Descriptor describes a single installed R package. Descriptors are created once a build finished
// successfully and are never modified afterwards. Two descriptors are only considered equal if they are
// the same pointer; sharing a name is not enough.
type Descriptor struct {
	name            string
	version         string
	installLocation string
	archive         string
	files           []string
	deps            []*Descriptor
}

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9.]*[A-Za-z0-9]$`)

// ValidName reports whether name is a valid R package name
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// NewDescriptor creates an immutable descriptor. transitive has to contain every descriptor the package
// depends on, directly or indirectly.
func NewDescriptor(name, version, installLocation, archive string, files []string, transitive []*Descriptor) (*Descriptor, error) {
	if !ValidName(name) {
		return nil, eris.Errorf("invalid package name %q", name)
	}

	if installLocation == "" {
		return nil, eris.Errorf("package %s has no install location", name)
	}

	for idx, dep := range transitive {
		if dep == nil {
			return nil, eris.Errorf("package %s has a nil dependency at position %d", name, idx)
		}
	}

	d := &Descriptor{
		name:            name,
		version:         version,
		installLocation: installLocation,
		archive:         archive,
		files:           make([]string, len(files)),
		deps:            make([]*Descriptor, len(transitive)),
	}
	copy(d.files, files)
	copy(d.deps, transitive)

	return d, nil
}

func (d *Descriptor) Name() string            { return d.name }
func (d *Descriptor) Version() string         { return d.version }
func (d *Descriptor) InstallLocation() string { return d.installLocation }
func (d *Descriptor) Archive() string         { return d.archive }

// ProducedFiles returns the files of the installed package in their declared order
func (d *Descriptor) ProducedFiles() []string {
	result := make([]string, len(d.files))
	copy(result, d.files)
	return result
}

// TransitiveDeps returns every descriptor this package depends on
func (d *Descriptor) TransitiveDeps() []*Descriptor {
	result := make([]*Descriptor, len(d.deps))
	copy(result, d.deps)
	return result
}

func (d *Descriptor) String() string {
	if d.version == "" {
		return fmt.Sprintf("<rpkg %s>", d.name)
	}
	return fmt.Sprintf("<rpkg %s %s>", d.name, d.version)
}
