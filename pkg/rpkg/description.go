package rpkg

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
)

// Requirement is a single entry of a Depends, Imports or LinkingTo field
type Requirement struct {
	Package    string
	Constraint string
	Field      string
}

func (r Requirement) String() string {
	if r.Constraint == "" {
		return r.Package
	}
	return fmt.Sprintf("%s (%s)", r.Package, r.Constraint)
}

// Description contains the fields of a DESCRIPTION file we care about
type Description struct {
	Package      string
	Version      string
	Requirements []Requirement
	Fields       map[string]string
}

// ConstraintError is returned if a dependency's version doesn't satisfy the declared constraint
type ConstraintError struct {
	Package     string
	Requirement Requirement
	Found       string
}

var _ error = (*ConstraintError)(nil)

func (e ConstraintError) Error() string {
	return fmt.Sprintf("%s requires %s but version %s was found", e.Package, e.Requirement, e.Found)
}

var (
	requirementPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9.]*)\s*(?:\(\s*([<>=!]+)\s*([0-9][0-9.\-]*)\s*\))?$`)
	versionSplitter    = regexp.MustCompile(`[.\-]`)
	dependencyFields   = []string{"Depends", "Imports", "LinkingTo"}
)

// ReadDescription parses the DESCRIPTION file at the given path
func ReadDescription(file string) (*Description, error) {
	hdl, err := os.Open(file)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", file)
	}
	defer hdl.Close()

	desc, err := ParseDescription(hdl)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", file)
	}
	return desc, nil
}

// ParseDescription reads a DCF formatted DESCRIPTION file. Continuation lines start with whitespace.
func ParseDescription(r io.Reader) (*Description, error) {
	fields := map[string]string{}
	scanner := bufio.NewScanner(r)
	lastKey := ""
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if lastKey == "" {
				return nil, eris.Errorf("line %d: continuation line without a field", lineNo)
			}
			fields[lastKey] += "\n" + strings.TrimSpace(line)
			continue
		}

		pos := strings.Index(line, ":")
		if pos < 1 {
			return nil, eris.Errorf("line %d: expected a field but found %q", lineNo, line)
		}

		lastKey = line[:pos]
		fields[lastKey] = strings.TrimSpace(line[pos+1:])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	desc := &Description{
		Package: fields["Package"],
		Version: fields["Version"],
		Fields:  fields,
	}

	if desc.Package == "" {
		return nil, eris.New("missing Package field")
	}

	for _, field := range dependencyFields {
		value, ok := fields[field]
		if !ok {
			continue
		}

		for _, item := range strings.Split(value, ",") {
			item = strings.Join(strings.Fields(item), " ")
			if item == "" {
				continue
			}

			match := requirementPattern.FindStringSubmatch(item)
			if match == nil {
				return nil, eris.Errorf("malformed entry %q in %s", item, field)
			}

			req := Requirement{Package: match[1], Field: field}
			if match[2] != "" {
				req.Constraint = match[2] + " " + match[3]
			}
			desc.Requirements = append(desc.Requirements, req)
		}
	}

	return desc, nil
}

// ParseVersion converts an R version string (i.e. 1.2-3 or 0.1.0.9000) into a semantic version.
// Only the first three components take part in comparisons.
func ParseVersion(raw string) (*semver.Version, error) {
	parts := versionSplitter.Split(strings.TrimSpace(raw), -1)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}

	// R allows leading zeros (1.0-05) which strict semver rejects
	for idx, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil || num < 0 {
			return nil, eris.Errorf("invalid version %q", raw)
		}
		parts[idx] = strconv.Itoa(num)
	}

	return semver.StrictNewVersion(strings.Join(parts, "."))
}

func parseConstraint(raw string) (*semver.Constraints, error) {
	fields := strings.Fields(raw)
	if len(fields) != 2 {
		return nil, eris.Errorf("malformed constraint %q", raw)
	}

	op := fields[0]
	if op == "==" {
		op = "="
	}

	ver, err := ParseVersion(fields[1])
	if err != nil {
		return nil, eris.Wrapf(err, "invalid version in constraint %q", raw)
	}

	return semver.NewConstraint(op + " " + ver.String())
}

// CheckConstraints verifies the version constraints in desc against the given dependencies. Requirements
// which aren't part of deps (i.e. base packages) and dependencies without a known version are skipped.
func CheckConstraints(desc *Description, deps []*Descriptor) error {
	byName := make(map[string]*Descriptor, len(deps))
	for _, dep := range deps {
		if _, present := byName[dep.Name()]; !present {
			byName[dep.Name()] = dep
		}
	}

	for _, req := range desc.Requirements {
		if req.Constraint == "" || req.Package == "R" {
			continue
		}

		dep, ok := byName[req.Package]
		if !ok || dep.Version() == "" {
			continue
		}

		con, err := parseConstraint(req.Constraint)
		if err != nil {
			return eris.Wrapf(err, "failed to parse constraint for %s in %s", req.Package, desc.Package)
		}

		version, err := ParseVersion(dep.Version())
		if err != nil {
			return eris.Wrapf(err, "failed to parse version %s of %s", dep.Version(), dep.Name())
		}

		if !con.Check(version) {
			return &ConstraintError{Package: desc.Package, Requirement: req, Found: dep.Version()}
		}
	}

	return nil
}
