// Package script builds the shell scripts which drive R's command line tools. Scripts are assembled
// from structured steps, rendered to POSIX sh, validated with mvdan.cc/sh's parser and can be executed
// in-process with its interpreter.
package script

import (
	"os"
	"strings"

	"github.com/google/renameio"
	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/syntax"
)

// Script is an ordered list of steps plus the cleanup steps which run on every exit path
type Script struct {
	Name    string
	header  []string
	cleanup []Step
	steps   []Step
}

// New returns an empty script. name is only used in diagnostics.
func New(name string) *Script {
	return &Script{Name: name}
}

// Describe adds a line to the comment block at the top of the script
func (s *Script) Describe(line string) *Script {
	s.header = append(s.header, line)
	return s
}

// Add appends steps to the script body
func (s *Script) Add(steps ...Step) *Script {
	s.steps = append(s.steps, steps...)
	return s
}

// OnCleanup appends steps to the cleanup function
func (s *Script) OnCleanup(steps ...Step) *Script {
	s.cleanup = append(s.cleanup, steps...)
	return s
}

// Steps returns the steps of the body
func (s *Script) Steps() []Step {
	return s.steps
}

func (s *Script) source() (string, error) {
	w := &writer{}
	for _, line := range s.header {
		w.line("# %s", line)
	}

	w.line("cleanup() {")
	if err := w.block(s.cleanup); err != nil {
		return "", eris.Wrapf(err, "failed to render cleanup of %s", s.Name)
	}
	w.line("}")

	for idx, step := range s.steps {
		if err := step.render(w); err != nil {
			return "", eris.Wrapf(err, "failed to render step #%d of %s", idx, s.Name)
		}
	}

	return w.buf.String(), nil
}

// Parse renders the script and returns the parsed syntax tree. Parsing as POSIX sh rejects everything a
// plain /bin/sh wouldn't understand.
func (s *Script) Parse() (*syntax.File, error) {
	return s.parse(syntax.LangPOSIX)
}

// parse renders the script and parses it as lang. The interpreter only treats export as a declaration
// builtin in bash mode.
func (s *Script) parse(lang syntax.LangVariant) (*syntax.File, error) {
	src, err := s.source()
	if err != nil {
		return nil, err
	}

	parser := syntax.NewParser(syntax.KeepComments(true), syntax.Variant(lang))
	file, err := parser.Parse(strings.NewReader(src), s.Name)
	if err != nil {
		return nil, eris.Wrapf(err, "generated invalid shell code for %s", s.Name)
	}

	return file, nil
}

// Render returns the formatted script including the shebang line
func (s *Script) Render() (string, error) {
	file, err := s.Parse()
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	buf.WriteString("#!/bin/sh\n")
	printer := syntax.NewPrinter(syntax.Indent(2))
	err = printer.Print(&buf, file)
	if err != nil {
		return "", eris.Wrapf(err, "failed to print %s", s.Name)
	}

	return buf.String(), nil
}

// WriteFile atomically writes the rendered script to dest and marks it executable
func (s *Script) WriteFile(dest string) error {
	content, err := s.Render()
	if err != nil {
		return err
	}

	err = renameio.WriteFile(dest, []byte(content), os.FileMode(0755))
	if err != nil {
		return eris.Wrapf(err, "failed to write %s", dest)
	}
	return nil
}
