package script

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// OutputVar holds the combined output of the last captured command
const OutputVar = "RBUILD_OUTPUT"

// StatusVar holds the exit status of the last failed or recorded command
const StatusVar = "RBUILD_STATUS"

// Step is a single structured instruction of a generated script
type Step interface {
	render(w *writer) error
}

type writer struct {
	buf    strings.Builder
	indent int
}

func (w *writer) line(format string, args ...interface{}) {
	w.buf.WriteString(strings.Repeat("  ", w.indent))
	fmt.Fprintf(&w.buf, format, args...)
	w.buf.WriteString("\n")
}

func (w *writer) block(steps []Step) error {
	if len(steps) == 0 {
		w.line(":")
		return nil
	}

	w.indent++
	defer func() { w.indent-- }()
	for _, step := range steps {
		if err := step.render(w); err != nil {
			return err
		}
	}
	return nil
}

type commentStep struct{ text string }

// Comment adds a comment line
func Comment(text string) Step { return commentStep{text} }

func (s commentStep) render(w *writer) error {
	for _, line := range strings.Split(s.text, "\n") {
		w.line("# %s", line)
	}
	return nil
}

type assignStep struct {
	name   string
	value  Word
	export bool
}

// Assign sets a shell variable
func Assign(name string, value Word) Step { return assignStep{name: name, value: value} }

// Export sets and exports an environment variable
func Export(name string, value Word) Step { return assignStep{name: name, value: value, export: true} }

// TempDir creates a fresh temporary directory and stores its path in name
func TempDir(name string) Step {
	return Assign(name, Subst(Lit("mktemp"), Lit("-d")))
}

func (s assignStep) render(w *writer) error {
	if !varNamePattern.MatchString(s.name) {
		return eris.Errorf("invalid variable name %q", s.name)
	}

	value, err := s.value.render()
	if err != nil {
		return err
	}

	if s.export {
		w.line("export %s=%s", s.name, value)
	} else {
		w.line("%s=%s", s.name, value)
	}
	return nil
}

type statusStep struct{ name string }

// RecordStatus stores the exit status of the previous command in name
func RecordStatus(name string) Step { return statusStep{name} }

func (s statusStep) render(w *writer) error {
	if !varNamePattern.MatchString(s.name) {
		return eris.Errorf("invalid variable name %q", s.name)
	}
	w.line("%s=$?", s.name)
	return nil
}

type runStep struct {
	args []Word
}

// Run invokes a command. Its exit status is ignored unless a later step records it.
func Run(args ...Word) Step { return runStep{args: args} }

// Echo prints a message on stdout
func Echo(msg Word) Step { return runStep{args: []Word{Lit("echo"), msg}} }

// Mkdir creates the directory and its parents
func Mkdir(dir Word) Step { return Run(Lit("mkdir"), Lit("-p"), dir) }

// RemoveAll recursively deletes the given paths. Empty paths are ignored.
func RemoveAll(paths ...Word) Step {
	return Run(append([]Word{Lit("rm"), Lit("-rf")}, paths...)...)
}

// Symlink creates link pointing to target
func Symlink(target, link Word) Step { return Run(Lit("ln"), Lit("-s"), target, link) }

// CopyContents recursively copies the contents of src into the existing directory dest
func CopyContents(src, dest Word) Step {
	return Run(Lit("cp"), Lit("-R"), Cat(src, Lit("/.")), dest)
}

// Chdir changes the working directory
func Chdir(dir Word) Step { return Run(Lit("cd"), dir) }

func (s runStep) render(w *writer) error {
	line, err := renderArgs(s.args)
	if err != nil {
		return err
	}

	w.line("%s", line)
	return nil
}

type checkedStep struct {
	args    []Word
	capture bool
	message Word
}

// Captured runs a command and stores its combined output. If the command fails, the output is printed,
// the cleanup function runs and the script exits with status 1.
func Captured(args ...Word) Step { return checkedStep{args: args, capture: true} }

// Checked runs a command and, if it fails, prints msg, runs the cleanup function and exits with the
// command's exit status. The status is available as StatusVar while msg is rendered.
func Checked(msg Word, args ...Word) Step { return checkedStep{args: args, message: msg} }

func (s checkedStep) render(w *writer) error {
	line, err := renderArgs(s.args)
	if err != nil {
		return err
	}

	if s.capture {
		w.line("if ! %s=$(%s 2>&1); then", OutputVar, line)
		w.indent++
		w.line(`echo "${%s}"`, OutputVar)
		w.line("cleanup")
		w.line("exit 1")
		w.indent--
		w.line("fi")
		return nil
	}

	msg := ""
	if len(s.message) > 0 {
		msg, err = s.message.render()
		if err != nil {
			return err
		}
	}

	w.line("%s || {", line)
	w.indent++
	w.line("%s=$?", StatusVar)
	if msg != "" {
		w.line("echo %s >&2", msg)
	}
	w.line("cleanup")
	w.line(`exit "${%s}"`, StatusVar)
	w.indent--
	w.line("}")
	return nil
}

type exitStep struct {
	code Word
}

// Exit runs the cleanup function and terminates the script with code
func Exit(code Word) Step { return exitStep{code: code} }

func (s exitStep) render(w *writer) error {
	code, err := s.code.render()
	if err != nil {
		return err
	}

	w.line("cleanup")
	w.line("exit %s", code)
	return nil
}

// Cond is a test expression as understood by the test builtin
type Cond []Word

// IsEmpty checks whether the word expands to an empty string
func IsEmpty(word Word) Cond { return Cond{Lit("-z"), word} }

// IsSet checks whether the word expands to a non-empty string
func IsSet(word Word) Cond { return Cond{Lit("-n"), word} }

type ifStep struct {
	cond Cond
	then []Step
	els  []Step
}

// If runs then if cond holds, otherwise els
func If(cond Cond, then []Step, els []Step) Step { return ifStep{cond, then, els} }

func (s ifStep) render(w *writer) error {
	cond, err := renderArgs(s.cond)
	if err != nil {
		return err
	}

	w.line("if [ %s ]; then", cond)
	if err = w.block(s.then); err != nil {
		return err
	}

	if len(s.els) > 0 {
		w.line("else")
		if err = w.block(s.els); err != nil {
			return err
		}
	}
	w.line("fi")
	return nil
}

// Branch is a single arm of a Switch
type Branch struct {
	Patterns []string
	Steps    []Step
}

type switchStep struct {
	subject  Word
	branches []Branch
}

// Switch matches subject against the patterns of each branch in order
func Switch(subject Word, branches ...Branch) Step { return switchStep{subject, branches} }

// SwitchOS branches on the kernel name reported by uname -s (i.e. Linux or Darwin)
func SwitchOS(branches ...Branch) Step {
	return Switch(Subst(Lit("uname"), Lit("-s")), branches...)
}

func (s switchStep) render(w *writer) error {
	subject, err := s.subject.render()
	if err != nil {
		return err
	}

	w.line("case %s in", subject)
	for _, branch := range s.branches {
		if len(branch.Patterns) == 0 {
			return eris.New("case branch without patterns")
		}

		for _, pattern := range branch.Patterns {
			if pattern != "*" && !globPattern.MatchString(pattern) {
				return eris.Errorf("unsupported case pattern %q", pattern)
			}
		}

		w.line("%s)", strings.Join(branch.Patterns, " | "))
		if err = w.block(branch.Steps); err != nil {
			return err
		}
		w.indent++
		w.line(";;")
		w.indent--
	}
	w.line("esac")
	return nil
}

type rawStep struct{ src string }

// Raw inserts shell source as-is. It's still validated when the script is rendered.
func Raw(src string) Step { return rawStep{src} }

func (s rawStep) render(w *writer) error {
	for _, line := range strings.Split(strings.TrimRight(s.src, "\n"), "\n") {
		w.line("%s", line)
	}
	return nil
}
