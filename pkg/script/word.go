package script

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/syntax"
)

type partKind int

const (
	partLit partKind = iota
	partVar
	partGlob
	partCmd
)

type wordPart struct {
	kind  partKind
	value string
	cmd   []Word
}

// Word is a single shell word assembled from literal text, variable references, glob patterns and
// command substitutions. Literal parts are always quoted when rendered.
type Word []wordPart

var (
	varNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	globPattern    = regexp.MustCompile(`^[A-Za-z0-9_.*?/\-]+$`)
)

// Lit returns a word containing literal text
func Lit(value string) Word {
	return Word{{kind: partLit, value: value}}
}

// Lits converts each value into a literal word
func Lits(values ...string) []Word {
	result := make([]Word, len(values))
	for idx, value := range values {
		result[idx] = Lit(value)
	}
	return result
}

// Var references the shell variable name
func Var(name string) Word {
	return Word{{kind: partVar, value: name}}
}

// Glob returns an unquoted pattern which the shell expands
func Glob(pattern string) Word {
	return Word{{kind: partGlob, value: pattern}}
}

// Subst captures the standard output of the given command
func Subst(args ...Word) Word {
	return Word{{kind: partCmd, cmd: args}}
}

// Cat joins several words into one
func Cat(words ...Word) Word {
	result := Word{}
	for _, word := range words {
		result = append(result, word...)
	}
	return result
}

// Path joins a base word and literal path elements with slashes
func Path(base Word, elems ...string) Word {
	if len(elems) == 0 {
		return base
	}
	return Cat(base, Lit("/"+strings.Join(elems, "/")))
}

func (w Word) render() (string, error) {
	if len(w) == 0 {
		return "''", nil
	}

	var buf strings.Builder
	for _, part := range w {
		switch part.kind {
		case partLit:
			if part.value == "" {
				if len(w) == 1 {
					buf.WriteString("''")
				}
				continue
			}

			quoted, err := syntax.Quote(part.value, syntax.LangPOSIX)
			if err != nil {
				return "", eris.Wrapf(err, "can't quote %q", part.value)
			}
			buf.WriteString(quoted)
		case partVar:
			if !varNamePattern.MatchString(part.value) {
				return "", eris.Errorf("invalid variable name %q", part.value)
			}
			buf.WriteString(`"${` + part.value + `}"`)
		case partGlob:
			if !globPattern.MatchString(part.value) {
				return "", eris.Errorf("unsupported characters in pattern %q", part.value)
			}
			buf.WriteString(part.value)
		case partCmd:
			line, err := renderArgs(part.cmd)
			if err != nil {
				return "", err
			}
			buf.WriteString(`"$(` + line + `)"`)
		}
	}

	return buf.String(), nil
}

func renderArgs(args []Word) (string, error) {
	if len(args) == 0 {
		return "", eris.New("empty command")
	}

	parts := make([]string, len(args))
	for idx, arg := range args {
		rendered, err := arg.render()
		if err != nil {
			return "", err
		}
		parts[idx] = rendered
	}

	return strings.Join(parts, " "), nil
}
