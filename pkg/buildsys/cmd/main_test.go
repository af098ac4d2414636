package cmd

import (
	"bytes"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSplitArgs(t *testing.T) {
	names, options := SplitArgs([]string{"pkgA", "channel=devel", "mylib", "empty=", "expr=a=b"})
	assert.Equal(t, []string{"pkgA", "mylib"}, names)
	assert.Equal(t, map[string]string{"channel": "devel", "empty": "", "expr": "a=b"}, options)
}

func TestConsoleWriter(t *testing.T) {
	t.Setenv(debugEnv, "")

	out := &bytes.Buffer{}
	logger := zerolog.New(&ConsoleWriter{Out: out})

	logger.Info().Str("target", "pkgA").Msg("build.sh")
	logger.Error().Err(eris.New("boom")).Msg("Build failed")

	lines := out.String()
	assert.Contains(t, lines, "pkgA: build.sh")
	assert.Contains(t, lines, "Error: Build failed")
	assert.Contains(t, lines, "boom")
}
