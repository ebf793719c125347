package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestImageTag(t *testing.T) {
	assert.Equal(t, "runbox/python:abc-123", ImageTag("python", "abc-123"))
}

func TestRenderDockerfile(t *testing.T) {
	t.Run("Minimal", func(t *testing.T) {
		dockerfile := RenderDockerfile(Recipe{
			Image:    "python:3.11-slim",
			Filename: "main.py",
			RunCmd:   "python /app/main.py",
		})

		assert.Equal(t,
			"FROM python:3.11-slim\n"+
				"WORKDIR /app\n"+
				"COPY main.py /app/main.py\n"+
				"USER 65534:65534\n"+
				"CMD [\"sh\", \"-c\", \"python /app/main.py\"]\n",
			dockerfile)
	})

	t.Run("BuildSteps", func(t *testing.T) {
		dockerfile := RenderDockerfile(Recipe{
			Image:      "golang:1.23-alpine",
			Filename:   "main.go",
			BuildSteps: []string{"cd /app && go build -o /app/app /app/main.go"},
			RunCmd:     "/app/app",
		})

		assert.Contains(t, dockerfile, "RUN cd /app && go build -o /app/app /app/main.go\n")
		// Build steps run before the user drop.
		assert.Less(t, strings.Index(dockerfile, "RUN "), strings.Index(dockerfile, "USER "))
	})
}

func TestImageBuilderBuild(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		rt := newFakeRuntime()
		baseDir := t.TempDir()
		builder := NewImageBuilder(zaptest.NewLogger(t), rt, testRecipes(), baseDir)

		tag, err := builder.Build(context.Background(), "exec-1", "python", []byte("print('hi')"))
		require.NoError(t, err)
		assert.Equal(t, "runbox/python:exec-1", tag)
		assert.Equal(t, []string{"runbox/python:exec-1"}, rt.builds)

		// The build context is removed after the build.
		_, statErr := os.Stat(filepath.Join(baseDir, "exec-1", "build"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("UnknownLanguage", func(t *testing.T) {
		builder := NewImageBuilder(zaptest.NewLogger(t), newFakeRuntime(), testRecipes(), t.TempDir())

		_, err := builder.Build(context.Background(), "exec-1", "fortran", []byte("x"))
		var langErr *UnsupportedLanguageError
		require.ErrorAs(t, err, &langErr)
	})

	t.Run("BuildFailureCarriesLog", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.buildErr = errors.New("syntax error")
		rt.buildLog = "step 3/4: boom"
		builder := NewImageBuilder(zaptest.NewLogger(t), rt, testRecipes(), t.TempDir())

		_, err := builder.Build(context.Background(), "exec-1", "python", []byte("x"))
		var buildErr *BuildError
		require.ErrorAs(t, err, &buildErr)
		assert.Equal(t, "step 3/4: boom", buildErr.Output)
		assert.ErrorIs(t, err, rt.buildErr)
	})

	t.Run("FilesystemFailure", func(t *testing.T) {
		rt := newFakeRuntime()
		builder := NewImageBuilder(zaptest.NewLogger(t), rt, testRecipes(), t.TempDir(),
			WithBuilderFileSystem(failingFS{err: errors.New("disk full")}))

		_, err := builder.Build(context.Background(), "exec-1", "python", []byte("x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "build context")
		assert.Empty(t, rt.builds)
	})
}

type failingFS struct {
	err error
}

func (f failingFS) MkdirAll(string, os.FileMode) error           { return f.err }
func (f failingFS) WriteFile(string, []byte, os.FileMode) error  { return f.err }
func (f failingFS) RemoveAll(string) error                       { return nil }
