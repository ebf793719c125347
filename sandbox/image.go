package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/runtime"
)

// Recipe is one language's build instructions: the base image, the file the
// source is written to, optional build steps, and the command that runs it.
// The recipe table is sealed at startup; an unknown language is an explicit
// error, never a silent fallback.
type Recipe struct {
	Image      string
	Filename   string
	BuildSteps []string
	RunCmd     string
}

// runtimeUser is the non-root uid:gid every built image runs as. 65534 is
// nobody/nogroup on all the base images in the default recipe table, so no
// useradd step is needed.
const runtimeUser = "65534:65534"

// ImageBuilder produces a runnable image for one execution from its source
// and language recipe. Every build gets its own context directory, removed
// after the build, so nothing leaks between concurrent executions.
type ImageBuilder struct {
	logger  *zap.Logger
	rt      runtime.Client
	fs      FileSystem
	recipes map[string]Recipe
	baseDir string
}

// ImageBuilderOption defines a functional option for ImageBuilder.
type ImageBuilderOption func(*ImageBuilder)

// WithBuilderFileSystem sets the FileSystem for ImageBuilder.
func WithBuilderFileSystem(fs FileSystem) ImageBuilderOption {
	return func(b *ImageBuilder) {
		b.fs = fs
	}
}

// NewImageBuilder creates an ImageBuilder over a sealed recipe table.
func NewImageBuilder(logger *zap.Logger, rt runtime.Client, recipes map[string]Recipe, baseDir string, opts ...ImageBuilderOption) *ImageBuilder {
	b := &ImageBuilder{
		logger:  logger,
		rt:      rt,
		fs:      RealFileSystem{},
		recipes: recipes,
		baseDir: baseDir,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ImageTag derives the image name for an execution. Tags embed the execution
// ID so concurrent builds never collide.
func ImageTag(language, executionID string) string {
	return fmt.Sprintf("runbox/%s:%s", language, executionID)
}

// Recipe returns the recipe for a language, or *UnsupportedLanguageError.
func (b *ImageBuilder) Recipe(language string) (Recipe, error) {
	recipe, ok := b.recipes[language]
	if !ok {
		return Recipe{}, &UnsupportedLanguageError{Language: language}
	}
	return recipe, nil
}

// Build writes the source and a rendered Dockerfile into a per-execution
// build context, builds the image, and returns its tag. The context
// directory is removed whether or not the build succeeds. Failures come
// back as *BuildError carrying the captured build log; callers must not
// retry them.
func (b *ImageBuilder) Build(ctx context.Context, executionID, language string, source []byte) (string, error) {
	recipe, err := b.Recipe(language)
	if err != nil {
		return "", err
	}

	ctxDir := filepath.Join(b.baseDir, executionID, "build")
	if err := b.fs.MkdirAll(ctxDir, DirPermission); err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}
	defer func() {
		if rmErr := b.fs.RemoveAll(ctxDir); rmErr != nil {
			b.logger.Error("failed to remove build context", zap.String("path", ctxDir), zap.Error(rmErr))
		}
	}()

	if err := b.fs.WriteFile(filepath.Join(ctxDir, recipe.Filename), source, FilePermission); err != nil {
		return "", fmt.Errorf("failed to write source file: %w", err)
	}
	dockerfile := RenderDockerfile(recipe)
	if err := b.fs.WriteFile(filepath.Join(ctxDir, "Dockerfile"), []byte(dockerfile), FilePermission); err != nil {
		return "", fmt.Errorf("failed to write dockerfile: %w", err)
	}

	buildContext, err := tarDirectory(ctxDir)
	if err != nil {
		return "", fmt.Errorf("failed to tar build context: %w", err)
	}

	tag := ImageTag(language, executionID)
	b.logger.Debug("building image",
		zap.String("execution_id", executionID),
		zap.String("language", language),
		zap.String("tag", tag))

	buildLog, err := b.rt.BuildImage(ctx, tag, bytes.NewReader(buildContext))
	if err != nil {
		return "", &BuildError{Output: buildLog, Err: err}
	}
	return tag, nil
}

// RenderDockerfile turns a recipe into a minimal single-stage Dockerfile
// that copies the source in, runs the build steps, and executes as a
// non-root user.
func RenderDockerfile(recipe Recipe) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", recipe.Image)
	sb.WriteString("WORKDIR /app\n")
	fmt.Fprintf(&sb, "COPY %s /app/%s\n", recipe.Filename, recipe.Filename)
	for _, step := range recipe.BuildSteps {
		fmt.Fprintf(&sb, "RUN %s\n", step)
	}
	fmt.Fprintf(&sb, "USER %s\n", runtimeUser)
	fmt.Fprintf(&sb, "CMD [\"sh\", \"-c\", %q]\n", recipe.RunCmd)
	return sb.String()
}
