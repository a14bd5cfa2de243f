package toolchain

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"ci-dashboard/goutils/settings"
)

const projectPlaceholder = "{project}"

var (
	ErrInvalidArchive = errors.New("invalid archive")
	ErrInstallFailed  = errors.New("package install failed")
	ErrBuildFailed    = errors.New("build task failed")
)

// Service wraps the external toolchain: archive extraction, package install and the task runner.
type Service interface {
	ExtractArchive(archive []byte, destPath string) error
	RunPackageInstall(ctx context.Context, projectDir string, logSink io.Writer) error
	RunBuildTask(ctx context.Context, projectDir string, logSink io.Writer) error
}

type Runner struct {
	installCommand []string
	buildCommand   []string
}

var _ Service = (*Runner)(nil)

func NewRunner(config *settings.Toolchain) *Runner {
	return &Runner{
		installCommand: config.InstallCommand,
		buildCommand:   config.BuildCommand,
	}
}

// ExtractArchive unpacks a zip archive into destPath, dropping the single top-level
// directory that source hosts wrap their archives in.
func (r *Runner) ExtractArchive(archive []byte, destPath string) error {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArchive, err.Error())
	}

	prefix := commonPrefix(reader.File)

	if err = os.MkdirAll(destPath, 0o755); err != nil {
		return err
	}

	for _, file := range reader.File {
		name := strings.TrimPrefix(file.Name, prefix)
		if name == "" {
			continue
		}

		target := filepath.Join(destPath, filepath.FromSlash(name))
		if !strings.HasPrefix(target, filepath.Clean(destPath)+string(os.PathSeparator)) {
			return fmt.Errorf("%w: entry %q escapes destination", ErrInvalidArchive, file.Name)
		}

		if file.FileInfo().IsDir() {
			if err = os.MkdirAll(target, 0o755); err != nil {
				return err
			}

			continue
		}

		if err = extractFile(file, target); err != nil {
			return err
		}
	}

	log.WithField("path", destPath).WithField("files", len(reader.File)).Debug("extracted archive")

	return nil
}

func extractFile(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err = io.Copy(dst, src); err != nil {
		dst.Close()

		return err
	}

	return dst.Close()
}

// commonPrefix returns "<dir>/" when every entry lives below the same top-level directory.
func commonPrefix(files []*zip.File) string {
	prefix := ""

	for _, file := range files {
		idx := strings.Index(file.Name, "/")
		if idx < 0 {
			return ""
		}

		top := file.Name[:idx+1]
		if prefix == "" {
			prefix = top
		} else if prefix != top {
			return ""
		}
	}

	return prefix
}

func (r *Runner) RunPackageInstall(ctx context.Context, projectDir string, logSink io.Writer) error {
	if err := run(ctx, r.installCommand, projectDir, logSink); err != nil {
		return fmt.Errorf("%w: %s", ErrInstallFailed, err.Error())
	}

	return nil
}

func (r *Runner) RunBuildTask(ctx context.Context, projectDir string, logSink io.Writer) error {
	if err := run(ctx, r.buildCommand, projectDir, logSink); err != nil {
		return fmt.Errorf("%w: %s", ErrBuildFailed, err.Error())
	}

	return nil
}

// run executes argv in projectDir streaming stdout and stderr into logSink.
// Any non-zero exit is an error.
func run(ctx context.Context, argv []string, projectDir string, logSink io.Writer) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}

	args := ExpandCommand(argv, projectDir)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = projectDir
	cmd.Stdout = logSink
	cmd.Stderr = logSink

	log.WithField("cmd", strings.Join(args, " ")).Info("running command")

	return cmd.Run()
}

func ExpandCommand(argv []string, projectDir string) []string {
	args := make([]string, len(argv))
	for i, arg := range argv {
		args[i] = strings.ReplaceAll(arg, projectPlaceholder, projectDir)
	}

	return args
}
