package mock

import (
	"context"
	"io"
)

type ToolchainMock struct {
	ExtractArchiveMock    func(archive []byte, destPath string) error
	RunPackageInstallMock func(ctx context.Context, projectDir string, logSink io.Writer) error
	RunBuildTaskMock      func(ctx context.Context, projectDir string, logSink io.Writer) error
}

func (m ToolchainMock) ExtractArchive(archive []byte, destPath string) error {
	return m.ExtractArchiveMock(archive, destPath)
}

func (m ToolchainMock) RunPackageInstall(ctx context.Context, projectDir string, logSink io.Writer) error {
	return m.RunPackageInstallMock(ctx, projectDir, logSink)
}

func (m ToolchainMock) RunBuildTask(ctx context.Context, projectDir string, logSink io.Writer) error {
	return m.RunBuildTaskMock(ctx, projectDir, logSink)
}
