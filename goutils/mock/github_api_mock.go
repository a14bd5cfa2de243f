package mock

import (
	"context"

	"ci-dashboard/goutils/datamodel"
)

type GithubAPIMock struct {
	GetBranchListMock    func(ctx context.Context, forceRefresh bool) ([]*datamodel.Branch, error)
	GetCommitArchiveMock func(ctx context.Context, sha string) ([]byte, error)
	GetCommitMessageMock func(ctx context.Context, sha string) (string, error)
}

func (m GithubAPIMock) GetBranchList(ctx context.Context, forceRefresh bool) ([]*datamodel.Branch, error) {
	return m.GetBranchListMock(ctx, forceRefresh)
}

func (m GithubAPIMock) GetCommitArchive(ctx context.Context, sha string) ([]byte, error) {
	return m.GetCommitArchiveMock(ctx, sha)
}

func (m GithubAPIMock) GetCommitMessage(ctx context.Context, sha string) (string, error) {
	return m.GetCommitMessageMock(ctx, sha)
}
