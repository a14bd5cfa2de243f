package mock

import (
	"context"

	"ci-dashboard/goutils/datamodel"
)

type PublisherMock struct {
	PublishMock  func(ctx context.Context, event *datamodel.BuildEvent) error
	ShutdownMock func(ctx context.Context) error
}

func (m PublisherMock) Publish(ctx context.Context, event *datamodel.BuildEvent) error {
	return m.PublishMock(ctx, event)
}

func (m PublisherMock) Shutdown(ctx context.Context) error {
	return m.ShutdownMock(ctx)
}
