package taskmgr

import (
	"context"
	"errors"

	"ci-dashboard/goutils/datamodel"
)

var (
	ErrPublisherInitFailed = errors.New("failed to initialize publisher")
	ErrPublishFailed       = errors.New("failed to publish message")
)

// Publisher announces finished builds to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event *datamodel.BuildEvent) error
	Shutdown(ctx context.Context) error
}
