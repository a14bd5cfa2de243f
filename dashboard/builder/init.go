package builder

import (
	"github.com/swagftw/gi"

	"ci-dashboard/dashboard/artifacts"
	"ci-dashboard/dashboard/ledger"
	"ci-dashboard/goutils/githubapi"
	"ci-dashboard/goutils/reporting"
	"ci-dashboard/goutils/settings"
	"ci-dashboard/goutils/taskmgr"
	rabbitmq "ci-dashboard/goutils/taskmgr/rabbitmq"
	"ci-dashboard/goutils/toolchain"
)

// InitBuilder assembles the builder from the injected dependencies and injects it.
// The rabbitmq publisher is optional.
func InitBuilder() (*Builder, error) {
	settingsObj, err := gi.Invoke[*settings.SettingsObj]()
	if err != nil {
		return nil, err
	}

	githubClient, err := gi.Invoke[*githubapi.Client]()
	if err != nil {
		return nil, err
	}

	runner, err := gi.Invoke[*toolchain.Runner]()
	if err != nil {
		return nil, err
	}

	reporter, err := gi.Invoke[*reporting.IssueReporter]()
	if err != nil {
		return nil, err
	}

	store, err := gi.Invoke[*artifacts.Store]()
	if err != nil {
		return nil, err
	}

	metaLedger, err := gi.Invoke[*ledger.MetaLedger]()
	if err != nil {
		return nil, err
	}

	var publisher taskmgr.Publisher
	if mgr, mgrErr := gi.Invoke[*rabbitmq.RabbitmqTaskMgr](); mgrErr == nil {
		publisher = mgr
	}

	b := NewBuilder(settingsObj, githubClient, runner, reporter, publisher, store, metaLedger)

	if err = gi.Inject(b); err != nil {
		return nil, err
	}

	return b, nil
}
