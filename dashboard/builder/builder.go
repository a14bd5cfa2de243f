package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ci-dashboard/dashboard/artifacts"
	"ci-dashboard/dashboard/ledger"
	"ci-dashboard/goutils/datamodel"
	"ci-dashboard/goutils/githubapi"
	"ci-dashboard/goutils/reporting"
	"ci-dashboard/goutils/settings"
	"ci-dashboard/goutils/taskmgr"
	"ci-dashboard/goutils/toolchain"
)

const reinstallQueueSize = 16

var (
	ErrDeleteArtifacts    = errors.New("failed to delete build artifacts")
	ErrReinstallQueueFull = errors.New("reinstall queue is full")
	ErrUnknownBuild       = errors.New("no build for commit")
)

type reinstallRequest struct {
	branch string
	sha    string
}

// Builder reconciles the build directory and the ledger with the remote branch list.
// Run owns both, every mutation happens on its goroutine.
type Builder struct {
	githubAPI  githubapi.Service
	toolchain  toolchain.Service
	reporter   reporting.Service
	publisher  taskmgr.Publisher
	store      *artifacts.Store
	ledger     *ledger.MetaLedger
	maxBuilds  int
	interval   time.Duration
	reinstalls chan *reinstallRequest
}

// NewBuilder wires the reconciler. publisher may be nil when build events are disabled.
func NewBuilder(
	settingsObj *settings.SettingsObj,
	githubAPI githubapi.Service,
	toolchainService toolchain.Service,
	reporter reporting.Service,
	publisher taskmgr.Publisher,
	store *artifacts.Store,
	metaLedger *ledger.MetaLedger,
) *Builder {
	maxBuilds := settingsObj.MaxBuilds
	if maxBuilds <= 0 {
		maxBuilds = settings.DefaultMaxBuilds
	}

	interval := 0
	if settingsObj.Interval != nil {
		interval = *settingsObj.Interval
	}

	return &Builder{
		githubAPI:  githubAPI,
		toolchain:  toolchainService,
		reporter:   reporter,
		publisher:  publisher,
		store:      store,
		ledger:     metaLedger,
		maxBuilds:  maxBuilds,
		interval:   time.Duration(interval) * time.Minute,
		reinstalls: make(chan *reinstallRequest, reinstallQueueSize),
	}
}

// Run bootstraps the build directory if it is empty and then runs a pass every interval,
// measured from the end of the previous pass. It returns nil once ctx is cancelled
// and the first fatal pass error otherwise.
func (b *Builder) Run(ctx context.Context) error {
	if b.store.IsEmpty() {
		log.WithField("path", b.store.Root()).Info("build directory is empty, running initial pass")

		if err := b.store.EnsureRoot(); err != nil {
			return fmt.Errorf("cannot create build directory: %w", err)
		}

		if err := b.CreateBuilds(ctx); err != nil {
			return err
		}
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)

	if b.interval > 0 {
		timer = time.NewTimer(b.interval)
		defer timer.Stop()

		timerC = timer.C
	} else {
		log.Info("interval is 0, periodic builds are disabled")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("builder stopped")

			return nil
		case <-timerC:
			if err := b.CreateBuilds(ctx); err != nil {
				return err
			}

			timer.Reset(b.interval)
		case req := <-b.reinstalls:
			if err := b.reinstall(ctx, req); err != nil {
				return err
			}
		}
	}
}

// RequestReinstall queues a fresh install and build of an existing commit checkout.
func (b *Builder) RequestReinstall(branch string, sha string) error {
	if !b.store.HasBuild(branch, sha) {
		return fmt.Errorf("%w: %s/%s", ErrUnknownBuild, branch, sha)
	}

	select {
	case b.reinstalls <- &reinstallRequest{branch: branch, sha: sha}:
		log.WithField("branch", branch).WithField("sha", sha).Info("reinstall queued")

		return nil
	default:
		return ErrReinstallQueueFull
	}
}

// CreateBuilds runs one reconciliation pass: garbage collection of removed branches,
// retention, then a build of every remote branch head not built yet.
// The ledger is saved whatever happens once it has been loaded.
func (b *Builder) CreateBuilds(ctx context.Context) error {
	passID := uuid.New().String()
	l := log.WithField("passID", passID)
	start := time.Now()

	l.Info("starting reconciliation pass")

	if err := b.ledger.Load(); err != nil {
		l.WithError(err).Error("cannot load ledger, aborting pass")
		b.reporter.Report(reporting.ReconciliationFailure, "", "", map[string]interface{}{"error": err.Error()})

		return err
	}

	wasEmpty := b.ledger.IsEmpty()

	err := b.reconcile(ctx, passID, wasEmpty)
	if err != nil {
		l.WithError(err).Error("reconciliation pass failed")
		b.reporter.Report(reporting.ReconciliationFailure, "", "", map[string]interface{}{"error": err.Error()})
	}

	if saveErr := b.ledger.Save(); saveErr != nil {
		l.WithError(saveErr).Error("cannot save ledger")

		if err == nil {
			err = saveErr
		}
	}

	l.WithField("duration", time.Since(start).String()).Info("reconciliation pass finished")

	return err
}

func (b *Builder) reconcile(ctx context.Context, passID string, wasEmpty bool) error {
	l := log.WithField("passID", passID)

	branches, fetchErr := b.githubAPI.GetBranchList(ctx, true)
	if fetchErr != nil {
		l.WithError(fetchErr).Warn("cannot fetch branch list, skipping garbage collection and builds")
	} else if err := b.collectGarbage(branches); err != nil {
		return err
	}

	if wasEmpty {
		if err := b.resetStore(); err != nil {
			return err
		}
	} else {
		for _, branch := range b.ledger.Branches() {
			if err := b.enforceRetention(branch); err != nil {
				return err
			}
		}
	}

	if fetchErr != nil {
		return nil
	}

	for _, branch := range branches {
		if ctx.Err() != nil {
			l.Info("context cancelled, stopping builds")

			return nil
		}

		if err := b.buildBranch(ctx, passID, branch); err != nil {
			return err
		}
	}

	return nil
}

// collectGarbage drops every ledger branch that no longer exists remotely.
func (b *Builder) collectGarbage(branches []*datamodel.Branch) error {
	remote := make(map[string]struct{}, len(branches))
	for _, branch := range branches {
		remote[branch.Name] = struct{}{}
	}

	for _, branch := range b.ledger.Branches() {
		if _, ok := remote[branch]; ok {
			continue
		}

		log.WithField("branch", branch).Info("branch removed remotely, deleting its builds")

		if err := b.removeBranchDir(branch); err != nil {
			return err
		}

		b.ledger.RemoveBranch(branch)
	}

	return nil
}

// resetStore wipes everything under the build root, unmanaged files included.
func (b *Builder) resetStore() error {
	log.Info("ledger is empty, resetting build directory")

	if err := b.store.RemoveAll(); err != nil {
		return fmt.Errorf("%w: %s", ErrDeleteArtifacts, err.Error())
	}

	if err := b.store.EnsureRoot(); err != nil {
		return fmt.Errorf("%w: %s", ErrDeleteArtifacts, err.Error())
	}

	return nil
}

// enforceRetention evicts records over the cap together with their commit directories.
// A record leaves the ledger only once its directory is gone.
// A branch left without records loses its directory and then its ledger key.
func (b *Builder) enforceRetention(branch string) error {
	evicted, err := b.ledger.PruneRetention(branch, b.maxBuilds, func(record datamodel.BuildRecord) error {
		err := b.store.RemoveCommit(branch, record.Sha)
		if errors.Is(err, artifacts.ErrInvalidName) {
			log.WithError(err).Warn("skipping deletion of invalid ledger record")

			return nil
		}

		if err != nil {
			return fmt.Errorf("%w: %s", ErrDeleteArtifacts, err.Error())
		}

		return nil
	})

	for _, record := range evicted {
		log.WithField("branch", branch).WithField("sha", record.Sha).Debug("evicted old build")
	}

	if err != nil {
		return err
	}

	if len(b.ledger.Records(branch)) > 0 {
		return nil
	}

	if err := b.removeBranchDir(branch); err != nil {
		return err
	}

	b.ledger.RemoveBranch(branch)

	return nil
}

func (b *Builder) removeBranchDir(branch string) error {
	err := b.store.RemoveBranch(branch)
	if errors.Is(err, artifacts.ErrInvalidName) {
		log.WithError(err).Warn("skipping deletion of invalid branch name")

		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: %s", ErrDeleteArtifacts, err.Error())
	}

	return nil
}

// buildBranch builds the branch head unless a build was already attempted.
// Only deletion errors are returned, build failures are recorded.
func (b *Builder) buildBranch(ctx context.Context, passID string, branch *datamodel.Branch) error {
	l := log.WithField("passID", passID).WithField("branch", branch.Name).WithField("sha", branch.CommitSha)

	if artifacts.ValidateName(branch.Name) != nil || artifacts.ValidateName(branch.CommitSha) != nil {
		l.Warn("branch cannot be stored on disk, skipping")

		return nil
	}

	if b.store.HasBuild(branch.Name, branch.CommitSha) {
		l.Debug("commit already built")

		return nil
	}

	start := time.Now()

	archive, err := b.githubAPI.GetCommitArchive(ctx, branch.CommitSha)
	if err != nil {
		l.WithError(err).Error("cannot fetch commit archive, branch will be retried next pass")
		b.reporter.Report(reporting.ArchiveFetchIssue, branch.Name, branch.CommitSha, map[string]interface{}{"error": err.Error()})

		return nil
	}

	l.Info("building commit")

	success := b.extract(l, branch.Name, branch.CommitSha, archive) && b.runToolchain(ctx, l, branch.Name, branch.CommitSha)

	if !success && ctx.Err() != nil {
		l.Warn("build interrupted by shutdown, discarding it")
		b.discard(l, branch.Name, branch.CommitSha)

		return nil
	}

	return b.finish(ctx, passID, branch.Name, branch.CommitSha, success, false, time.Since(start))
}

func (b *Builder) extract(l *log.Entry, branch string, sha string, archive []byte) bool {
	projectDir := b.store.ProjectDir(branch, sha)

	err := os.MkdirAll(projectDir, 0o755)
	if err == nil {
		err = b.toolchain.ExtractArchive(archive, projectDir)
	}

	if err != nil {
		l.WithError(err).Error("cannot extract commit archive")
		b.reporter.Report(reporting.BuildFailedIssue, branch, sha, map[string]interface{}{
			"stage": "extract",
			"error": err.Error(),
		})

		return false
	}

	return true
}

// runToolchain installs packages and runs the build task, streaming their output into the log.
func (b *Builder) runToolchain(ctx context.Context, l *log.Entry, branch string, sha string) bool {
	projectDir := b.store.ProjectDir(branch, sha)

	sink := l.WriterLevel(log.InfoLevel)
	defer sink.Close()

	if err := b.toolchain.RunPackageInstall(ctx, projectDir, sink); err != nil {
		l.WithError(err).Error("package install failed")
		b.reporter.Report(reporting.BuildFailedIssue, branch, sha, map[string]interface{}{
			"stage": "install",
			"error": err.Error(),
		})

		return false
	}

	if err := b.toolchain.RunBuildTask(ctx, projectDir, sink); err != nil {
		l.WithError(err).Error("build task failed")
		b.reporter.Report(reporting.BuildFailedIssue, branch, sha, map[string]interface{}{
			"stage": "build",
			"error": err.Error(),
		})

		return false
	}

	return true
}

func (b *Builder) discard(l *log.Entry, branch string, sha string) {
	if err := b.store.RemoveCommit(branch, sha); err != nil {
		l.WithError(err).Warn("cannot remove interrupted build")
	}
}

// finish records the outcome, announces it and enforces retention for the branch.
func (b *Builder) finish(ctx context.Context, passID string, branch string, sha string, success bool, reinstall bool, duration time.Duration) error {
	l := log.WithField("passID", passID).WithField("branch", branch).WithField("sha", sha)

	b.ledger.RecordBuild(branch, sha, success)
	l.WithField("success", success).WithField("duration", duration.String()).Info("build finished")

	if b.publisher != nil {
		event := &datamodel.BuildEvent{
			PassID:    passID,
			Branch:    branch,
			Sha:       sha,
			Success:   success,
			Reinstall: reinstall,
			Duration:  duration,
			Timestamp: time.Now().Unix(),
		}

		if err := b.publisher.Publish(ctx, event); err != nil {
			l.WithError(err).Warn("cannot publish build event")
		}
	}

	return b.enforceRetention(branch)
}

func (b *Builder) reinstall(ctx context.Context, req *reinstallRequest) error {
	passID := uuid.New().String()
	l := log.WithField("passID", passID).WithField("branch", req.branch).WithField("sha", req.sha)

	if err := b.ledger.Load(); err != nil {
		l.WithError(err).Error("cannot load ledger, dropping reinstall")

		return err
	}

	if !b.store.HasBuild(req.branch, req.sha) {
		l.Warn("commit was removed before reinstall ran")

		return nil
	}

	l.Info("reinstalling commit")

	start := time.Now()
	success := b.runToolchain(ctx, l, req.branch, req.sha)

	var err error
	if !success && ctx.Err() != nil {
		l.Warn("reinstall interrupted by shutdown")
	} else {
		err = b.finish(ctx, passID, req.branch, req.sha, success, true, time.Since(start))
	}

	if saveErr := b.ledger.Save(); saveErr != nil && err == nil {
		err = saveErr
	}

	return err
}
