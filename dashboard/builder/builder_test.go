package builder

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-dashboard/caching"
	"ci-dashboard/dashboard/artifacts"
	"ci-dashboard/dashboard/ledger"
	"ci-dashboard/goutils/datamodel"
	"ci-dashboard/goutils/githubapi"
	"ci-dashboard/goutils/mock"
	"ci-dashboard/goutils/reporting"
	"ci-dashboard/goutils/settings"
)

type testEnv struct {
	builder    *Builder
	store      *artifacts.Store
	ledger     *ledger.MetaLedger
	ledgerPath string

	mu          sync.Mutex
	remote      []*datamodel.Branch
	branchErr   error
	archiveErr  map[string]error
	installErr  map[string]error
	buildErr    map[string]error
	issues      []reporting.IssueType
	events      []*datamodel.BuildEvent
	archiveHits atomic.Int32
	installHits atomic.Int32
}

func newTestEnv(t *testing.T, maxBuilds int, remote ...*datamodel.Branch) *testEnv {
	t.Helper()

	dir := t.TempDir()
	env := &testEnv{
		store:      artifacts.NewStore(filepath.Join(dir, "builds"), "WavesGUI", "dist/build"),
		ledgerPath: filepath.Join(dir, "meta.json"),
		remote:     remote,
		archiveErr: map[string]error{},
		installErr: map[string]error{},
		buildErr:   map[string]error{},
	}
	env.ledger = ledger.NewMetaLedger(env.ledgerPath, caching.InitDiskCache())

	githubMock := mock.GithubAPIMock{
		GetBranchListMock: func(ctx context.Context, forceRefresh bool) ([]*datamodel.Branch, error) {
			env.mu.Lock()
			defer env.mu.Unlock()

			return env.remote, env.branchErr
		},
		GetCommitArchiveMock: func(ctx context.Context, sha string) ([]byte, error) {
			env.archiveHits.Add(1)

			env.mu.Lock()
			defer env.mu.Unlock()

			return []byte("zip-" + sha), env.archiveErr[sha]
		},
	}

	toolchainMock := mock.ToolchainMock{
		ExtractArchiveMock: func(archive []byte, destPath string) error {
			return os.WriteFile(filepath.Join(destPath, "package.json"), archive, 0o644)
		},
		RunPackageInstallMock: func(ctx context.Context, projectDir string, logSink io.Writer) error {
			env.installHits.Add(1)

			env.mu.Lock()
			defer env.mu.Unlock()

			_, _ = logSink.Write([]byte("added 1 package\n"))

			return env.installErr[filepath.Base(filepath.Dir(projectDir))]
		},
		RunBuildTaskMock: func(ctx context.Context, projectDir string, logSink io.Writer) error {
			env.mu.Lock()
			err := env.buildErr[filepath.Base(filepath.Dir(projectDir))]
			env.mu.Unlock()

			if err != nil {
				return err
			}

			return os.MkdirAll(filepath.Join(projectDir, "dist", "build", "mainnet", "dev"), 0o755)
		},
	}

	reporterMock := mock.ReportingServiceMock{
		ReportMock: func(issueType reporting.IssueType, branch string, sha string, extra map[string]interface{}) {
			env.mu.Lock()
			defer env.mu.Unlock()

			env.issues = append(env.issues, issueType)
		},
	}

	publisherMock := mock.PublisherMock{
		PublishMock: func(ctx context.Context, event *datamodel.BuildEvent) error {
			env.mu.Lock()
			defer env.mu.Unlock()

			env.events = append(env.events, event)

			return nil
		},
	}

	interval := 0
	settingsObj := &settings.SettingsObj{MaxBuilds: maxBuilds, Interval: &interval}

	env.builder = NewBuilder(settingsObj, githubMock, toolchainMock, reporterMock, publisherMock, env.store, env.ledger)

	return env
}

// seed writes a ledger file and the matching commit directories.
func (e *testEnv) seed(t *testing.T, records map[string][]datamodel.BuildRecord) {
	t.Helper()

	seeded := ledger.NewMetaLedger(e.ledgerPath, caching.InitDiskCache())
	for branch, list := range records {
		for _, record := range list {
			seeded.RecordBuild(branch, record.Sha, record.Success)
			require.NoError(t, os.MkdirAll(e.store.ProjectDir(branch, record.Sha), 0o755))
		}
	}

	require.NoError(t, seeded.Save())
}

// writeLedger saves records without creating any directory for them.
func (e *testEnv) writeLedger(t *testing.T, branch string, shas ...string) {
	t.Helper()

	l := ledger.NewMetaLedger(e.ledgerPath, caching.InitDiskCache())
	for _, sha := range shas {
		l.RecordBuild(branch, sha, true)
	}

	require.NoError(t, l.Save())
}

// blockPath puts a regular file where a directory is expected so that removals below it fail.
func (e *testEnv) blockPath(t *testing.T, name string) {
	t.Helper()

	require.NoError(t, e.store.EnsureRoot())
	require.NoError(t, os.WriteFile(filepath.Join(e.store.Root(), name), []byte("x"), 0o644))
}

func snapshot(l *ledger.MetaLedger) map[string][]datamodel.BuildRecord {
	records := make(map[string][]datamodel.BuildRecord)
	for _, branch := range l.Branches() {
		records[branch] = l.Records(branch)
	}

	return records
}

func (e *testEnv) reload(t *testing.T) *ledger.MetaLedger {
	t.Helper()

	reloaded := ledger.NewMetaLedger(e.ledgerPath, caching.InitDiskCache())
	require.NoError(t, reloaded.Load())

	return reloaded
}

func TestBuilder_CreateBuilds_FromEmpty(t *testing.T) {
	env := newTestEnv(t, 50,
		&datamodel.Branch{Name: "master", CommitSha: "aaa"},
		&datamodel.Branch{Name: "dev", CommitSha: "bbb"},
	)

	unmanaged := filepath.Join(env.store.Root(), "stray", "file.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(unmanaged), 0o755))
	require.NoError(t, os.WriteFile(unmanaged, []byte("x"), 0o644))

	require.NoError(t, env.builder.CreateBuilds(context.Background()))

	assert.NoFileExists(t, unmanaged)
	assert.True(t, env.store.HasBuild("master", "aaa"))
	assert.True(t, env.store.HasBuild("dev", "bbb"))
	assert.True(t, env.store.Exists(&artifacts.Variant{Branch: "master", Commit: "aaa", Connection: "mainnet", BuildType: "dev"}))
	assert.FileExists(t, filepath.Join(env.store.ProjectDir("master", "aaa"), "package.json"))

	assert.Equal(t, map[string][]datamodel.BuildRecord{
		"master": {{Sha: "aaa", Success: true}},
		"dev":    {{Sha: "bbb", Success: true}},
	}, snapshot(env.reload(t)))

	require.Len(t, env.events, 2)
	assert.True(t, env.events[0].Success)
	assert.NotEmpty(t, env.events[0].PassID)
	assert.Empty(t, env.issues)
}

func TestBuilder_CreateBuilds_Idempotent(t *testing.T) {
	env := newTestEnv(t, 50, &datamodel.Branch{Name: "master", CommitSha: "aaa"})

	require.NoError(t, env.builder.CreateBuilds(context.Background()))
	first := snapshot(env.reload(t))

	require.NoError(t, env.builder.CreateBuilds(context.Background()))

	assert.Equal(t, first, snapshot(env.reload(t)))
	assert.Equal(t, int32(1), env.archiveHits.Load())
	assert.Equal(t, int32(1), env.installHits.Load())
}

func TestBuilder_CreateBuilds_GarbageCollection(t *testing.T) {
	env := newTestEnv(t, 50, &datamodel.Branch{Name: "master", CommitSha: "aaa"})
	env.seed(t, map[string][]datamodel.BuildRecord{
		"master":      {{Sha: "aaa", Success: true}},
		"feature/old": {{Sha: "ccc", Success: false}},
	})

	require.NoError(t, env.builder.CreateBuilds(context.Background()))

	assert.Equal(t, []string{"master"}, env.reload(t).Branches())
	assert.NoDirExists(t, env.store.BranchDir("feature/old"))
	assert.True(t, env.store.HasBuild("master", "aaa"))
	assert.Equal(t, int32(0), env.archiveHits.Load())
}

func TestBuilder_CreateBuilds_Retention(t *testing.T) {
	env := newTestEnv(t, 2, &datamodel.Branch{Name: "master", CommitSha: "s4"})
	env.seed(t, map[string][]datamodel.BuildRecord{
		"master": {{Sha: "s1", Success: true}, {Sha: "s2", Success: true}, {Sha: "s3", Success: false}},
	})

	require.NoError(t, env.builder.CreateBuilds(context.Background()))

	assert.Equal(t, []datamodel.BuildRecord{
		{Sha: "s3", Success: false},
		{Sha: "s4", Success: true},
	}, env.reload(t).Records("master"))

	assert.False(t, env.store.HasBuild("master", "s1"))
	assert.False(t, env.store.HasBuild("master", "s2"))
	assert.True(t, env.store.HasBuild("master", "s3"))
	assert.True(t, env.store.HasBuild("master", "s4"))
}

func TestBuilder_CreateBuilds_FailedBuildDoesNotAbortPass(t *testing.T) {
	env := newTestEnv(t, 50,
		&datamodel.Branch{Name: "broken", CommitSha: "bad"},
		&datamodel.Branch{Name: "master", CommitSha: "good"},
	)
	env.installErr["bad"] = errors.New("npm ERR!")

	require.NoError(t, env.builder.CreateBuilds(context.Background()))

	records := snapshot(env.reload(t))
	assert.Equal(t, []datamodel.BuildRecord{{Sha: "bad", Success: false}}, records["broken"])
	assert.Equal(t, []datamodel.BuildRecord{{Sha: "good", Success: true}}, records["master"])

	assert.True(t, env.store.HasBuild("broken", "bad"))
	assert.Equal(t, []reporting.IssueType{reporting.BuildFailedIssue}, env.issues)

	// a failed build is not retried
	require.NoError(t, env.builder.CreateBuilds(context.Background()))
	assert.Equal(t, int32(2), env.installHits.Load())
}

func TestBuilder_CreateBuilds_BuildTaskFailure(t *testing.T) {
	env := newTestEnv(t, 50,
		&datamodel.Branch{Name: "broken", CommitSha: "bad"},
		&datamodel.Branch{Name: "master", CommitSha: "good"},
	)
	env.buildErr["bad"] = errors.New("gulp exited with code 1")

	require.NoError(t, env.builder.CreateBuilds(context.Background()))

	records := snapshot(env.reload(t))
	assert.Equal(t, []datamodel.BuildRecord{{Sha: "bad", Success: false}}, records["broken"])
	assert.Equal(t, []datamodel.BuildRecord{{Sha: "good", Success: true}}, records["master"])

	assert.True(t, env.store.Exists(&artifacts.Variant{Branch: "master", Commit: "good", Connection: "mainnet", BuildType: "dev"}))
	assert.False(t, env.store.Exists(&artifacts.Variant{Branch: "broken", Commit: "bad", Connection: "mainnet", BuildType: "dev"}))
	assert.Equal(t, []reporting.IssueType{reporting.BuildFailedIssue}, env.issues)

	require.Len(t, env.events, 2)
	assert.False(t, env.events[0].Success)
	assert.True(t, env.events[1].Success)
}

func TestBuilder_CreateBuilds_GarbageCollectionDeleteFailure(t *testing.T) {
	env := newTestEnv(t, 50, &datamodel.Branch{Name: "master", CommitSha: "aaa"})
	written := []byte("{\n  \"gone/x\": [{\"sha\": \"s1\", \"success\": true}]\n}\n")
	require.NoError(t, os.WriteFile(env.ledgerPath, written, 0o644))
	env.blockPath(t, "gone")

	err := env.builder.CreateBuilds(context.Background())
	assert.ErrorIs(t, err, ErrDeleteArtifacts)

	saved, err := os.ReadFile(env.ledgerPath)
	require.NoError(t, err)
	assert.NotEqual(t, written, saved)

	// the branch stays in the ledger so the next pass retries the deletion
	assert.Equal(t, []datamodel.BuildRecord{{Sha: "s1", Success: true}}, env.reload(t).Records("gone/x"))
	assert.False(t, env.store.HasBuild("master", "aaa"))
	assert.Equal(t, int32(0), env.archiveHits.Load())
	assert.Equal(t, []reporting.IssueType{reporting.ReconciliationFailure}, env.issues)
}

func TestBuilder_CreateBuilds_RetentionDeleteFailure(t *testing.T) {
	env := newTestEnv(t, 2)
	env.branchErr = githubapi.ErrFetchBranches
	env.writeLedger(t, "master", "s1", "s2", "s3")
	env.blockPath(t, "master")

	err := env.builder.CreateBuilds(context.Background())
	assert.ErrorIs(t, err, ErrDeleteArtifacts)

	assert.Equal(t, []datamodel.BuildRecord{
		{Sha: "s1", Success: true},
		{Sha: "s2", Success: true},
		{Sha: "s3", Success: true},
	}, env.reload(t).Records("master"))
}

func TestBuilder_CreateBuilds_ArchiveFailureRetried(t *testing.T) {
	env := newTestEnv(t, 50, &datamodel.Branch{Name: "master", CommitSha: "aaa"})
	env.archiveErr["aaa"] = githubapi.ErrFetchArchive

	require.NoError(t, env.builder.CreateBuilds(context.Background()))

	assert.False(t, env.store.HasBuild("master", "aaa"))
	assert.True(t, env.reload(t).IsEmpty())
	assert.Equal(t, []reporting.IssueType{reporting.ArchiveFetchIssue}, env.issues)

	delete(env.archiveErr, "aaa")

	require.NoError(t, env.builder.CreateBuilds(context.Background()))
	assert.True(t, env.store.HasBuild("master", "aaa"))
}

func TestBuilder_CreateBuilds_BranchListFailureKeepsLedger(t *testing.T) {
	env := newTestEnv(t, 50)
	env.branchErr = githubapi.ErrFetchBranches
	env.seed(t, map[string][]datamodel.BuildRecord{
		"master": {{Sha: "aaa", Success: true}},
	})

	require.NoError(t, env.builder.CreateBuilds(context.Background()))

	assert.Equal(t, []string{"master"}, env.reload(t).Branches())
	assert.True(t, env.store.HasBuild("master", "aaa"))
}

func TestBuilder_CreateBuilds_SaveErrorIsFatal(t *testing.T) {
	env := newTestEnv(t, 50, &datamodel.Branch{Name: "master", CommitSha: "aaa"})

	disk := mock.DiskMock{
		ReadMock: func(string) ([]byte, error) {
			return nil, os.ErrNotExist
		},
		WriteMock: func(string, []byte) error {
			return errors.New("read-only file system")
		},
	}
	env.builder.ledger = ledger.NewMetaLedger(env.ledgerPath, disk)

	err := env.builder.CreateBuilds(context.Background())
	assert.ErrorIs(t, err, ledger.ErrSaveLedger)
	assert.True(t, env.store.HasBuild("master", "aaa"))
}

func TestBuilder_RequestReinstall(t *testing.T) {
	env := newTestEnv(t, 50)

	assert.ErrorIs(t, env.builder.RequestReinstall("master", "aaa"), ErrUnknownBuild)

	require.NoError(t, os.MkdirAll(env.store.ProjectDir("master", "aaa"), 0o755))

	for i := 0; i < reinstallQueueSize; i++ {
		require.NoError(t, env.builder.RequestReinstall("master", "aaa"))
	}

	assert.ErrorIs(t, env.builder.RequestReinstall("master", "aaa"), ErrReinstallQueueFull)
}

func TestBuilder_Run(t *testing.T) {
	env := newTestEnv(t, 50, &datamodel.Branch{Name: "master", CommitSha: "aaa"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- env.builder.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return env.installHits.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.builder.RequestReinstall("master", "aaa"))

	assert.Eventually(t, func() bool {
		env.mu.Lock()
		defer env.mu.Unlock()

		return len(env.events) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("builder did not stop")
	}

	env.mu.Lock()
	defer env.mu.Unlock()

	assert.False(t, env.events[0].Reinstall)
	assert.True(t, env.events[1].Reinstall)
	assert.Equal(t, []datamodel.BuildRecord{{Sha: "aaa", Success: true}}, env.reload(t).Records("master"))
}

func TestBuilder_RunStopsOnDeleteFailure(t *testing.T) {
	env := newTestEnv(t, 50, &datamodel.Branch{Name: "master", CommitSha: "aaa"})
	env.writeLedger(t, "gone/x", "s1")
	env.blockPath(t, "gone")
	env.builder.interval = 10 * time.Millisecond

	done := make(chan error, 1)

	go func() {
		done <- env.builder.Run(context.Background())
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDeleteArtifacts)
	case <-time.After(5 * time.Second):
		t.Fatal("builder kept running after a deletion failure")
	}

	assert.Equal(t, int32(0), env.archiveHits.Load())
}

func TestBuilder_RunStopsWhenBootstrapFails(t *testing.T) {
	env := newTestEnv(t, 50, &datamodel.Branch{Name: "master", CommitSha: "aaa"})

	blocked := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))
	env.builder.store = artifacts.NewStore(filepath.Join(blocked, "builds"), "WavesGUI", "dist/build")

	err := env.builder.Run(context.Background())
	assert.ErrorContains(t, err, "cannot create build directory")
	assert.Equal(t, int32(0), env.archiveHits.Load())
}
