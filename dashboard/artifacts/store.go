package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

var ErrInvalidName = errors.New("invalid branch or commit name")

// Variant addresses one servable build output.
type Variant struct {
	Branch     string
	Commit     string
	Connection string
	BuildType  string
}

// Store maps (branch, commit, connection, buildType) onto the builds directory:
//
//	<root>/<branch>/<sha>/<repo>-<sha>/<outputDir>/<connection>/<buildType>
//
// Existence of a directory is the only signal that a build is servable.
type Store struct {
	root      string
	repo      string
	outputDir string
}

func NewStore(root string, repo string, outputDir string) *Store {
	return &Store{
		root:      filepath.Clean(root),
		repo:      repo,
		outputDir: filepath.FromSlash(outputDir),
	}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) BranchDir(branch string) string {
	return filepath.Join(s.root, branch)
}

func (s *Store) CommitDir(branch string, sha string) string {
	return filepath.Join(s.root, branch, sha)
}

// ProjectDir is the extracted source checkout of a commit.
func (s *Store) ProjectDir(branch string, sha string) string {
	return filepath.Join(s.CommitDir(branch, sha), fmt.Sprintf("%s-%s", s.repo, sha))
}

func (s *Store) VariantDir(v *Variant) string {
	return filepath.Join(s.ProjectDir(v.Branch, v.Commit), s.outputDir, v.Connection, v.BuildType)
}

// Roots lists the directories static files are looked up in, most specific first.
func (s *Store) Roots(v *Variant) []string {
	return []string{
		s.VariantDir(v),
		s.ProjectDir(v.Branch, v.Commit),
		s.CommitDir(v.Branch, v.Commit),
	}
}

// HasBuild reports whether a build was already attempted for the commit.
func (s *Store) HasBuild(branch string, sha string) bool {
	if ValidateName(branch) != nil || ValidateName(sha) != nil {
		return false
	}

	return isDir(s.CommitDir(branch, sha))
}

// Exists reports whether the variant output directory is present.
func (s *Store) Exists(v *Variant) bool {
	for _, part := range []string{v.Branch, v.Commit, v.Connection, v.BuildType} {
		if ValidateName(part) != nil {
			return false
		}
	}

	return isDir(s.VariantDir(v))
}

// IsEmpty is true when the root is missing or has no entries.
func (s *Store) IsEmpty() bool {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return true
	}

	return len(entries) == 0
}

func (s *Store) EnsureRoot() error {
	return os.MkdirAll(s.root, 0o755)
}

// RemoveAll deletes the whole builds root, including files the dashboard does not manage.
func (s *Store) RemoveAll() error {
	log.WithField("path", s.root).Info("remove all builds")

	return os.RemoveAll(s.root)
}

func (s *Store) RemoveBranch(branch string) error {
	if err := ValidateName(branch); err != nil {
		return err
	}

	log.WithField("branch", branch).Info("remove branch builds")

	return os.RemoveAll(s.BranchDir(branch))
}

func (s *Store) RemoveCommit(branch string, sha string) error {
	if err := ValidateName(branch); err != nil {
		return err
	}

	if err := ValidateName(sha); err != nil {
		return err
	}

	log.WithField("branch", branch).WithField("sha", sha).Info("remove commit build")

	return os.RemoveAll(s.CommitDir(branch, sha))
}

// ListCommits returns the commit directories present for a branch, sorted.
// A missing branch directory yields an empty list.
func (s *Store) ListCommits(branch string) ([]string, error) {
	if err := ValidateName(branch); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.BranchDir(branch))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}

		return nil, err
	}

	commits := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			commits = append(commits, entry.Name())
		}
	}

	sort.Strings(commits)

	return commits, nil
}

// ValidateName rejects names that would address something outside their own directory.
// Branch names may contain "/" (nested directories) but no "." or ".." elements.
func ValidateName(name string) error {
	if name == "" || strings.Contains(name, "\\") || filepath.IsAbs(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	for _, element := range strings.Split(name, "/") {
		if element == "" || element == "." || element == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}

	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return info.IsDir()
}
