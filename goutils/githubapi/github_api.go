package githubapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v29/github"
	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"ci-dashboard/caching"
	"ci-dashboard/goutils/datamodel"
	"ci-dashboard/goutils/settings"
)

const branchListCacheKey = "branchList"

var (
	ErrFetchBranches      = errors.New("failed to fetch branch list")
	ErrFetchArchive       = errors.New("failed to fetch commit archive")
	ErrFetchCommitMessage = errors.New("failed to fetch commit message")
	ErrBranchNotFound     = errors.New("branch not found")
)

// Service is the hosting API surface the dashboard consumes.
type Service interface {
	// GetBranchList may be served from a short-lived cache unless forceRefresh is set.
	GetBranchList(ctx context.Context, forceRefresh bool) ([]*datamodel.Branch, error)
	GetCommitArchive(ctx context.Context, sha string) ([]byte, error)
	GetCommitMessage(ctx context.Context, sha string) (string, error)
}

type Client struct {
	client       *github.Client
	rateLimiter  *rate.Limiter
	branchCache  caching.MemCache
	commitCache  caching.DbCache
	owner        string
	repo         string
	archiveRetry uint64
}

var _ Service = (*Client)(nil)

// NewClient builds a GitHub client on top of the retryable http client.
// commitCache may be nil, commit messages are then fetched on every call.
func NewClient(config *settings.Github, httpClient *retryablehttp.Client, branchCache caching.MemCache, commitCache caching.DbCache) (*Client, error) {
	standard := httpClient.StandardClient()
	if config.Token != "" {
		standard.Transport = &tokenTransport{token: config.Token, base: standard.Transport}
	}

	client := github.NewClient(standard)
	client.UserAgent = "ci-dashboard"

	if config.BaseURL != "" {
		baseURL, err := url.Parse(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}

		client.BaseURL = baseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimiter != nil && config.RateLimiter.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimiter.RequestsPerSec), config.RateLimiter.Burst)
	}

	return &Client{
		client:       client,
		rateLimiter:  limiter,
		branchCache:  branchCache,
		commitCache:  commitCache,
		owner:        config.Owner,
		repo:         config.Repo,
		archiveRetry: uint64(config.ArchiveRetryCount),
	}, nil
}

func (c *Client) GetBranchList(ctx context.Context, forceRefresh bool) ([]*datamodel.Branch, error) {
	if !forceRefresh {
		if cached, ok := c.branchCache.Get(branchListCacheKey); ok {
			return cached.([]*datamodel.Branch), nil
		}
	}

	branches := make([]*datamodel.Branch, 0)
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: 100}}

	for {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrFetchBranches, err.Error())
		}

		page, resp, err := c.client.Repositories.ListBranches(ctx, c.owner, c.repo, opts)
		if err != nil {
			log.WithError(err).WithField("repo", c.owner+"/"+c.repo).Error("failed to list branches")

			return nil, fmt.Errorf("%w: %s", ErrFetchBranches, err.Error())
		}

		for _, branch := range page {
			if branch.GetName() == "" || branch.GetCommit().GetSHA() == "" {
				continue
			}

			branches = append(branches, &datamodel.Branch{
				Name:      branch.GetName(),
				CommitSha: branch.GetCommit().GetSHA(),
			})
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	_ = c.branchCache.Set(branchListCacheKey, branches)

	log.WithField("count", len(branches)).Debug("fetched branch list")

	return branches, nil
}

// GetLastCommit returns the head sha of the named branch from the (possibly cached) branch list.
func GetLastCommit(ctx context.Context, service Service, branch string) (string, error) {
	branches, err := service.GetBranchList(ctx, false)
	if err != nil {
		return "", err
	}

	for _, item := range branches {
		if item.Name == branch {
			return item.CommitSha, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
}

func (c *Client) GetCommitArchive(ctx context.Context, sha string) ([]byte, error) {
	var archive bytes.Buffer

	operation := func() error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := c.client.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s/zipball/%s", c.owner, c.repo, sha), nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		archive.Reset()

		// the zipball endpoint redirects to the archive host, the http client follows it.
		_, err = c.client.Do(ctx, req, &archive)
		if err != nil {
			log.WithError(err).WithField("sha", sha).Warn("failed to download archive, retrying")

			return err
		}

		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.archiveRetry), ctx))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %s", ErrFetchArchive, sha, err.Error())
	}

	log.WithField("sha", sha).WithField("size", archive.Len()).Debug("downloaded commit archive")

	return archive.Bytes(), nil
}

func (c *Client) GetCommitMessage(ctx context.Context, sha string) (string, error) {
	if c.commitCache != nil {
		message, err := c.commitCache.GetCommitMessage(ctx, sha)
		if err == nil {
			return message, nil
		}
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %s", ErrFetchCommitMessage, err.Error())
	}

	commit, _, err := c.client.Git.GetCommit(ctx, c.owner, c.repo, sha)
	if err != nil {
		log.WithError(err).WithField("sha", sha).Error("failed to get commit")

		return "", fmt.Errorf("%w: %s", ErrFetchCommitMessage, err.Error())
	}

	message := commit.GetMessage()

	if c.commitCache != nil {
		if err = c.commitCache.StoreCommitMessage(ctx, sha, message); err != nil {
			log.WithError(err).WithField("sha", sha).Warn("failed to cache commit message")
		}
	}

	return message, nil
}

// GetCommitsList resolves messages for every sha; a failed lookup falls back to the sha itself.
func GetCommitsList(ctx context.Context, service Service, shaList []string) []*datamodel.Commit {
	commits := make([]*datamodel.Commit, 0, len(shaList))

	for _, sha := range shaList {
		message, err := service.GetCommitMessage(ctx, sha)
		if err != nil {
			message = sha
		}

		commits = append(commits, &datamodel.Commit{Sha: sha, Message: message})
	}

	return commits
}

type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "token "+t.token)

	return t.base.RoundTrip(clone)
}

// CacheTTL converts the configured branch cache ttl to a duration.
func CacheTTL(config *settings.Github) time.Duration {
	return time.Duration(config.BranchCacheTTL) * time.Second
}
