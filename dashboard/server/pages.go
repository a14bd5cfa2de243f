package server

import (
	"context"
	"fmt"

	"github.com/remeh/sizedwaitgroup"
	log "github.com/sirupsen/logrus"

	"ci-dashboard/dashboard/artifacts"
	"ci-dashboard/dashboard/router"
	"ci-dashboard/goutils/datamodel"
	"ci-dashboard/goutils/githubapi"
	"ci-dashboard/goutils/settings"
)

// Reinstaller queues a fresh install and build of an existing commit.
type Reinstaller interface {
	RequestReinstall(branch string, sha string) error
}

// Pages renders the dashboard pages served on hosts that do not address a build.
type Pages struct {
	githubAPI   githubapi.Service
	store       *artifacts.Store
	reinstaller Reinstaller
	renderer    Renderer
	variants    *settings.Variants
	concurrency int
}

func NewPages(
	githubAPI githubapi.Service,
	store *artifacts.Store,
	reinstaller Reinstaller,
	renderer Renderer,
	variants *settings.Variants,
	concurrency int,
) *Pages {
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Pages{
		githubAPI:   githubAPI,
		store:       store,
		reinstaller: reinstaller,
		renderer:    renderer,
		variants:    variants,
		concurrency: concurrency,
	}
}

// Register adds the page routes to table.
func (p *Pages) Register(table *router.Table) {
	table.Add("/", p.index)
	table.Add("/index.html", p.index)
	table.Add("/branch/:name", p.branch)
	table.Add("/branch/:name/commit/:commit", p.commit)
	table.Add("/branch/:name/latest", p.latest)
	table.Add("/branch/:name/commit/:commit/reinstall", p.reinstall)
}

func (p *Pages) index(ctx context.Context, _ router.Params) (string, error) {
	branches, err := p.githubAPI.GetBranchList(ctx, false)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(branches))
	for _, branch := range branches {
		names = append(names, branch.Name)
	}

	statuses := p.collect(len(names), func(i int) datamodel.BuildStatus {
		return p.branchStatus(names[i])
	})

	links := make([]*Link, 0, len(names))
	for i, name := range names {
		links = append(links, &Link{URL: "./branch/" + name, Text: name, Status: string(statuses[i])})
	}

	return renderLinks(p.renderer, "Branches", links)
}

func (p *Pages) branch(ctx context.Context, params router.Params) (string, error) {
	name := params["name"]

	shas, err := p.store.ListCommits(name)
	if err != nil {
		return "", err
	}

	commits := githubapi.GetCommitsList(ctx, p.githubAPI, shas)

	statuses := p.collect(len(commits), func(i int) datamodel.BuildStatus {
		return p.commitStatus(name, commits[i].Sha)
	})

	links := make([]*Link, 0, len(commits)+1)
	for i, commit := range commits {
		links = append(links, &Link{
			URL:    fmt.Sprintf("./%s/commit/%s", name, commit.Sha),
			Text:   commit.Message,
			Status: string(statuses[i]),
		})
	}

	links = append(links, &Link{URL: fmt.Sprintf("./%s/latest", name), Text: router.LatestCommit})

	return renderLinks(p.renderer, "Branch "+name, links)
}

func (p *Pages) commit(ctx context.Context, params router.Params) (string, error) {
	name, sha := params["name"], params["commit"]

	links := p.variantLinks(ctx, name, sha, sha)
	links = append(links, &Link{URL: fmt.Sprintf("./%s/reinstall", sha), Text: "reinstall"})

	return renderLinks(p.renderer, fmt.Sprintf("Branch %s, commit %s", name, sha), links)
}

func (p *Pages) latest(ctx context.Context, params router.Params) (string, error) {
	name := params["name"]

	sha, err := githubapi.GetLastCommit(ctx, p.githubAPI, name)
	if err != nil {
		return "", err
	}

	return renderLinks(p.renderer, fmt.Sprintf("Branch %s, latest commit %s", name, sha), p.variantLinks(ctx, name, router.LatestCommit, sha))
}

func (p *Pages) reinstall(_ context.Context, params router.Params) (string, error) {
	name, sha := params["name"], params["commit"]

	if err := p.reinstaller.RequestReinstall(name, sha); err != nil {
		return "", err
	}

	return renderLinks(p.renderer, fmt.Sprintf("Reinstall of %s queued", sha), []*Link{
		{URL: fmt.Sprintf("/branch/%s/commit/%s", name, sha), Text: "back to builds"},
	})
}

// variantLinks lists a link per connection and build type. hostCommit is the commit label
// used in the link host, sha the commit whose output is checked.
func (p *Pages) variantLinks(ctx context.Context, name string, hostCommit string, sha string) []*Link {
	apex := apexFromContext(ctx)
	scheme := schemeFromContext(ctx)

	links := make([]*Link, 0, len(p.variants.Connections)*len(p.variants.BuildTypes))

	for _, connection := range p.variants.Connections {
		for _, buildType := range p.variants.BuildTypes {
			coords := &router.HostCoordinates{Branch: name, Commit: hostCommit, Connection: connection, BuildType: buildType}

			status := datamodel.BuildStatusFail
			if p.store.Exists(&artifacts.Variant{Branch: name, Commit: sha, Connection: connection, BuildType: buildType}) {
				status = datamodel.BuildStatusSuccess
			}

			links = append(links, &Link{
				URL:    scheme + "://" + coords.Host(apex),
				Text:   fmt.Sprintf("Branch: %q\ncommit: %s\n%s %s", name, hostCommit, connection, buildType),
				Status: string(status),
			})
		}
	}

	return links
}

// commitStatus is success when every variant was built, partial when some were.
func (p *Pages) commitStatus(name string, sha string) datamodel.BuildStatus {
	total, built := 0, 0

	for _, connection := range p.variants.Connections {
		for _, buildType := range p.variants.BuildTypes {
			total++

			if p.store.Exists(&artifacts.Variant{Branch: name, Commit: sha, Connection: connection, BuildType: buildType}) {
				built++
			}
		}
	}

	return aggregate(total, built, 0)
}

func (p *Pages) branchStatus(name string) datamodel.BuildStatus {
	shas, err := p.store.ListCommits(name)
	if err != nil {
		log.WithError(err).WithField("branch", name).Debug("cannot list branch commits")

		return datamodel.BuildStatusFail
	}

	success, partial := 0, 0

	for _, sha := range shas {
		switch p.commitStatus(name, sha) {
		case datamodel.BuildStatusSuccess:
			success++
		case datamodel.BuildStatusPartial:
			partial++
		}
	}

	return aggregate(len(shas), success, partial)
}

func aggregate(total int, success int, partial int) datamodel.BuildStatus {
	switch {
	case total > 0 && success == total:
		return datamodel.BuildStatusSuccess
	case success > 0 || partial > 0:
		return datamodel.BuildStatusPartial
	default:
		return datamodel.BuildStatusFail
	}
}

// collect runs fn for every index with bounded concurrency.
func (p *Pages) collect(n int, fn func(i int) datamodel.BuildStatus) []datamodel.BuildStatus {
	statuses := make([]datamodel.BuildStatus, n)

	swg := sizedwaitgroup.New(p.concurrency)

	for i := 0; i < n; i++ {
		swg.Add()

		go func(i int) {
			defer swg.Done()

			statuses[i] = fn(i)
		}(i)
	}

	swg.Wait()

	return statuses
}
