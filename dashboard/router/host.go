package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"ci-dashboard/dashboard/artifacts"
	"ci-dashboard/goutils/githubapi"
)

// LatestCommit in the commit position of a host resolves to the branch head.
const LatestCommit = "latest"

const hostLabels = 4

var ErrNotRoutable = errors.New("host does not address a build")

// HostCoordinates addresses one build variant: <branch>.<commit>.<connection>.<buildType>.<apex>.
type HostCoordinates struct {
	Branch     string
	Commit     string
	Connection string
	BuildType  string
}

func (c *HostCoordinates) Variant() *artifacts.Variant {
	return &artifacts.Variant{
		Branch:     c.Branch,
		Commit:     c.Commit,
		Connection: c.Connection,
		BuildType:  c.BuildType,
	}
}

// Host renders the virtual host serving the coordinates under apex.
func (c *HostCoordinates) Host(apex string) string {
	return strings.Join([]string{c.Branch, c.Commit, c.Connection, c.BuildType, apex}, ".")
}

type HostParser struct {
	apex      string
	githubAPI githubapi.Service
}

// NewHostParser returns a parser for hosts under apex. With an empty apex the
// trailing label of every host is treated as the apex.
func NewHostParser(apex string, githubAPI githubapi.Service) *HostParser {
	return &HostParser{
		apex:      StripPort(apex),
		githubAPI: githubAPI,
	}
}

// Parse extracts the build coordinates from a Host header, resolving a latest commit
// against the remote branch list.
func (p *HostParser) Parse(ctx context.Context, host string) (*HostCoordinates, error) {
	labels, err := p.labels(StripPort(host))
	if err != nil {
		return nil, err
	}

	coords := &HostCoordinates{
		Branch:     labels[0],
		Commit:     labels[1],
		Connection: labels[2],
		BuildType:  labels[3],
	}

	if coords.Commit != LatestCommit {
		return coords, nil
	}

	sha, err := githubapi.GetLastCommit(ctx, p.githubAPI, coords.Branch)
	if err != nil {
		return nil, err
	}

	coords.Commit = sha

	return coords, nil
}

func (p *HostParser) labels(host string) ([]string, error) {
	var labels []string

	switch {
	case p.apex != "" && strings.HasSuffix(host, "."+p.apex):
		labels = strings.Split(strings.TrimSuffix(host, "."+p.apex), ".")
		if len(labels) != hostLabels {
			return nil, fmt.Errorf("%w: %s", ErrNotRoutable, host)
		}
	default:
		labels = strings.Split(host, ".")
		if len(labels) < hostLabels+1 {
			return nil, fmt.Errorf("%w: %s", ErrNotRoutable, host)
		}

		labels = labels[:hostLabels]
	}

	for _, label := range labels {
		if label == "" || strings.ContainsAny(label, `/\`) {
			return nil, fmt.Errorf("%w: %s", ErrNotRoutable, host)
		}
	}

	return labels, nil
}

// StripPort drops a trailing :port from a host, bracketed IPv6 literals included.
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}

	return host
}
