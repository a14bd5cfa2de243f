package datamodel

import "time"

// Branch is a remote branch snapshot as returned by the hosting API.
type Branch struct {
	Name      string `json:"name"`
	CommitSha string `json:"commitSha"`
}

// BuildRecord is the outcome of one build, as stored in the ledger file.
type BuildRecord struct {
	Sha     string `json:"sha"`
	Success bool   `json:"success"`
}

// Commit pairs a sha with its commit message for the status pages.
type Commit struct {
	Sha     string `json:"sha"`
	Message string `json:"message"`
}

type BuildStatus string

const (
	BuildStatusSuccess BuildStatus = "success"
	BuildStatusPartial BuildStatus = "partial"
	BuildStatusFail    BuildStatus = "fail"
)

// BuildEvent is published once per finished build.
type BuildEvent struct {
	PassID    string        `json:"passId"`
	Branch    string        `json:"branch"`
	Sha       string        `json:"sha"`
	Success   bool          `json:"success"`
	Reinstall bool          `json:"reinstall"`
	Duration  time.Duration `json:"duration"`
	Timestamp int64         `json:"timestamp"`
}

// BuildIssue is the payload sent to the issue reporting endpoints.
type BuildIssue struct {
	InstanceID      string `json:"instanceID"`
	IssueType       string `json:"issueType"`
	Branch          string `json:"branch"`
	Sha             string `json:"sha"`
	TimeOfReporting string `json:"timeOfReporting"`
	Extra           string `json:"extra"`
}
