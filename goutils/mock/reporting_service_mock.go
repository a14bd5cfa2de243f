package mock

import "ci-dashboard/goutils/reporting"

type ReportingServiceMock struct {
	ReportMock func(issueType reporting.IssueType, branch string, sha string, extra map[string]interface{})
}

func (m ReportingServiceMock) Report(issueType reporting.IssueType, branch string, sha string, extra map[string]interface{}) {
	m.ReportMock(issueType, branch, sha, extra)
}
