package reporting

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"ci-dashboard/goutils/datamodel"
	"ci-dashboard/goutils/settings"
)

func testSettings() *settings.SettingsObj {
	return &settings.SettingsObj{
		InstanceId: "dashboard-1",
		HttpClient: &settings.HTTPClient{
			MaxIdleConns:        1,
			MaxConnsPerHost:     1,
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     60,
		},
		Reporting: &settings.Reporting{},
	}
}

func TestIssueReporter_ReportOnSlack(t *testing.T) {
	settingsObj := testSettings()
	reporter := InitIssueReporter(settingsObj)

	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/slack-webhook", r.URL.String())

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"message":"Success"}`))
	}))
	defer server.Close()

	// no webhook configured, nothing is sent
	reporter.ReportOnSlack([]byte(`{"text":"Sample issue"}`))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	settingsObj.Reporting.SlackWebhookURL = server.URL + "/slack-webhook"

	reporter.ReportOnSlack([]byte(`{"text":"Sample issue"}`))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIssueReporter_Report(t *testing.T) {
	settingsObj := testSettings()
	reporter := InitIssueReporter(settingsObj)

	received := make(chan *datamodel.BuildIssue, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		issue := new(datamodel.BuildIssue)
		assert.NoError(t, json.Unmarshal(body, issue))
		received <- issue

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	settingsObj.Reporting.IssueEndpoint = server.URL + "/issues"

	reporter.Report(BuildFailedIssue, "master", "abc123", map[string]interface{}{"stage": "build"})

	issue := <-received
	assert.Equal(t, "dashboard-1", issue.InstanceID)
	assert.Equal(t, string(BuildFailedIssue), issue.IssueType)
	assert.Equal(t, "master", issue.Branch)
	assert.Equal(t, "abc123", issue.Sha)
	assert.JSONEq(t, `{"stage":"build"}`, issue.Extra)
}
