package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"ci-dashboard/goutils/datamodel"
	"ci-dashboard/goutils/httpclient"
	"ci-dashboard/goutils/settings"
)

type IssueType string

const (
	BuildFailedIssue      IssueType = "BUILD_FAILED"        // install or task runner exited non-zero
	ArchiveFetchIssue     IssueType = "ARCHIVE_FETCH"       // commit archive could not be downloaded
	ReconciliationFailure IssueType = "RECONCILIATION_FAIL" // pass hit an unrecoverable error
)

type Service interface {
	Report(issueType IssueType, branch string, sha string, extra map[string]interface{})
}

type IssueReporter struct {
	httpClient       *retryablehttp.Client
	slackRateLimiter *rate.Limiter
	settingsObj      *settings.SettingsObj
}

func InitIssueReporter(settingsObj *settings.SettingsObj) *IssueReporter {
	client := &IssueReporter{
		httpClient:       httpclient.GetDefaultHTTPClient(settingsObj),
		slackRateLimiter: rate.NewLimiter(1, 1),
		settingsObj:      settingsObj,
	}

	return client
}

func (i *IssueReporter) Report(issueType IssueType, branch string, sha string, extra map[string]interface{}) {
	extraData, err := json.Marshal(extra)
	if err != nil {
		log.WithError(err).Error("failed to marshal extra data")
	}

	issue := &datamodel.BuildIssue{
		InstanceID:      i.settingsObj.InstanceId,
		IssueType:       string(issueType),
		Branch:          branch,
		Sha:             sha,
		TimeOfReporting: strconv.FormatInt(time.Now().Unix(), 10),
		Extra:           string(extraData),
	}

	log.WithField("issue", issue).Debug("reporting issue")

	issueBytes, err := json.Marshal(issue)
	if err != nil {
		log.WithError(err).Error("failed to json marshal issue")

		return
	}

	wg := sync.WaitGroup{}
	wg.Add(2)

	go func() {
		defer wg.Done()
		i.ReportOnSlack(issueBytes)
	}()

	go func() {
		defer wg.Done()
		i.ReportToIssueEndpoint(issueBytes)
	}()

	wg.Wait()
}

func (i *IssueReporter) ReportOnSlack(issue []byte) {
	if i.settingsObj.Reporting.SlackWebhookURL == "" {
		return
	}

	err := i.slackRateLimiter.Wait(context.Background())
	if err != nil {
		log.WithError(err).Error("failed to wait for slack rate limiter")

		return
	}

	i.post(i.settingsObj.Reporting.SlackWebhookURL, issue, "slack webhook")
}

func (i *IssueReporter) ReportToIssueEndpoint(issue []byte) {
	if i.settingsObj.Reporting.IssueEndpoint == "" {
		return
	}

	i.post(i.settingsObj.Reporting.IssueEndpoint, issue, "issue endpoint")
}

func (i *IssueReporter) post(url string, issue []byte, target string) {
	req, err := retryablehttp.NewRequest(http.MethodPost, url, bytes.NewBuffer(issue))
	if err != nil {
		log.WithError(err).Errorf("failed to create request to %s", target)

		return
	}

	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("accept", "application/json")

	log.Debugf("sending issue to %s", target)

	res, err := i.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Errorf("failed to send request to %s", target)

		return
	}

	defer res.Body.Close()

	resp, err := io.ReadAll(res.Body)
	if err != nil {
		log.WithError(err).Errorf("failed to read response body from %s", target)
	}

	if res.StatusCode == http.StatusOK {
		log.WithField("resp", string(resp)).Debugf("status ok response from %s", target)

		return
	}

	log.WithField("resp", string(resp)).Infof("response from %s", target)
}
