package httpclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-dashboard/goutils/settings"
)

func testSettings(connectionTimeout int) *settings.SettingsObj {
	return &settings.SettingsObj{
		HttpClient: &settings.HTTPClient{
			MaxIdleConns:        1,
			MaxConnsPerHost:     1,
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     60,
			ConnectionTimeout:   connectionTimeout,
			RetryMax:            0,
		},
	}
}

func TestGetDefaultHTTPClient_SlowBodyIsNotCutOff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("PK"))
		w.(http.Flusher).Flush()

		time.Sleep(1500 * time.Millisecond)

		_, _ = w.Write([]byte("-archive"))
	}))
	defer server.Close()

	client := GetDefaultHTTPClient(testSettings(1))
	assert.Zero(t, client.HTTPClient.Timeout)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "PK-archive", string(body))
}

func TestGetDefaultHTTPClient_SlowHeadersTimeOut(t *testing.T) {
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	client := GetDefaultHTTPClient(testSettings(1))

	start := time.Now()
	_, err := client.Get(server.URL)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}
