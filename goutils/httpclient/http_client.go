package httpclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/dnscache"
	log "github.com/sirupsen/logrus"

	"ci-dashboard/goutils/settings"
)

var dnsResolver *dnscache.Resolver

func init() {
	dnsResolver = &dnscache.Resolver{}

	go func() {
		clearUnused := true
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(clearUnused)
		}
	}()
}

// GetDefaultHTTPClient returns a retryablehttp.Client with default values
// use this method for default http client needs for specific settings create custom method.
// ConnectionTimeout bounds dialing, the TLS handshake and the wait for response headers,
// never the body transfer, so large archive downloads are not cut off.
func GetDefaultHTTPClient(settingsObj *settings.SettingsObj) *retryablehttp.Client {
	config := settingsObj.HttpClient
	connectTimeout := time.Duration(config.ConnectionTimeout) * time.Second

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network string, addr string) (conn net.Conn, err error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}

			ips, err := dnsResolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}

			for _, ip := range ips {
				dialer := net.Dialer{Timeout: connectTimeout}
				conn, err = dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					break
				}
			}

			return
		},
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          config.MaxIdleConns,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       time.Duration(config.IdleConnTimeout) * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
	}

	rawHTTPClient := &http.Client{
		Transport: transport,
	}

	retryableHTTPClient := retryablehttp.NewClient()
	retryableHTTPClient.RetryMax = config.RetryMax
	retryableHTTPClient.HTTPClient = rawHTTPClient
	retryableHTTPClient.Logger = nil
	retryableHTTPClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.WithField("url", req.URL.String()).WithField("attempt", attempt).Debug("retrying http request")
		}
	}

	return retryableHTTPClient
}
