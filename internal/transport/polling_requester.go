package transport

import (
	"bytes"
	"encoding/base64"
	"io/ioutil"
	"net/http"
	"sync"

	"github.com/launchdarkly/go-client-sdk/interfaces"

	"github.com/gregjones/httpcache"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
	"gopkg.in/launchdarkly/go-sdk-common.v2/lduser"
)

const (
	pollingGetPath    = "/msdk/evalx/users"
	pollingReportPath = "/msdk/evalx/user"
)

// RequesterConfig holds the parameters for the default polling transport.
type RequesterConfig struct {
	BaseURI    string
	MobileKey  string
	User       lduser.User
	HTTPClient *http.Client
	Loggers    ldlog.Loggers
}

// PollingRequester fetches evaluated flag snapshots from the polling endpoint. An
// ETag-aware response cache sits in front of the underlying transport, so an unchanged
// snapshot is revalidated with a 304 instead of re-downloaded; the caller still sees a
// 200 with the cached body.
type PollingRequester struct {
	config  RequesterConfig
	loggers ldlog.Loggers

	lock       sync.Mutex
	httpClient *http.Client
}

// NewPollingRequester creates a PollingRequester.
func NewPollingRequester(config RequesterConfig) *PollingRequester {
	loggers := config.Loggers
	loggers.SetPrefix("PollingRequester:")
	r := &PollingRequester{config: config, loggers: loggers}
	r.httpClient = r.makeCachingClient()
	return r
}

// GetFlags implements interfaces.FlagRequester.
func (r *PollingRequester) GetFlags(useReportMethod bool) interfaces.FlagRequestResult {
	req, err := r.makeRequest(useReportMethod)
	if err != nil {
		return interfaces.FlagRequestResult{Err: err}
	}
	r.lock.Lock()
	client := r.httpClient
	r.lock.Unlock()
	resp, err := client.Do(req)
	if err != nil {
		return interfaces.FlagRequestResult{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return interfaces.FlagRequestResult{Err: err}
	}
	if r.loggers.IsDebugEnabled() && resp.Header.Get(httpcache.XFromCache) != "" {
		r.loggers.Debug("flag response was served from the ETag cache")
	}
	return interfaces.FlagRequestResult{StatusCode: resp.StatusCode, Body: body}
}

// ClearCache implements interfaces.FlagRequester. It discards all cached responses so
// the next request cannot be satisfied with a previous user's flags.
func (r *PollingRequester) ClearCache() {
	r.lock.Lock()
	r.httpClient = r.makeCachingClient()
	r.lock.Unlock()
}

func (r *PollingRequester) makeRequest(useReportMethod bool) (*http.Request, error) {
	userData, err := r.config.User.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var req *http.Request
	if useReportMethod {
		endpoint, err := joinPath(r.config.BaseURI, pollingReportPath)
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequest("REPORT", endpoint, bytes.NewReader(userData))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		endpoint, err := joinPath(r.config.BaseURI, pollingGetPath+"/"+base64.URLEncoding.EncodeToString(userData))
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequest("GET", endpoint, nil)
		if err != nil {
			return nil, err
		}
	}
	req.Header.Set("Authorization", authorizationHeaderValue(r.config.MobileKey))
	req.Header.Set("User-Agent", userAgentHeaderValue)
	return req, nil
}

func (r *PollingRequester) makeCachingClient() *http.Client {
	var baseTransport http.RoundTripper = http.DefaultTransport
	if r.config.HTTPClient != nil && r.config.HTTPClient.Transport != nil {
		baseTransport = r.config.HTTPClient.Transport
	}
	cachingTransport := &httpcache.Transport{
		Cache:               httpcache.NewMemoryCache(),
		MarkCachedResponses: true,
		Transport:           baseTransport,
	}
	client := cachingTransport.Client()
	if r.config.HTTPClient != nil {
		client.Timeout = r.config.HTTPClient.Timeout
	}
	return client
}
