package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type contextKey string

func (c contextKey) String() string {
	return "clientsContextKey" + string(c)
}

var RetriesKey = contextKey("ShieldAPIRetries")

type Retries struct {
	count          int
	lastStatusCode int
}

// MonitorRequest runs the request through a retryable client and records
// duration, retry count and failures against the given client metrics. The
// client's CheckRetry must be HttpRetryHook for the retry counter to track.
func MonitorRequest(clientMetrics ClientMetrics, client *http.Client, r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	ctx = context.WithValue(ctx, RetriesKey, &Retries{-1, 0})
	req := r.WithContext(ctx)

	start := time.Now()
	res, err := client.Do(req)
	duration := time.Since(start)

	retries := ctx.Value(RetriesKey).(*Retries)
	if retries.lastStatusCode >= 400 {
		clientMetrics.FailureCount.WithLabelValues(req.URL.Host, fmt.Sprint(retries.lastStatusCode)).Inc()
		return res, err
	}

	clientMetrics.RequestDuration.WithLabelValues(req.URL.Host).Observe(duration.Seconds())
	clientMetrics.RetryCount.WithLabelValues(req.URL.Host).Set(float64(retries.count))

	return res, err
}

func HttpRetryHook(ctx context.Context, res *http.Response, err error) (bool, error) {
	retries, ok := ctx.Value(RetriesKey).(*Retries)
	if ok {
		if res == nil {
			retries.lastStatusCode = 999
		} else {
			retries.lastStatusCode = res.StatusCode
		}
		retries.count++
	}
	return retryablehttp.DefaultRetryPolicy(ctx, res, err)
}
