package p2p

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type HTTPOption struct {
	ConnTimeout  time.Duration
	ReadTimeOut  time.Duration
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	RetryMax     int
}

// LogWrapper adapts zap to retryablehttp.LeveledLogger.
type LogWrapper struct {
	logger *zap.Logger
}

func (l *LogWrapper) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, keysAndValues...)
}

func (l *LogWrapper) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}

func (l *LogWrapper) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l *LogWrapper) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Warnw(msg, keysAndValues...)
}

func defaultHTTPOption() *HTTPOption {
	return &HTTPOption{
		ConnTimeout:  10 * time.Second,
		ReadTimeOut:  30 * time.Second,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		RetryMax:     2,
	}
}

func defaultHttpClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{}
	c.Backoff = retryablehttp.LinearJitterBackoff // use jitter
	c.ErrorHandler = nil                          // not used
	c.Logger = nil                                // disable default logger
	c.CheckRetry = checkRetry
	setHttpClientOption(c, defaultHTTPOption())
	return c
}

func checkRetry(ctx context.Context, res *http.Response, err error) (bool, error) {
	doRetry, err := retryablehttp.ErrorPropagatedRetryPolicy(ctx, res, err)
	if doRetry && res != nil {
		// a peer that answered is not retried, its answer is final
		return false, nil
	}
	return doRetry, err
}

func setHttpClientOption(c *retryablehttp.Client, o *HTTPOption) {
	if o.ConnTimeout > 0 {
		c.HTTPClient.Transport = transportWithTimeout(o.ConnTimeout)
	}
	if o.ReadTimeOut > 0 {
		c.HTTPClient.Timeout = o.ReadTimeOut
	}
	if o.RetryWaitMin > 0 {
		c.RetryWaitMin = o.RetryWaitMin
	}
	if o.RetryWaitMax > 0 {
		c.RetryWaitMax = o.RetryWaitMax
	}
	c.RetryMax = o.RetryMax
}

func transportWithTimeout(d time.Duration) *http.Transport {
	dtp, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil
	}
	tp := dtp.Clone()
	dial := &net.Dialer{Timeout: d, KeepAlive: 30 * time.Second}
	tp.DialContext = (dial).DialContext
	return tp
}
