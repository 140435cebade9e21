package kis

import (
	"errors"
	"fmt"
)

// Broker gateway message codes the retry policy dispatches on.
const (
	msgCdTokenExpired = "EGW00123"
	msgCdRateLimited  = "EGW00201"
)

// APIError is a failure reported by the broker: either a non-2xx status or
// a 200 whose envelope carries rt_cd != "0".
type APIError struct {
	Status int
	RtCd   string
	MsgCd  string
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kis api error: %s %s (rt_cd=%s status=%d)", e.MsgCd, e.Msg, e.RtCd, e.Status)
}

// TokenExpired reports the broker rejected the access token.
func (e *APIError) TokenExpired() bool { return e.MsgCd == msgCdTokenExpired }

// RateLimited reports the broker throttled the request.
func (e *APIError) RateLimited() bool { return e.MsgCd == msgCdRateLimited }

type errClass int

const (
	classRetryable errClass = iota
	classTokenExpired
	classRateLimited
	classPermanent
)

// classify maps an error onto the retry policy. Network-level failures
// (connect, timeout, torn body) are retryable; broker errors dispatch on
// their message code, then on status: 5xx retryable, the rest permanent.
// Caller cancellation is handled by the retry loop, not here: a request
// timeout also surfaces as a deadline error and must stay retryable.
func classify(err error) errClass {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return classRetryable
	}
	switch {
	case apiErr.TokenExpired():
		return classTokenExpired
	case apiErr.RateLimited():
		return classRateLimited
	case apiErr.Status >= 500:
		return classRetryable
	default:
		return classPermanent
	}
}
