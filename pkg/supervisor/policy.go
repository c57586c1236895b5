package supervisor

import (
	"time"

	"github.com/castaneai/castrelay/pkg/transport"
)

type RetryPolicy struct {
	// MinSessionAge is how long a session must have lived before a
	// failure is retried. Younger sessions fail for good.
	MinSessionAge       time.Duration
	TransientCloseCodes map[int]bool
}

var DefaultRetryPolicy = RetryPolicy{
	MinSessionAge: 60 * time.Second,
	TransientCloseCodes: map[int]bool{
		transport.CloseAbnormal:      true,
		transport.CloseInternalError: true,
	},
}

// ShouldRetry reports whether a session of the given strategy that ended
// with term after living for age should be restarted. Any peer failure is
// transient; socket failures only for the transient close codes.
func ShouldRetry(policy RetryPolicy, strategy transport.Strategy, term transport.Termination, age time.Duration) bool {
	if age < policy.MinSessionAge {
		return false
	}
	switch strategy {
	case transport.StrategyPeer:
		return true
	case transport.StrategySocket:
		return policy.TransientCloseCodes[term.Code]
	}
	return false
}
