// Package backoff computes the reconnect/retry delay shared by
// MCPService's reconnect loop and ProxyServer's per-call retry. The
// exponential strategy is driven by k8s.io/apimachinery/pkg/util/wait's
// Backoff.Step, the same primitive the teacher's
// broker.ConfigureBackOff/retryDiscovery drives via
// wait.ExponentialBackoffWithContext for upstream tool-discovery retry.
package backoff

import (
	"math/rand"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xzcli/gateway/internal/gwtypes"
)

// JitterFunc returns a random duration in [0, max).
type JitterFunc func(max time.Duration) time.Duration

// DefaultJitter is the JitterFunc used when none is supplied.
func DefaultJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Delay computes the backoff delay before the given zero-indexed retry
// attempt (0 is the delay before the first retry, i.e. after the
// initial attempt already failed once). jitter may be nil to use
// DefaultJitter.
func Delay(policy gwtypes.ReconnectPolicy, attempt int, jitter JitterFunc) time.Duration {
	if jitter == nil {
		jitter = DefaultJitter
	}
	if attempt < 0 {
		attempt = 0
	}

	var base time.Duration
	switch policy.Strategy {
	case gwtypes.StrategyFixed:
		base = policy.Initial
	case gwtypes.StrategyLinear:
		mult := policy.Multiplier
		if mult == 0 {
			mult = 1
		}
		base = policy.Initial + time.Duration(float64(policy.Initial)*mult*float64(attempt))
	case gwtypes.StrategyExponential:
		base = StepDelay(K8sBackoff(policy), attempt)
	default:
		base = policy.Initial
	}

	if policy.MaxDelay > 0 && base > policy.MaxDelay {
		base = policy.MaxDelay
	}
	if base < 0 {
		base = 0
	}
	if policy.JitterAmount > 0 {
		base += jitter(policy.JitterAmount)
	}
	return base
}

// K8sBackoff converts a ReconnectPolicy into the wait.Backoff shape used
// by wait.ExponentialBackoffWithContext, for callers that want
// apimachinery to drive the exponential strategy directly (as the
// teacher's broker.retryDiscovery does for upstream tool discovery).
func K8sBackoff(policy gwtypes.ReconnectPolicy) wait.Backoff {
	steps := policy.MaxAttempts
	if steps <= 0 {
		steps = 1
	}
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 2
	}
	return wait.Backoff{
		Duration: policy.Initial,
		Factor:   mult,
		Steps:    steps,
		Cap:      policy.MaxDelay,
	}
}

// K8sRetryBackoff converts a RetryPolicy into the wait.Backoff shape,
// mirroring K8sBackoff for ProxyServer's per-call retry delay.
func K8sRetryBackoff(cfg gwtypes.RetryPolicy) wait.Backoff {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2
	}
	return wait.Backoff{
		Duration: cfg.InitialDelay,
		Factor:   mult,
		Cap:      cfg.MaxDelay,
	}
}

// StepDelay steps b forward attempt+1 times from its initial state and
// returns the delay for that zero-indexed attempt. b.Steps is reset so
// callers don't need to size it themselves; apimachinery's own
// Duration/Factor/Cap progression (wait.Backoff.Step) drives the
// growth and capping, matching the teacher's use of the same primitive.
func StepDelay(b wait.Backoff, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b.Steps = attempt + 1
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.Step()
	}
	return d
}
