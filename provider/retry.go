package provider

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/archon-kb/archon/common"
)

// withRetry runs op under the gateway retry policy: exponential backoff
// starting at 1s, doubling, at most 3 attempts. Only rate limits, transient
// server errors, and timeouts are retried; validation and auth failures
// surface immediately.
func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.MaxInterval = 4 * time.Second
	policy.RandomizationFactor = 0

	retrying := backoff.WithMaxRetries(backoff.WithContext(policy, ctx), 2)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, retrying)
}

// retryable classifies provider call failures.
func retryable(err error) bool {
	switch common.KindOf(err) {
	case common.KindRateLimited, common.KindProviderUnavailable, common.KindProviderTimeout:
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// classifyHTTP maps a provider HTTP status to the shared taxonomy.
func classifyHTTP(status int, provider string) error {
	switch {
	case status == 429:
		return common.E(common.KindRateLimited, "provider %s rate limited", provider)
	case status >= 500:
		return common.E(common.KindProviderUnavailable, "provider %s returned %d", provider, status)
	case status == 401 || status == 403:
		return common.E(common.KindUnauthenticated, "provider %s rejected credentials", provider)
	default:
		return common.E(common.KindValidation, "provider %s returned %d", provider, status)
	}
}
