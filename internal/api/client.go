// Package api talks to GitHub over REST and GraphQL.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/github-review-mirror/internal/errs"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// graphQLRateLimitBackoff is used when a GraphQL rate limit error does not
// say when the quota resets.
const graphQLRateLimitBackoff = time.Minute

// NewHTTPClient returns an HTTP client authenticating with token. Without a
// token requests are anonymous.
func NewHTTPClient(token string) *http.Client {
	if token == "" {
		return http.DefaultClient
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return oauth2.NewClient(context.Background(), ts)
}

// NewLimiter returns a limiter allowing rps requests per second. A
// non-positive rps disables limiting.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// classifyREST maps a go-github error onto the error taxonomy. Client errors
// other than auth failures are returned as plain errors.
func classifyREST(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &errs.RateLimitError{Op: op, ResetTime: rateErr.Rate.Reset.Time, Err: err}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		reset := time.Now().Add(graphQLRateLimitBackoff)
		if abuseErr.RetryAfter != nil {
			reset = time.Now().Add(*abuseErr.RetryAfter)
		}
		return &errs.RateLimitError{Op: op, ResetTime: reset, Err: err}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		if code != http.StatusUnauthorized && code != http.StatusForbidden && code < 500 {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	return &errs.RemoteUnavailableError{Op: op, Err: err}
}

// classifyGraphQL maps a githubv4 error onto the error taxonomy. The GraphQL
// client only exposes error text, so classification goes by message.
func classifyGraphQL(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return &errs.RateLimitError{Op: op, ResetTime: time.Now().Add(graphQLRateLimitBackoff), Err: err}
	case strings.Contains(msg, "could not resolve to"):
		return fmt.Errorf("%s: %w", op, err)
	}
	return &errs.RemoteUnavailableError{Op: op, Err: err}
}
