// Package platform defines the boundary to the messaging platform. The
// orchestration core only ever sees this interface and the classified
// failures it returns; transport, authentication, and proxy mechanics all
// live behind it.
package platform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mojtabashariatzade/adder-repo/internal/models"
)

// Client performs the actual add-member calls against the platform.
// Implementations must return *models.Failure for classifiable errors so the
// fallback coordinator can dispatch on the kind; any other error is treated
// as transient.
type Client interface {
	AddMember(ctx context.Context, group, member, accountPhone string) error
}

// Simulator is a stand-in client for local development and load testing.
// Member identifiers can carry fault markers:
//
//	fail:transient        generic network failure
//	fail:flood:<seconds>  rate limit with an explicit wait
//	fail:banned           account-invalid failure
//
// Everything else succeeds after Latency.
type Simulator struct {
	Latency time.Duration
}

func (s *Simulator) AddMember(ctx context.Context, group, member, accountPhone string) error {
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Latency):
		}
	}

	switch {
	case member == "fail:transient":
		return models.NewFailure(models.FailureTransient, "simulated network failure")
	case member == "fail:banned":
		return models.NewFailure(models.FailureAccountInvalid, fmt.Sprintf("account %s banned", accountPhone))
	case strings.HasPrefix(member, "fail:flood:"):
		secs, err := strconv.Atoi(strings.TrimPrefix(member, "fail:flood:"))
		if err != nil {
			secs = 30
		}
		return models.NewRateLimited("simulated flood wait", time.Duration(secs)*time.Second)
	}
	return nil
}
