// Package ciba implements OpenID Connect Client Initiated Backchannel
// Authentication in poll mode. Transition is pure; the Service persists
// every transition as a compare-and-swap on the grant status.
package ciba

import (
	"errors"
	"fmt"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

type Event string

const (
	EventAuthorize Event = "authorize"
	EventDeny      Event = "deny"
	EventConsume   Event = "consume"
	EventRelease   Event = "release"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrExpired           = errors.New("grant expired")
)

// Transition applies event to grant and returns the new grant. The input
// is not modified. result is required for EventAuthorize.
func Transition(grant *oauth.CibaGrant, event Event, now time.Time, result *oauth.AuthorizationGrant) (*oauth.CibaGrant, error) {
	if grant.Expired(now) {
		return nil, ErrExpired
	}
	next := *grant
	switch event {
	case EventAuthorize:
		if grant.Status != oauth.CibaStatusPending {
			return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, grant.Status)
		}
		if result == nil || result.Authentication == nil {
			return nil, fmt.Errorf("%w: authorization without authentication", ErrInvalidTransition)
		}
		next.Status = oauth.CibaStatusAuthorized
		next.Grant = result
	case EventDeny:
		if grant.Status != oauth.CibaStatusPending {
			return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, grant.Status)
		}
		next.Status = oauth.CibaStatusDenied
	case EventConsume:
		if grant.Status != oauth.CibaStatusAuthorized {
			return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, grant.Status)
		}
		next.Status = oauth.CibaStatusConsumed
	case EventRelease:
		if grant.Status != oauth.CibaStatusConsumed {
			return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, grant.Status)
		}
		next.Status = oauth.CibaStatusAuthorized
	default:
		return nil, fmt.Errorf("%w: unknown event %s", ErrInvalidTransition, event)
	}
	return &next, nil
}

// PollResult maps the stored grant to the token endpoint answer. nil means
// the grant may be consumed. Expiry wins over every stored status.
func PollResult(grant *oauth.CibaGrant, now time.Time) error {
	if grant.Expired(now) {
		return oauth.ErrExpiredToken()
	}
	switch grant.Status {
	case oauth.CibaStatusPending:
		return oauth.ErrAuthorizationPending()
	case oauth.CibaStatusDenied:
		return oauth.ErrAccessDenied("the end-user denied the authorization request")
	case oauth.CibaStatusAuthorized:
		return nil
	default:
		return oauth.ErrInvalidGrant("auth_req_id has already been used")
	}
}
