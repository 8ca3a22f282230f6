package ciba

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// AuthenticationDeviceNotifier reaches the user's authentication device.
type AuthenticationDeviceNotifier interface {
	Notify(ctx context.Context, grant *oauth.CibaGrant, user *oauth.User) error
}

// LogNotifier only logs; the authentication device polls the device
// endpoints instead.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, grant *oauth.CibaGrant, user *oauth.User) error {
	slog.Info("backchannel authentication requested",
		"tenant", grant.Tenant,
		"client_id", grant.ClientID,
		"sub", user.Subject,
		"binding_message", grant.BindingMessage,
		"expires_at", grant.ExpiresAt,
	)
	return nil
}

// BackchannelResponse is the body of a successful backchannel
// authentication response.
type BackchannelResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int    `json:"expires_in"`
	Interval  int    `json:"interval,omitempty"`
}

type Service struct {
	grants   oauth.CibaGrantRepository
	users    oauth.UserRepository
	notifier AuthenticationDeviceNotifier
	keys     KeyResolver
	now      func() time.Time
}

type ServiceConfig struct {
	Grants   oauth.CibaGrantRepository
	Users    oauth.UserRepository
	Notifier AuthenticationDeviceNotifier
	Keys     KeyResolver
	Now      func() time.Time
}

func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		grants:   cfg.Grants,
		users:    cfg.Users,
		notifier: cfg.Notifier,
		keys:     cfg.Keys,
		now:      cfg.Now,
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Request creates a pending grant for an authenticated client.
func (s *Service) Request(ctx context.Context, creds *oauth.ClientCredentials, server *oauth.ServerConfiguration, client *oauth.ClientConfiguration, form url.Values) (*BackchannelResponse, error) {
	if creds == nil || creds.ClientID == "" {
		return nil, oauth.ErrInvalidRequest("client_id is missing")
	}
	if !server.SupportsGrantType(oauth.GrantTypeCiba) || !client.IsAllowedGrantType(oauth.GrantTypeCiba) {
		return nil, oauth.ErrUnauthorizedClient("client is not allowed to use backchannel authentication")
	}

	now := s.now()
	req, err := ParseRequest(ctx, form, server, client, s.keys, now)
	if err != nil {
		return nil, err
	}

	user, err := s.resolveUser(ctx, creds.Tenant, server, req)
	if err != nil {
		return nil, err
	}

	expiry := req.RequestedExpiry
	if expiry == 0 {
		expiry = server.BackchannelAuthRequestExpiresIn
	}
	grant := &oauth.CibaGrant{
		ID:                   oauth.NewID(),
		Tenant:               creds.Tenant,
		AuthReqID:            oauth.RandomToken(32),
		ClientID:             creds.ClientID,
		Subject:              user.Subject,
		Scopes:               req.Scopes,
		AuthorizationDetails: req.AuthorizationDetails,
		BindingMessage:       req.BindingMessage,
		ACRValues:            req.ACRValues,
		Status:               oauth.CibaStatusPending,
		Interval:             int(server.BackchannelPollingInterval.Seconds()),
		CreatedAt:            now,
		ExpiresAt:            now.Add(expiry),
	}
	if err := s.grants.Register(ctx, grant); err != nil {
		return nil, oauth.ErrServerError(fmt.Errorf("register ciba grant: %w", err))
	}
	if err := s.notifier.Notify(ctx, grant, user); err != nil {
		slog.Error("unable to notify authentication device", "error", err, "auth_req_id_prefix", grant.AuthReqID[:8])
	}

	return &BackchannelResponse{
		AuthReqID: grant.AuthReqID,
		ExpiresIn: int(expiry.Seconds()),
		Interval:  grant.Interval,
	}, nil
}

func (s *Service) resolveUser(ctx context.Context, tenant string, server *oauth.ServerConfiguration, req *BackchannelRequest) (*oauth.User, error) {
	var user *oauth.User
	var err error
	switch {
	case req.LoginHint != "":
		user, err = s.users.FindByLoginHint(ctx, tenant, req.LoginHint)
	case req.IDTokenHint != "":
		subject, hintErr := subjectFromIDTokenHint(req.IDTokenHint, server)
		if hintErr != nil {
			return nil, hintErr
		}
		user, err = s.users.FindBySubject(ctx, tenant, subject)
	}
	if errors.Is(err, oauth.ErrNotFound) || (err == nil && user == nil) {
		return nil, oauth.ErrUnknownUserID("the user could not be identified")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	return user, nil
}

// Authorize records the user's consent. authReqID and authentication
// are both required.
func (s *Service) Authorize(ctx context.Context, tenant, authReqID string, authentication *oauth.Authentication) error {
	if authReqID == "" || authentication == nil {
		return oauth.ErrInvalidRequest("auth_req_id and authentication are required")
	}
	grant, err := s.find(ctx, tenant, authReqID)
	if err != nil {
		return err
	}

	result := &oauth.AuthorizationGrant{
		Subject:              grant.Subject,
		ClientID:             grant.ClientID,
		Scopes:               grant.Scopes,
		Authentication:       authentication,
		AuthorizationDetails: grant.AuthorizationDetails,
	}
	if user, err := s.users.FindBySubject(ctx, tenant, grant.Subject); err == nil {
		result.Claims = user.Claims
	}

	next, err := Transition(grant, EventAuthorize, s.now(), result)
	if err != nil {
		return transitionError(err)
	}
	return s.update(ctx, next, oauth.CibaStatusPending)
}

func (s *Service) Deny(ctx context.Context, tenant, authReqID string) error {
	grant, err := s.find(ctx, tenant, authReqID)
	if err != nil {
		return err
	}
	next, err := Transition(grant, EventDeny, s.now(), nil)
	if err != nil {
		return transitionError(err)
	}
	return s.update(ctx, next, oauth.CibaStatusPending)
}

// Poll answers a token request. On success the grant is marked consumed in
// the same compare-and-swap, so concurrent polls cannot both succeed.
func (s *Service) Poll(ctx context.Context, tenant, clientID, authReqID string) (*oauth.AuthorizationGrant, error) {
	grant, err := s.grants.Find(ctx, tenant, authReqID)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrInvalidGrant("auth_req_id is unknown")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	if grant.ClientID != clientID {
		return nil, oauth.ErrInvalidGrant("auth_req_id was not issued to this client")
	}

	now := s.now()
	if err := PollResult(grant, now); err != nil {
		return nil, err
	}

	consumed, err := Transition(grant, EventConsume, now, nil)
	if err != nil {
		return nil, oauth.ErrInvalidGrant("auth_req_id cannot be used")
	}
	if err := s.grants.Update(ctx, consumed, oauth.CibaStatusAuthorized); errors.Is(err, oauth.ErrConflict) || errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrInvalidGrant("auth_req_id has already been used")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	return consumed.Grant, nil
}

// Complete removes a consumed grant after its token has been issued.
func (s *Service) Complete(ctx context.Context, tenant, authReqID string) {
	if err := s.grants.Delete(ctx, tenant, authReqID); err != nil && !errors.Is(err, oauth.ErrNotFound) {
		slog.Error("unable to delete consumed ciba grant", "tenant", tenant, "error", err)
	}
}

// Release hands a consumed grant back to the client when no token could be
// issued for it, so that the next poll can redeem it.
func (s *Service) Release(ctx context.Context, tenant, authReqID string) {
	grant, err := s.grants.Find(ctx, tenant, authReqID)
	if errors.Is(err, oauth.ErrNotFound) {
		return
	} else if err != nil {
		slog.Error("unable to release ciba grant", "tenant", tenant, "error", err)
		return
	}
	released, err := Transition(grant, EventRelease, s.now(), nil)
	if err != nil {
		slog.Warn("ciba grant not released", "tenant", tenant, "status", grant.Status, "error", err)
		return
	}
	if err := s.grants.Update(ctx, released, oauth.CibaStatusConsumed); err != nil {
		slog.Error("unable to release ciba grant", "tenant", tenant, "error", err)
		return
	}
	slog.Info("ciba grant released", "tenant", tenant, "client_id", grant.ClientID)
}

// Lookup returns the grant so that the authentication device can show it
// to the user before consenting.
func (s *Service) Lookup(ctx context.Context, tenant, authReqID string) (*oauth.CibaGrant, error) {
	return s.find(ctx, tenant, authReqID)
}

func (s *Service) find(ctx context.Context, tenant, authReqID string) (*oauth.CibaGrant, error) {
	grant, err := s.grants.Find(ctx, tenant, authReqID)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrInvalidRequest("auth_req_id is unknown")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	return grant, nil
}

func (s *Service) update(ctx context.Context, next *oauth.CibaGrant, expected oauth.CibaStatus) error {
	err := s.grants.Update(ctx, next, expected)
	if errors.Is(err, oauth.ErrConflict) {
		return oauth.ErrInvalidRequest("authentication request is no longer pending")
	} else if err != nil {
		return oauth.ErrServerError(err)
	}
	slog.Info("ciba grant updated", "tenant", next.Tenant, "client_id", next.ClientID, "status", next.Status)
	return nil
}

func transitionError(err error) error {
	if errors.Is(err, ErrExpired) {
		return oauth.ErrExpiredToken()
	}
	return oauth.ErrInvalidRequest("%s", err)
}
