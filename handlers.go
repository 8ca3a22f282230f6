package authzserver

import (
	"errors"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/clientauth"
	"github.com/gematik/zero-lab/go/authzserver/dpop"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/gematik/zero-lab/go/authzserver/token"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// MountRoutes registers all endpoints below /:tenant.
func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(
		middleware.Logger(),
		ErrorHandlerMiddleware,
	)

	t := group.Group("/:tenant")
	t.GET("/.well-known/oauth-authorization-server", s.MetadataEndpoint)
	t.GET("/.well-known/openid-configuration", s.MetadataEndpoint)
	t.GET("/jwks", s.JWKS)
	t.GET("/nonce", s.NonceEndpoint)
	t.HEAD("/nonce", s.NonceEndpoint)
	t.GET("/authorize", s.AuthorizationEndpoint)
	t.POST("/authorize", s.AuthorizationEndpoint)
	t.POST("/par", s.PAREndpoint)
	t.GET("/interaction/:request_id", s.InteractionEndpoint)
	t.POST("/interaction/:request_id/accept", s.InteractionAcceptEndpoint)
	t.POST("/interaction/:request_id/deny", s.InteractionDenyEndpoint)
	t.POST("/token", s.TokenEndpoint)
	t.POST("/revoke", s.RevocationEndpoint)
	t.POST("/bc-authorize", s.BackchannelAuthenticationEndpoint)
	t.GET("/ciba/:auth_req_id", s.DeviceEndpoint)
	t.POST("/ciba/:auth_req_id/authorize", s.DeviceAuthorizeEndpoint)
	t.POST("/ciba/:auth_req_id/deny", s.DeviceDenyEndpoint)
}

// postForm returns the form body. Parameters in the query string are
// ignored.
func postForm(c echo.Context) (url.Values, error) {
	r := c.Request()
	mediaType, _, err := mime.ParseMediaType(r.Header.Get(echo.HeaderContentType))
	if err != nil || mediaType != echo.MIMEApplicationForm {
		return nil, oauth.ErrInvalidRequest("invalid content type")
	}
	if err := r.ParseForm(); err != nil {
		return nil, oauth.ErrInvalidRequest("unable to parse form: %v", err)
	}
	return r.PostForm, nil
}

func noStore(c echo.Context) {
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
}

// clientAuthRequest collects every client authentication artifact of the
// HTTP request. Basic credentials are form encoded (RFC 6749 2.3.1).
func (s *Server) clientAuthRequest(c echo.Context, form url.Values) (*clientauth.Request, error) {
	r := c.Request()
	req := &clientauth.Request{
		Tenant:              c.Param("tenant"),
		ClientID:            form.Get("client_id"),
		ClientSecret:        form.Get("client_secret"),
		ClientAssertion:     form.Get("client_assertion"),
		ClientAssertionType: form.Get("client_assertion_type"),
	}

	if id, secret, ok := r.BasicAuth(); ok {
		var err error
		if req.BasicClientID, err = url.QueryUnescape(id); err != nil {
			return nil, oauth.ErrInvalidClient("malformed basic authorization")
		}
		if req.BasicClientSecret, err = url.QueryUnescape(secret); err != nil {
			return nil, oauth.ErrInvalidClient("malformed basic authorization")
		}
		req.HasBasic = true
	}

	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		req.ClientCertificate = r.TLS.PeerCertificates[0].Raw
	} else if s.clientCertificateHeader != "" {
		if header := r.Header.Get(s.clientCertificateHeader); header != "" {
			certificate, err := url.QueryUnescape(header)
			if err != nil {
				return nil, oauth.ErrInvalidClient("malformed client certificate header")
			}
			req.ClientCertificate = []byte(certificate)
		}
	}
	return req, nil
}

// authenticateClient is used by every endpoint except token, where the
// orchestrator authenticates itself.
func (s *Server) authenticateClient(c echo.Context, form url.Values) (*oauth.ClientCredentials, *oauth.ServerConfiguration, *oauth.ClientConfiguration, error) {
	req, err := s.clientAuthRequest(c, form)
	if err != nil {
		return nil, nil, nil, err
	}
	return s.clientAuth.ResolveAndAuthenticate(c.Request().Context(), req)
}

func (s *Server) MetadataEndpoint(c echo.Context) error {
	server, err := s.server(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return err
	}
	algs := make([]string, 0, len(dpop.SupportedAlgorithms))
	for _, alg := range dpop.SupportedAlgorithms {
		algs = append(algs, alg.String())
	}
	return c.JSON(http.StatusOK, newMetadata(server, algs))
}

func (s *Server) JWKS(c echo.Context) error {
	set, ok := s.jwks[c.Param("tenant")]
	if !ok {
		return oauth.ErrServerConfigurationNotFound(c.Param("tenant"))
	}
	return c.JSON(http.StatusOK, set)
}

type NonceType struct {
	Nonce string `json:"nonce"`
}

func (s *Server) NonceEndpoint(c echo.Context) error {
	if _, err := s.server(c.Request().Context(), c.Param("tenant")); err != nil {
		return err
	}
	nonce, err := s.nonceService.Get(c.Request().Context())
	if err != nil {
		return oauth.ErrServerError(err)
	}
	noStore(c)
	if c.Request().Method == http.MethodHead {
		c.Response().Header().Set("Replay-Nonce", nonce)
		return c.NoContent(http.StatusOK)
	}
	return c.JSON(http.StatusOK, NonceType{Nonce: nonce})
}

// AuthorizationEndpoint validates the request and hands it over to the
// user interaction.
func (s *Server) AuthorizationEndpoint(c echo.Context) error {
	ctx := c.Request().Context()
	tenant := c.Param("tenant")
	server, err := s.server(ctx, tenant)
	if err != nil {
		return err
	}

	params := c.QueryParams()
	if c.Request().Method == http.MethodPost {
		if params, err = postForm(c); err != nil {
			return err
		}
	}

	request, err := s.pipeline.Process(ctx, tenant, params)
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, buildURI(server.Issuer, "interaction", request.ID))
}

func (s *Server) PAREndpoint(c echo.Context) error {
	form, err := postForm(c)
	if err != nil {
		return err
	}
	creds, _, _, err := s.authenticateClient(c, form)
	if err != nil {
		return err
	}

	params := url.Values{}
	for name, values := range form {
		switch name {
		case "client_secret", "client_assertion", "client_assertion_type":
			continue
		}
		params[name] = values
	}

	requestURI, expiresIn, err := s.pipeline.Push(c.Request().Context(), c.Param("tenant"), params, creds)
	if err != nil {
		return err
	}
	noStore(c)
	return c.JSON(http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  expiresIn,
	})
}

// InteractionView is what a login UI needs to render the consent screen.
type InteractionView struct {
	ID                   string                     `json:"id"`
	ClientID             string                     `json:"client_id"`
	Scope                string                     `json:"scope,omitempty"`
	AuthorizationDetails oauth.AuthorizationDetails `json:"authorization_details,omitempty"`
	LoginHint            string                     `json:"login_hint,omitempty"`
	ExpiresAt            time.Time                  `json:"expires_at"`
}

func (s *Server) InteractionEndpoint(c echo.Context) error {
	request, err := s.requests.Find(c.Request().Context(), c.Param("tenant"), c.Param("request_id"))
	if errors.Is(err, oauth.ErrNotFound) {
		return oauth.ErrInvalidRequest("unknown authorization request")
	} else if err != nil {
		return oauth.ErrServerError(err)
	}
	noStore(c)
	return c.JSON(http.StatusOK, &InteractionView{
		ID:                   request.ID,
		ClientID:             request.ClientID,
		Scope:                oauth.JoinScope(request.Scopes),
		AuthorizationDetails: request.AuthorizationDetails,
		LoginHint:            request.LoginHint,
		ExpiresAt:            request.ExpiresAt,
	})
}

// authenticateUser checks username and password posted by the login UI.
func (s *Server) authenticateUser(c echo.Context, form url.Values) (*oauth.User, *oauth.Authentication, error) {
	user, err := s.users.Authenticate(c.Request().Context(), c.Param("tenant"), form.Get("username"), form.Get("password"))
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, nil, oauth.ErrAccessDenied("invalid username or password")
	} else if err != nil {
		return nil, nil, oauth.ErrServerError(err)
	}
	return user, &oauth.Authentication{Time: time.Now(), AMR: []string{"pwd"}}, nil
}

func (s *Server) InteractionAcceptEndpoint(c echo.Context) error {
	form, err := postForm(c)
	if err != nil {
		return err
	}
	user, authentication, err := s.authenticateUser(c, form)
	if err != nil {
		return err
	}
	response, err := s.decider.Authorize(c.Request().Context(), c.Param("tenant"), c.Param("request_id"), user, authentication)
	if err != nil {
		return err
	}
	return deliver(c, response)
}

func (s *Server) InteractionDenyEndpoint(c echo.Context) error {
	form, err := postForm(c)
	if err != nil {
		return err
	}
	if _, _, err := s.authenticateUser(c, form); err != nil {
		return err
	}
	response, err := s.decider.Deny(c.Request().Context(), c.Param("tenant"), c.Param("request_id"))
	if err != nil {
		return err
	}
	return deliver(c, response)
}

func (s *Server) TokenEndpoint(c echo.Context) error {
	ctx := c.Request().Context()
	tenant := c.Param("tenant")
	server, err := s.server(ctx, tenant)
	if err != nil {
		return err
	}
	form, err := postForm(c)
	if err != nil {
		return err
	}
	auth, err := s.clientAuthRequest(c, form)
	if err != nil {
		return err
	}
	proof, err := dpop.FromRequest(c.Request())
	if err != nil {
		return oauth.ErrInvalidDPoPProof("%v", err)
	}

	t, err := s.orchestrator.Issue(ctx, &token.Request{
		Tenant:     tenant,
		Form:       form,
		Auth:       auth,
		DPoPProof:  proof,
		HTTPMethod: c.Request().Method,
		HTTPURI:    server.TokenEndpoint(),
	})
	if err != nil {
		var authzError *oauth.Error
		if errors.As(err, &authzError) && authzError.Code == oauth.CodeUseDPoPNonce {
			if nonce, nonceErr := s.nonceService.Get(ctx); nonceErr == nil {
				c.Response().Header().Set(dpop.DPoPNonceHeaderName, nonce)
			}
		}
		return err
	}

	noStore(c)
	return c.JSON(http.StatusOK, t.Response(time.Now()))
}

// RevocationEndpoint answers 200 for every authenticated, well formed
// request, whether or not the token was known (RFC 7009).
func (s *Server) RevocationEndpoint(c echo.Context) error {
	form, err := postForm(c)
	if err != nil {
		return err
	}
	creds, _, _, err := s.authenticateClient(c, form)
	if err != nil {
		return err
	}
	if err := s.revoker.Revoke(c.Request().Context(), creds, form.Get("token"), form.Get("token_type_hint")); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) BackchannelAuthenticationEndpoint(c echo.Context) error {
	form, err := postForm(c)
	if err != nil {
		return err
	}
	creds, server, client, err := s.authenticateClient(c, form)
	if err != nil {
		return err
	}
	response, err := s.ciba.Request(c.Request().Context(), creds, server, client, form)
	if err != nil {
		return err
	}
	noStore(c)
	return c.JSON(http.StatusOK, response)
}

// DeviceView is shown on the authentication device.
type DeviceView struct {
	ClientID             string                     `json:"client_id"`
	Scope                string                     `json:"scope,omitempty"`
	BindingMessage       string                     `json:"binding_message,omitempty"`
	AuthorizationDetails oauth.AuthorizationDetails `json:"authorization_details,omitempty"`
	Status               oauth.CibaStatus           `json:"status"`
	ExpiresAt            time.Time                  `json:"expires_at"`
}

func (s *Server) DeviceEndpoint(c echo.Context) error {
	grant, err := s.ciba.Lookup(c.Request().Context(), c.Param("tenant"), c.Param("auth_req_id"))
	if err != nil {
		return err
	}
	noStore(c)
	return c.JSON(http.StatusOK, &DeviceView{
		ClientID:             grant.ClientID,
		Scope:                oauth.JoinScope(grant.Scopes),
		BindingMessage:       grant.BindingMessage,
		AuthorizationDetails: grant.AuthorizationDetails,
		Status:               grant.Status,
		ExpiresAt:            grant.ExpiresAt,
	})
}

// deviceGrant authenticates the user at the authentication device. Only
// the user the backchannel request was addressed to may decide it.
func (s *Server) deviceGrant(c echo.Context) (*oauth.Authentication, error) {
	form, err := postForm(c)
	if err != nil {
		return nil, err
	}
	user, authentication, err := s.authenticateUser(c, form)
	if err != nil {
		return nil, err
	}
	grant, err := s.ciba.Lookup(c.Request().Context(), c.Param("tenant"), c.Param("auth_req_id"))
	if err != nil {
		return nil, err
	}
	if grant.Subject != user.Subject {
		return nil, oauth.ErrAccessDenied("authentication request is addressed to another user")
	}
	return authentication, nil
}

func (s *Server) DeviceAuthorizeEndpoint(c echo.Context) error {
	authentication, err := s.deviceGrant(c)
	if err != nil {
		return err
	}
	if err := s.ciba.Authorize(c.Request().Context(), c.Param("tenant"), c.Param("auth_req_id"), authentication); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) DeviceDenyEndpoint(c echo.Context) error {
	if _, err := s.deviceGrant(c); err != nil {
		return err
	}
	if err := s.ciba.Deny(c.Request().Context(), c.Param("tenant"), c.Param("auth_req_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
