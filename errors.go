package authzserver

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gematik/zero-lab/go/authzserver/authzrequest"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/labstack/echo/v4"
)

// ErrorHandlerMiddleware is the only place where errors become responses.
func ErrorHandlerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err == nil || c.Response().Committed {
			return err
		}

		var redirectErr *oauth.RedirectError
		if errors.As(err, &redirectErr) {
			slog.Info("Authorization error redirected", "error", err, "path", c.Path())
			return redirectWithError(c, redirectErr)
		}

		var authzError *oauth.Error
		if errors.As(err, &authzError) {
			if authzError.HttpStatus >= http.StatusInternalServerError {
				slog.Error("Error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
			} else {
				slog.Info("Request rejected", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
			}
			if authzError.HttpStatus == http.StatusUnauthorized {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="authzserver"`)
			}
			return c.JSON(authzError.HttpStatus, authzError)
		}

		var echoErr *echo.HTTPError
		if errors.As(err, &echoErr) && echoErr.Code < http.StatusInternalServerError {
			return c.JSON(echoErr.Code, &oauth.Error{
				HttpStatus:  echoErr.Code,
				Code:        oauth.CodeInvalidRequest,
				Description: fmt.Sprint(echoErr.Message),
			})
		}

		slog.Error("Error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
		return c.JSON(http.StatusInternalServerError, oauth.ErrServerError(err))
	}
}

func redirectWithError(c echo.Context, err *oauth.RedirectError) error {
	params := url.Values{}
	if err.Response != "" {
		params.Set("response", err.Response)
	} else {
		params.Set("error", err.Err.Code)
		if err.Err.Description != "" {
			params.Set("error_description", err.Err.Description)
		}
		if err.State != "" {
			params.Set("state", err.State)
		}
	}
	return deliver(c, &authzrequest.Response{
		RedirectURI: err.RedirectURI,
		Mode:        authzrequest.DeliveryMode(err.ResponseMode),
		Params:      params,
	})
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><title>Submit This Form</title></head>
<body onload="javascript:document.forms[0].submit()">
<form method="post" action="{{ .RedirectURI }}">
{{- range $name, $values := .Params }}{{ range $values }}
<input type="hidden" name="{{ $name }}" value="{{ . }}"/>
{{- end }}{{ end }}
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))

// deliver sends an authorization response to the client.
func deliver(c echo.Context, response *authzrequest.Response) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	if response.Mode != oauth.ResponseModeFormPost {
		return c.Redirect(http.StatusFound, response.Location())
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return formPostTemplate.Execute(c.Response(), response)
}
