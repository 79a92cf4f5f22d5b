// Package rpweb renders the browser-facing pages of the relying party:
// the login page with the configured providers and the protected home
// page showing the authenticated user.
package rpweb

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/loginrelay/loginrelay/pkg/rp"
)

var (
	//go:embed *.html
	templatesFS embed.FS
)

// messages shown for the opaque error codes of the login redirect;
// anything unknown gets the generic failure text
var errorMessages = map[string]string{
	string(rp.FailureAuthDenied):   "The provider rejected the login. Please try again.",
	string(rp.FailureUnavailable):  "The provider is currently unavailable. Please try again later.",
	string(rp.FailureTimeout):      "The login took too long. Please try again later.",
	string(rp.FailurePolicyDenied): "Your account does not meet the sign-in requirements.",
	string(rp.FailureInvalidState): "The login could not be verified. Please start over.",
}

func MountRoutes(root *echo.Echo, server *rp.Server) {
	root.GET("/login", login(server))

	protected := root.Group("", server.RequireAuth())
	protected.GET("/", home(server))
}

func login(server *rp.Server) echo.HandlerFunc {
	tmpl := template.Must(template.ParseFS(templatesFS, "login.html", "layout.html"))

	return func(c echo.Context) error {
		var errorMessage string
		if code := c.QueryParam("error"); code != "" {
			errorMessage = errorMessages[code]
			if errorMessage == "" {
				errorMessage = "Login failed. Please try again."
			}
		}

		type providerView struct {
			Name    string
			LogoURI string
		}
		providers := []providerView{}
		for _, op := range server.OpenidProviders() {
			providers = append(providers, providerView{Name: op.Name(), LogoURI: op.LogoURI()})
		}

		c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
		return tmpl.Execute(c.Response().Writer, map[string]interface{}{
			"providers":    providers,
			"errorMessage": errorMessage,
		})
	}
}

func home(server *rp.Server) echo.HandlerFunc {
	tmpl := template.Must(template.ParseFS(templatesFS, "home.html", "layout.html"))

	return func(c echo.Context) error {
		claims := rp.ClaimsFromContext(c)
		if claims == nil {
			return c.Redirect(http.StatusFound, "/login")
		}

		c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
		return tmpl.Execute(c.Response().Writer, map[string]interface{}{
			"claims": claims,
		})
	}
}
