package replicator

import (
	"net/http"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

// Authorizer attaches credentials to outgoing requests.
type Authorizer interface {
	AuthorizeRequest(req *http.Request)
}

// LoginAuthorizer is an Authorizer that can establish a session with the
// remote before replication starts.
type LoginAuthorizer interface {
	Authorizer
	// LoginParametersForSite produces the JSON body for the login POST.
	LoginParametersForSite(site *url.URL) map[string]interface{}
	// LoginPathForSite is the login endpoint relative to the remote root.
	LoginPathForSite(site *url.URL) string
}

// BasicAuthorizer sends HTTP Basic credentials on every request.
type BasicAuthorizer struct {
	Username string
	Password string
}

func (a *BasicAuthorizer) AuthorizeRequest(req *http.Request) {
	req.SetBasicAuth(a.Username, a.Password)
}

// BasicAuthorizerFromURL extracts userinfo credentials, or nil if absent.
func BasicAuthorizerFromURL(u *url.URL) *BasicAuthorizer {
	if u.User == nil {
		return nil
	}
	password, _ := u.User.Password()
	return &BasicAuthorizer{Username: u.User.Username(), Password: password}
}

// SessionAuthorizer logs in through POST /_session and relies on the
// client's cookie jar to carry the session cookie afterwards.
type SessionAuthorizer struct {
	Username string
	Password string
}

func (a *SessionAuthorizer) AuthorizeRequest(req *http.Request) {
	// The session cookie rides in the jar; nothing to attach per request.
}

func (a *SessionAuthorizer) LoginParametersForSite(site *url.URL) map[string]interface{} {
	return map[string]interface{}{"name": a.Username, "password": a.Password}
}

func (a *SessionAuthorizer) LoginPathForSite(site *url.URL) string {
	return "_session"
}

// PersonaAuthorizer presents a BrowserID assertion to the remote's
// _persona endpoint.
type PersonaAuthorizer struct {
	Assertion string
}

func (a *PersonaAuthorizer) AuthorizeRequest(req *http.Request) {
}

func (a *PersonaAuthorizer) LoginParametersForSite(site *url.URL) map[string]interface{} {
	return map[string]interface{}{"assertion": a.Assertion}
}

func (a *PersonaAuthorizer) LoginPathForSite(site *url.URL) string {
	return "_persona"
}

// Email extracts the principal email from the assertion without verifying
// the signature; verification is the remote's job.
func (a *PersonaAuthorizer) Email() string {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(a.Assertion, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	if principal, ok := claims["principal"].(map[string]interface{}); ok {
		if email, ok := principal["email"].(string); ok {
			return email
		}
	}
	if email, ok := claims["email"].(string); ok {
		return email
	}
	return ""
}

// AuthorizerFromOptions builds an authorizer from the "auth" replication
// option: {"basic": {...}}, {"session": {...}} or {"persona": {...}}.
func AuthorizerFromOptions(auth map[string]interface{}) Authorizer {
	if basic, ok := auth["basic"].(map[string]interface{}); ok {
		username, _ := basic["username"].(string)
		password, _ := basic["password"].(string)
		return &BasicAuthorizer{Username: username, Password: password}
	}
	if session, ok := auth["session"].(map[string]interface{}); ok {
		username, _ := session["name"].(string)
		password, _ := session["password"].(string)
		return &SessionAuthorizer{Username: username, Password: password}
	}
	if persona, ok := auth["persona"].(map[string]interface{}); ok {
		assertion, _ := persona["assertion"].(string)
		return &PersonaAuthorizer{Assertion: assertion}
	}
	return nil
}
