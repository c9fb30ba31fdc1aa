package microsoft

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/logging"
)

var successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Login Successful</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; }
		.success { color: #4ade80; }
		code { background: #374151; padding: 2px 6px; border-radius: 4px; color: #fbbf24; }
		.hint { color: #9ca3af; margin-top: 20px; }
	</style>
</head>
<body>
	<h1 class="success">✅ Login Successful!</h1>
	<p><strong>Account:</strong> {{.Email}}</p>
	{{if .DisplayName}}<p><strong>Name:</strong> {{.DisplayName}}</p>{{end}}
	<p><strong>Object ID:</strong> <code>{{.ObjectID}}</code></p>
	<p class="hint">Teams sync is authorized. You can close this window.</p>
</body>
</html>`))

var failurePage = template.Must(template.New("failure").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Login Failed</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; }
		.failure { color: #f87171; }
	</style>
</head>
<body>
	<h1 class="failure">❌ Login Failed</h1>
	<p>{{.}}</p>
</body>
</html>`))

// HandleLogin redirects the browser to the Microsoft consent page.
func (f *Flow) HandleLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, f.LoginURL(), http.StatusTemporaryRedirect)
}

// HandleCallback completes the flow from the provider redirect.
func (f *Flow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if _, err := f.serveCallback(w, r); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("⚠️ OAuth callback failed")
	}
}

// serveCallback completes the flow and renders the result page.
func (f *Flow) serveCallback(w http.ResponseWriter, r *http.Request) (*Principal, error) {
	p, err := f.callback(r)
	if err != nil {
		renderFailure(w, err)
		return nil, err
	}
	renderSuccess(w, p)
	return p, nil
}

func (f *Flow) callback(r *http.Request) (*Principal, error) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = e
		}
		return nil, domain.New(domain.KindPermissionDenied, "oauth.callback", "authorization denied: %s", desc)
	}

	principal, err := f.Complete(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		return nil, err
	}
	return principal, nil
}

func renderSuccess(w http.ResponseWriter, p *Principal) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = successPage.Execute(w, p)
}

func renderFailure(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrAuthExpired):
		status = http.StatusUnauthorized
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = failurePage.Execute(w, domain.UserMessage(err))
}
