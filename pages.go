package oauth

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/server"
)

// DefaultScopeDescriptions are the consent page texts for the task API scopes
var DefaultScopeDescriptions = map[string]string{
	server.ScopeTasksRead:  "View your tasks",
	server.ScopeTasksWrite: "Create and modify your tasks",
	server.ScopeOpenID:     "Verify your identity",
	server.ScopeProfile:    "Access your profile information",
	server.ScopeEmail:      "Access your email address",
}

const pageStyle = `body{font-family:system-ui,-apple-system,sans-serif;background:#f5f6f8;color:#1f2328;margin:0}
main{max-width:420px;margin:64px auto;background:#fff;border-radius:12px;padding:32px;box-shadow:0 2px 12px rgba(0,0,0,.08)}
h1{font-size:1.3rem;margin-top:0}img{max-height:48px;margin-bottom:16px}
ul{padding-left:20px}li{margin:6px 0}.actions{display:flex;gap:12px;margin-top:24px}
button{flex:1;padding:10px;border-radius:8px;border:1px solid #d0d7de;font-size:1rem;cursor:pointer}
button.approve{background:#1f6feb;color:#fff;border-color:#1f6feb}
.links{font-size:.85rem;margin-top:16px}.error code{background:#f6f8fa;padding:2px 4px}`

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>` + pageStyle + `</style>
</head>
<body>
<main>
{{if .LogoURI}}<img src="{{.LogoURI}}" alt="">{{end}}
<h1>{{.ClientName}} wants to access your account</h1>
<p>This will allow {{.ClientName}} to:</p>
<ul>
{{range .Scopes}}<li>{{.}}</li>
{{end}}</ul>
<form method="post" action="{{.Action}}">
<input type="hidden" name="consent_token" value="{{.ConsentToken}}">
<div class="actions">
<button type="submit" name="approve" value="false">Deny</button>
<button type="submit" name="approve" value="true" class="approve">Allow</button>
</div>
</form>
{{if or .PolicyURI .TOSURI}}<p class="links">
{{if .PolicyURI}}<a href="{{.PolicyURI}}" rel="noopener noreferrer">Privacy policy</a>{{end}}
{{if .TOSURI}}<a href="{{.TOSURI}}" rel="noopener noreferrer">Terms of service</a>{{end}}
</p>{{end}}
</main>
</body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Authorization error</title>
<style>` + pageStyle + `</style>
</head>
<body>
<main class="error">
<h1>Authorization failed</h1>
<p>{{.Description}}</p>
<p><code>{{.Code}}</code></p>
</main>
</body>
</html>
`))

type consentPage struct {
	ClientName   string
	LogoURI      string
	PolicyURI    string
	TOSURI       string
	Scopes       []string
	Action       string
	ConsentToken string
}

type errorPage struct {
	Code        string
	Description string
}

// renderPage executes tmpl into a buffer first so that a template failure
// still produces a clean 500.
// formTargets widen the form-action policy.
func (h *Handler) renderPage(w http.ResponseWriter, tmpl *template.Template, data any, status int, formTargets ...string) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		h.logger.Error("Failed to render page", "template", tmpl.Name(), "error", err)
		security.SetHTMLPageHeaders(w, h.server.Config.Issuer)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	security.SetHTMLPageHeaders(w, h.server.Config.Issuer, formTargets...)
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// renderErrorPage is used for errors that must not be sent to an
// unverified redirect URI.
func (h *Handler) renderErrorPage(w http.ResponseWriter, err *server.Error) {
	status := http.StatusBadRequest
	if err.Code == ErrorCodeServerError {
		status = http.StatusInternalServerError
	}
	h.renderPage(w, errorTemplate, errorPage{Code: err.Code, Description: err.Description}, status)
}

func (h *Handler) describeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if text, ok := h.scopeText[s]; ok {
			out = append(out, text)
			continue
		}
		out = append(out, s)
	}
	return out
}
