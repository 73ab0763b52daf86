// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/hashicorp/cap-appauth/oidc"
)

// ResponseFunc is used by a Loopback to respond to the browser after the
// redirect was delivered to the oidc.Receiver.
//
// The err parameter is nil when the receiver accepted the redirect.  Note an
// accepted redirect may still complete the flow with an error (for example a
// provider error or a state mismatch): the flow's oidc.Result is the
// authority, the response is only what the user sees in the browser tab.
type ResponseFunc func(w http.ResponseWriter, req *http.Request, err error)

var responsePage = template.Must(template.New("response").Parse(`<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p></body></html>
`))

// DefaultResponse writes a minimal html page telling the user to return to
// the application.
func DefaultResponse(w http.ResponseWriter, _ *http.Request, err error) {
	status, title, msg := http.StatusOK, "Login complete", "You may close this window and return to the application."
	switch {
	case err == nil:
	case errors.Is(err, oidc.ErrStaleRedirect):
		status, title, msg = http.StatusBadRequest, "Login expired", "This login attempt was replaced by a newer one. Please use the most recent browser window."
	case errors.Is(err, oidc.ErrNoPendingFlow):
		status, title, msg = http.StatusBadRequest, "No login in progress", "The application isn't waiting for a login. Please start again from the application."
	default:
		status, title, msg = http.StatusInternalServerError, "Login failed", "The application couldn't accept the login. Please return to the application."
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = responsePage.Execute(w, struct{ Title, Message string }{title, msg})
}
