package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/bg2.json.
const wellKnownManifest = `{
  "name": "BG2",
  "description": "Partimap authentication, profile and permission service",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization",
    "login": "/api/v1/auth/login"
  },
  "endpoints": {
    "me": "/api/v1/auth/me",
    "events": "/api/v1/auth/events",
    "profile": "/api/v1/profile",
    "permissions": "/api/v1/permissions/check",
    "activity": "/api/v1/activity",
    "accounts": "/api/v1/accounts"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static BG2 well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
