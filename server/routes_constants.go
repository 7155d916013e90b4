package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Auth Routes - sign-in round trip
	RouteAuthLogin    = "/auth/login"
	RouteAuthCallback = "/auth/callback"
	RouteAuthLegacy   = "/auth/legacy"

	// Auth Routes - session maintenance
	RouteAuthVerify        = "/auth/verify"
	RouteAuthRefresh       = "/auth/refresh"
	RouteAuthExtend        = "/auth/extend"
	RouteAuthLogout        = "/auth/logout"
	RouteAuthCSRF          = "/auth/csrf"
	RouteAuthSessionPolicy = "/auth/session-policy"

	// API Routes - guarded submissions
	RouteAPIForms       = "/api/forms"
	RouteAPIFormSignals = "/api/forms/{id}/signals"
	RouteAPIContact     = "/api/contact"

	RouteHealth = "/healthz"
)
