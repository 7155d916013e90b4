package server

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())

	// Sign-in round trip (top-level browser navigations)
	s.RegisterRouteHandler("GET "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.BrowserMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthCallback, ChainMiddleware(s.CallbackHandler(), s.BrowserMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthLegacy, ChainMiddleware(s.LegacyHandler(), s.BrowserMiddleware()...))

	// Session API
	s.RegisterRouteHandler("GET "+RouteAuthCSRF, ChainMiddleware(s.csrf.TokenHandler, s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthVerify, ChainMiddleware(s.VerifyHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthSessionPolicy, ChainMiddleware(s.SessionPolicyHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthRefresh, ChainMiddleware(s.RefreshHandler(), s.ProtectedAPIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthExtend, ChainMiddleware(s.ExtendHandler(), s.ProtectedAPIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.ProtectedAPIMiddleware()...))

	// Guarded submissions
	s.RegisterRouteHandler("POST "+RouteAPIForms, ChainMiddleware(s.NewFormHandler(), s.ProtectedAPIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAPIFormSignals, ChainMiddleware(s.SignalsHandler(), s.ProtectedAPIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAPIContact, ChainMiddleware(s.ContactHandler(), s.ProtectedAPIMiddleware()...))

	// Preflight for the cross-origin API
	s.RegisterRouteHandler("OPTIONS /auth/", ChainMiddleware(noContent, s.APIMiddleware()...))
	s.RegisterRouteHandler("OPTIONS /api/", ChainMiddleware(noContent, s.APIMiddleware()...))
}
