package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/lucianoaf8/lucaverse-auth/abuse"
	"github.com/lucianoaf8/lucaverse-auth/csrf"
	"github.com/lucianoaf8/lucaverse-auth/exchanger"
	"github.com/lucianoaf8/lucaverse-auth/internal/config"
	"github.com/lucianoaf8/lucaverse-auth/kvstore"
	"github.com/lucianoaf8/lucaverse-auth/ratelimit"
	"github.com/lucianoaf8/lucaverse-auth/relay"
	"github.com/lucianoaf8/lucaverse-auth/server"
	"github.com/lucianoaf8/lucaverse-auth/sessions"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const cleanupInterval = time.Minute

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error loading .env: %s\n", err)
	}
	for {
		if err := run(); err != nil {
			log.Error().Err(err).Msg("Error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	setupLogging(c)
	displayAppname(c.GetAppName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := kvstore.New(ctx, kvstore.Options{
		Backend: c.GetStoreBackend(),
		DSN:     c.GetStoreDSN(),
		Prefix:  c.GetAppName(),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	handler, cleanup, err := compose(ctx, c, store)
	if err != nil {
		return err
	}

	if path := c.GetTuningFile(); path != "" {
		if err := c.LoadTuning(path); err != nil {
			return fmt.Errorf("load tuning: %w", err)
		}
		if err := c.WatchTuning(ctx, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("tuning file will not be reloaded")
		}
	}
	go runCleanup(ctx, cleanup)

	httpServer := &http.Server{
		Addr:              c.GetPort(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(httpServer) }()

	select {
	case err := <-errCh:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(httpServer)
}

func setupLogging(c config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if c.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// compose wires the services behind the HTTP server and returns the periodic
// housekeeping they need.
func compose(ctx context.Context, c config.Config, store kvstore.Store) (http.Handler, func(), error) {
	secret := c.GetSessionSecret()
	if secret == nil {
		log.Warn().Msg("SESSION_SECRET not set, sessions will not survive a restart")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, fmt.Errorf("ephemeral secret: %w", err)
		}
	}
	tokenKey, err := config.DeriveKey(secret, "session-token")
	if err != nil {
		return nil, nil, err
	}
	csrfKey, err := config.DeriveKey(secret, "csrf-cookie")
	if err != nil {
		return nil, nil, err
	}

	sessionStore, err := sessions.NewStore(kvstore.Namespaced(store, "sessions"))
	if err != nil {
		return nil, nil, err
	}
	signer, err := exchanger.NewTokenSigner(tokenKey)
	if err != nil {
		return nil, nil, err
	}

	oauthCfg := exchanger.OAuth2ConfigFrom(c)
	var options []exchanger.Option
	if issuer := c.GetProviderIssuer(); issuer != "" {
		verifier, err := exchanger.NewIDTokenVerifier(ctx, issuer, oauthCfg.ClientID)
		if err != nil {
			return nil, nil, err
		}
		options = append(options, exchanger.WithIDTokenVerifier(verifier))
	}
	secure := !c.IsDev()
	auth, err := exchanger.New(exchanger.Config{
		OAuth2:        oauthCfg,
		UserInfoURL:   c.GetProviderUserInfoURL(),
		FlowTTL:       c.GetAuthFlowTimeout(),
		TokenTTL:      c.GetSessionTokenExpiry(),
		RefreshTTL:    c.GetRefreshExpiry(),
		SecureCookies: secure,
	}, exchanger.Deps{
		Sessions:  sessionStore,
		Flows:     kvstore.Namespaced(store, "flows"),
		AllowList: exchanger.NewStaticAllowList(c.GetAllowedEmails()),
		Signer:    signer,
	}, options...)
	if err != nil {
		return nil, nil, err
	}

	protector, err := csrf.NewProtector(csrfKey, originPolicy(c), secure)
	if err != nil {
		return nil, nil, err
	}

	limiter, err := ratelimit.New(kvstore.Namespaced(store, "ratelimit"))
	if err != nil {
		return nil, nil, err
	}
	forms, err := abuse.New(limiter)
	if err != nil {
		return nil, nil, err
	}

	deps := server.Deps{
		Exchanger: auth,
		Protector: protector,
		Forms:     forms,
		Limiter:   limiter,
	}
	if endpoint := c.GetRelayURL(); endpoint != "" {
		if deps.Relay, err = relay.New(endpoint, relay.WithTimeout(c.GetRelayTimeout())); err != nil {
			return nil, nil, err
		}
	} else {
		log.Warn().Msg("RELAY_URL not set, contact submissions are disabled")
	}

	srv, err := server.New(c, deps)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		forms.DeleteExpired()
		srv.Sweep()
		if mem, ok := store.(*kvstore.MemoryStore); ok {
			mem.DeleteExpired()
		}
	}
	return srv, cleanup, nil
}

// originPolicy accepts loopback origins only when ENV=DEV is set explicitly.
func originPolicy(c config.Config) csrf.OriginPolicy {
	return csrf.OriginPolicy{
		Allowed: c.GetAllowedOrigins(),
		Self:    c.GetBaseURL(),
		Dev:     c.IsDev(),
	}
}

func runCleanup(ctx context.Context, cleanup func()) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Msgf("Server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
