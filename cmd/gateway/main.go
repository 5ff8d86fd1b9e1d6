// Command gateway runs the REST-to-MCP gateway: an OpenAPI-backed tool
// server exposed over MCP streaming HTTP with OAuth2 session login, or over
// stdio for local use.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/restmcp/gateway/internal/dispatcher"
	"github.com/restmcp/gateway/internal/jwtauth"
	"github.com/restmcp/gateway/internal/logctx"
	"github.com/restmcp/gateway/internal/mcpsession"
	"github.com/restmcp/gateway/internal/oauthflow"
	"github.com/restmcp/gateway/internal/otp"
	"github.com/restmcp/gateway/internal/resolver"
	"github.com/restmcp/gateway/internal/sessionstore"
	"github.com/restmcp/gateway/internal/stdio"
	"github.com/restmcp/gateway/internal/storage"
	storagememory "github.com/restmcp/gateway/internal/storage/memory"
	storageredis "github.com/restmcp/gateway/internal/storage/redis"
	"github.com/restmcp/gateway/internal/streaminghttp"
	"github.com/restmcp/gateway/internal/tokencache"
	"github.com/restmcp/gateway/internal/toolexec"
	"github.com/restmcp/gateway/internal/workflow"
)

const version = "0.3.0"

// config is populated from the environment via envdecode. Slice values are
// semicolon-separated.
type config struct {
	ListenAddr     string `env:"LISTEN_ADDR,default=127.0.0.1:8080"`
	PublicEndpoint string `env:"MCP_PUBLIC_ENDPOINT,default=http://127.0.0.1:8080/mcp"`
	ServerName     string `env:"SERVER_NAME,default=restmcp-gateway"`

	// Transport selects "http" (default) or "stdio".
	Transport string `env:"TRANSPORT,default=http"`

	// OIDC_ISSUER enables OAuth. Left empty, the gateway runs open and the
	// login endpoints answer 501.
	Issuer       string   `env:"OIDC_ISSUER"`
	ClientID     string   `env:"OAUTH_CLIENT_ID"`
	ClientSecret string   `env:"OAUTH_CLIENT_SECRET"`
	Scopes       []string `env:"OAUTH_SCOPES,default=openid;profile;email;offline_access"`
	// RedirectURL defaults to the public endpoint's origin + /oauth/callback.
	RedirectURL string `env:"OAUTH_REDIRECT_URL"`

	// REDIS_ADDR switches the OTP ticket store from in-process memory to
	// Redis so tickets survive restarts and replicas share them.
	RedisAddr string `env:"REDIS_ADDR"`

	// OPENAPI_SPEC is the path to the OpenAPI document whose operations
	// become tools. API_BASE_URL overrides the document's server URL.
	OpenAPISpec string `env:"OPENAPI_SPEC"`
	APIBaseURL  string `env:"API_BASE_URL"`

	// WORKFLOW_DIR holds YAML workflow definitions; watched for changes.
	WorkflowDir string `env:"WORKFLOW_DIR"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`

	// TRUST_PROXY_HEADERS makes the callback rate limiter key on
	// X-Forwarded-For. Set only behind a proxy that rewrites the header.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS,default=false"`

	// API_BEARER is a static downstream token for stdio runs.
	APIBearer string `env:"API_BEARER"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disp := dispatcher.New(log)

	if cfg.OpenAPISpec != "" {
		exec, err := toolexec.LoadFile(cfg.OpenAPISpec, cfg.APIBaseURL, log)
		if err != nil {
			return fmt.Errorf("failed to load OpenAPI document %s: %w", cfg.OpenAPISpec, err)
		}
		if err := exec.RegisterTools(disp); err != nil {
			return fmt.Errorf("failed to register API tools: %w", err)
		}
		log.Info("tools.loaded", slog.String("spec", cfg.OpenAPISpec), slog.Int("count", len(exec.Operations())))
	}

	if cfg.WorkflowDir != "" {
		adv := workflow.NewAdvisor(cfg.WorkflowDir, disp, log)
		if err := adv.Load(); err != nil {
			log.Warn("workflows.load.fail", slog.String("dir", cfg.WorkflowDir), slog.String("err", err.Error()))
		} else {
			log.Info("workflows.loaded", slog.Int("count", len(adv.Names())))
		}
		go adv.Watch(ctx)
	}

	if cfg.Transport == "stdio" {
		h := stdio.NewHandler(stdio.Config{
			ServerName:    cfg.ServerName,
			ServerVersion: version,
			Bearer:        cfg.APIBearer,
		}, disp, log)
		log.Info("stdio.serving")
		return h.Serve(ctx)
	}

	kv, closeKV, err := newKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeKV()

	tickets := otp.NewExchanger(kv)
	sessions := sessionstore.New(log)
	mcp := mcpsession.NewManager(log)

	httpCfg := streaminghttp.Config{
		PublicEndpoint: cfg.PublicEndpoint,
		ServerName:     cfg.ServerName,
		ServerVersion:  version,
		AllowedOrigins: cfg.AllowedOrigins,
		Scopes:         cfg.Scopes,
	}

	res, flow := buildOAuth(ctx, cfg, sessions, tickets, &httpCfg, log)
	go flow.CleanupLoop(ctx, time.Minute)

	// One sweeper covers both registries: an expiring MCP session takes its
	// OAuth session record with it.
	go mcp.SweepLoop(ctx, func(removed []*mcpsession.Session) {
		for _, sess := range removed {
			if sess.OAuthHandle != "" {
				sessions.Delete(sess.OAuthHandle)
			}
		}
		sessions.SweepIdle(mcpsession.IdleTTL)
	})

	h, err := streaminghttp.New(httpCfg, sessions, mcp, tickets, flow, disp, res, log)
	if err != nil {
		return fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.serving", slog.String("addr", cfg.ListenAddr), slog.String("endpoint", cfg.PublicEndpoint))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown did not complete cleanly: %w", err)
	}
	log.Info("shutdown.done")
	return nil
}

// buildOAuth wires the verifier, resolver and login flow from the issuer
// configuration. Configuration trouble (no issuer, discovery failure) is a
// warning, not a crash: the gateway starts open and the login endpoints
// answer 501.
func buildOAuth(ctx context.Context, cfg config, sessions *sessionstore.Store, tickets *otp.Exchanger, httpCfg *streaminghttp.Config, log *slog.Logger) (*resolver.Resolver, *oauthflow.Controller) {
	unconfigured := oauthflow.New(oauthflow.Config{}, tickets, sessions, log)
	if cfg.Issuer == "" {
		return nil, unconfigured
	}

	jwtCfg := jwtauth.DefaultConfig()
	jwtCfg.Issuer = cfg.Issuer
	jwtCfg.Audience = cfg.PublicEndpoint
	verifier, err := jwtauth.NewFromDiscovery(ctx, jwtCfg)
	if err != nil {
		log.Warn("oidc.discovery.fail, serving without auth",
			slog.String("issuer", cfg.Issuer), slog.String("err", err.Error()))
		return nil, unconfigured
	}

	var fallback *tokencache.Cache
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		fallback = tokencache.New(tokencache.Config{
			TokenURL:     verifier.TokenEndpoint(),
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
		})
	}

	res, err := resolver.New(resolver.Config{
		Verifier:     verifier,
		Sessions:     sessions,
		Fallback:     fallback,
		TokenURL:     verifier.TokenEndpoint(),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, log)
	if err != nil {
		log.Warn("resolver.build.fail, serving without auth", slog.String("err", err.Error()))
		return nil, unconfigured
	}

	flow := oauthflow.New(oauthflow.Config{
		AuthorizationEndpoint: verifier.AuthorizationEndpoint(),
		TokenEndpoint:         verifier.TokenEndpoint(),
		ClientID:              cfg.ClientID,
		ClientSecret:          cfg.ClientSecret,
		Scopes:                cfg.Scopes,
		RedirectURL:           redirectURL(cfg),
		TrustProxyHeaders:     cfg.TrustProxyHeaders,
	}, tickets, sessions, log)

	httpCfg.Issuer = cfg.Issuer
	httpCfg.AuthorizationEndpoint = verifier.AuthorizationEndpoint()
	httpCfg.TokenEndpoint = verifier.TokenEndpoint()
	httpCfg.JWKSURI = verifier.JWKSURI()
	return res, flow
}

func newKV(ctx context.Context, cfg config) (storage.KV, func(), error) {
	if cfg.RedisAddr == "" {
		return storagememory.New(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	kv, err := storageredis.New(storageredis.Config{Client: client})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return kv, func() { client.Close() }, nil
}

func redirectURL(cfg config) string {
	if cfg.RedirectURL != "" {
		return cfg.RedirectURL
	}
	u, err := url.Parse(cfg.PublicEndpoint)
	if err != nil {
		return ""
	}
	u.Path = "/oauth/callback"
	u.RawQuery = ""
	return u.String()
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
