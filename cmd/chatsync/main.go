package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dealistaan/chatsync/internal/authtoken"
	"github.com/dealistaan/chatsync/internal/config"
	"github.com/dealistaan/chatsync/internal/directory"
	"github.com/dealistaan/chatsync/internal/engine"
	"github.com/dealistaan/chatsync/internal/metrics"
	"github.com/dealistaan/chatsync/internal/websocket"
	"github.com/dealistaan/chatsync/internal/wire"
	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/spf13/cobra"
)

// flags holds the persistent command-line overrides.
var flags struct {
	apiURL      string
	socketURL   string
	token       string
	tokenFile   string
	userID      string
	logLevel    string
	logFormat   string
	sendMode    string
	metricsAddr string
	debug       bool
}

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time conversation sync for the classifieds messaging API",
	Long: "chatsync keeps a live, ordered view of your conversations: it follows the\n" +
		"push transport, reconciles it with the REST API and sends messages optimistically.",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.apiURL, "api-url", "", "API root including /api (env CHATSYNC_API_URL)")
	pf.StringVar(&flags.socketURL, "socket-url", "", "push transport origin (default: API URL without /api)")
	pf.StringVar(&flags.token, "token", "", "bearer token (env CHATSYNC_TOKEN)")
	pf.StringVar(&flags.tokenFile, "token-file", "", "file holding the bearer token (default: $CHATSYNC_HOME/token)")
	pf.StringVar(&flags.userID, "user-id", "", "override the user id read from the token")
	pf.StringVar(&flags.logLevel, "log-level", "", "trace|debug|info|warn|error")
	pf.StringVar(&flags.logFormat, "log-format", "", "text|json")
	pf.StringVar(&flags.sendMode, "send-mode", "", "rest|transport")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	pf.BoolVar(&flags.debug, "debug", false, "log every request and transport event")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration, applies flags and sets up logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := logger.ParseLevel(cfg.Log.Level)
	if cfg.API.Debug && level > logger.LevelDebug {
		level = logger.LevelDebug
	}
	format, _ := logger.ParseFormat(cfg.Log.Format)
	logger.SetFormat(format)
	logger.SetLevel(level)
	logger.Debugf("config: api=%s socket=%s home=%s", cfg.API.URL, cfg.SocketOrigin(), cfg.Home)
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("api-url", &cfg.API.URL, flags.apiURL)
	set("socket-url", &cfg.API.SocketURL, flags.socketURL)
	set("token", &cfg.Auth.Token, flags.token)
	set("token-file", &cfg.Auth.TokenFile, flags.tokenFile)
	set("user-id", &cfg.Auth.UserID, flags.userID)
	set("log-level", &cfg.Log.Level, flags.logLevel)
	set("log-format", &cfg.Log.Format, flags.logFormat)
	set("send-mode", &cfg.Send.Mode, flags.sendMode)
	set("metrics-addr", &cfg.Metrics.Addr, flags.metricsAddr)
	if cmd.Flags().Changed("debug") {
		cfg.API.Debug = flags.debug
	}
}

// session bundles what a command needs to talk to the server.
type session struct {
	cfg     *config.Config
	token   string
	self    types.PeerID
	metrics *metrics.Metrics
	dir     *directory.Client
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	token, err := cfg.ResolveToken()
	if err != nil {
		return nil, fmt.Errorf("%w (run `chatsync login <token>` or set CHATSYNC_TOKEN)", err)
	}

	self := types.PeerID(cfg.Auth.UserID)
	if self == "" {
		claims, err := authtoken.Parse(token)
		if err != nil {
			return nil, fmt.Errorf("cannot read user id from token, pass --user-id: %w", err)
		}
		self = claims.UserID
	}

	m := metrics.New()
	dir := directory.New(directory.Config{
		BaseURL: cfg.API.URL,
		Timeout: cfg.API.Timeout.Std(),
		Debug:   cfg.API.Debug,
	}, m)
	return &session{cfg: cfg, token: token, self: self, metrics: m, dir: dir}, nil
}

func (s *session) creds() directory.Credentials {
	return directory.Credentials{Token: s.token, Self: s.self}
}

func (s *session) close() {
	if err := s.dir.Close(); err != nil {
		logger.Debugf("closing directory client: %v", err)
	}
}

// newEngine returns a started engine over the session's directory client.
func (s *session) newEngine() (*engine.Engine, error) {
	ec, err := s.cfg.Engine()
	if err != nil {
		return nil, err
	}
	ws := websocket.NewClient(websocket.Config{
		URL:   s.cfg.SocketOrigin(),
		Debug: s.cfg.API.Debug,
	}, wire.InboundEvents)

	e := engine.New(ec, ws, s.dir, engine.WithMetrics(s.metrics))
	e.Start()
	return e, nil
}

// serveMetrics serves /metrics until ctx is done. It does nothing when no
// address is configured.
func (s *session) serveMetrics(ctx context.Context) {
	addr := s.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Infof("metrics: serving on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
