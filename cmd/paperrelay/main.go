package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/agentworkforce/paperrelay/internal/agentclient"
	"github.com/agentworkforce/paperrelay/internal/config"
	"github.com/agentworkforce/paperrelay/internal/coordinator"
	"github.com/agentworkforce/paperrelay/internal/httpapi"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

type cliOptions struct {
	configPath string
	logLevel   string
	serverURL  string
	token      string

	cfg    config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	rootCmd := &cobra.Command{
		Use:          "paperrelay",
		Short:        "paperrelay - settings and download history coordinator for the CNKI paper helper",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVar(&opts.serverURL, "server", os.Getenv(config.EnvPrefix+"SERVER"), "coordinator base URL for client commands")
	flags.StringVar(&opts.token, "token", os.Getenv(config.EnvPrefix+"TOKEN"), "bearer token for client commands; minted from the configured secret when empty")

	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change the shared settings",
	}
	settingsCmd.AddCommand(newSettingsGetCmd(opts), newSettingsSetCmd(opts))

	rootCmd.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
		settingsCmd,
		newHistoryCmd(opts),
		newSearchCmd(opts),
		newOpenSettingsCmd(opts),
		newPaperCmd(opts, "record", "Record a download the browser already started", coordinator.MessageRecordDownload),
		newPaperCmd(opts, "download", "Ask the coordinator to download a paper", coordinator.MessageDownloadPaper),
		newAgentCmd(opts),
	)
	return rootCmd
}

func (o *cliOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(o.logLevel) != "" {
		cfg.LogLevel = o.logLevel
	}
	o.cfg = cfg
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(o.logger)
	return nil
}

func (o *cliOptions) baseURL() string {
	if raw := strings.TrimSpace(o.serverURL); raw != "" {
		return raw
	}
	return baseURLFromListen(o.cfg.ListenAddr)
}

// bearer returns the --token value or mints a short-lived one for contextKind.
func (o *cliOptions) bearer(contextKind, subject string) (string, error) {
	if token := strings.TrimSpace(o.token); token != "" {
		return token, nil
	}
	return httpapi.IssueToken(o.secret(), subject, contextKind, []string{httpapi.ScopeMessagesSend, httpapi.ScopeAgentsConnect}, time.Hour, time.Now())
}

func (o *cliOptions) secret() string {
	if secret := strings.TrimSpace(o.cfg.Auth.Secret); secret != "" {
		return secret
	}
	return httpapi.DefaultJWTSecret
}

func (o *cliOptions) client() (*agentclient.HTTPClient, error) {
	token, err := o.bearer(httpapi.ContextPanel, "cli")
	if err != nil {
		return nil, err
	}
	return agentclient.NewHTTPClient(o.baseURL(), token, nil), nil
}

// baseURLFromListen turns a listen address such as ":8080" into a URL a
// local client can dial.
func baseURLFromListen(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "http://127.0.0.1:8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	return "http://" + addr
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.cfg, opts.logger)
		},
	}
}

// app is one assembled coordinator with its facilities and HTTP handler.
type app struct {
	coord      *coordinator.Coordinator
	handler    http.Handler
	downloader *coordinator.HTTPDownloader
	navigator  *coordinator.RodNavigator
	scheduler  *cron.Cron
	watcher    *coordinator.SyncScopeWatcher
	logger     *slog.Logger
}

func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	syncDSN, localDSN, err := cfg.ScopeDSNs()
	if err != nil {
		return nil, err
	}
	syncScope, err := coordinator.BuildKVStoreFromDSN(syncDSN, coordinator.ScopeSync)
	if err != nil {
		return nil, fmt.Errorf("sync scope: %w", err)
	}
	localScope, err := coordinator.BuildKVStoreFromDSN(localDSN, coordinator.ScopeLocal)
	if err != nil {
		closeScope(syncScope)
		return nil, fmt.Errorf("local scope: %w", err)
	}

	a := &app{logger: logger}
	var navigator coordinator.Navigator
	if remote := strings.TrimSpace(cfg.Browser.RemoteURL); remote != "" {
		a.navigator = coordinator.NewRodNavigator(remote, logger)
		navigator = a.navigator
	}
	panelURL, err := panelURLFor(cfg)
	if err != nil {
		closeScope(syncScope)
		closeScope(localScope)
		return nil, err
	}
	coord, err := coordinator.New(coordinator.Options{
		SyncScope:  syncScope,
		LocalScope: localScope,
		Origins:    cfg.Origins,
		SearchURL:  cfg.SearchURL,
		PanelURL:   panelURL,
		Navigator:  navigator,
		Logger:     logger,
	})
	if err != nil {
		closeScope(syncScope)
		closeScope(localScope)
		return nil, err
	}
	a.coord = coord
	coord.SetNotifier(coordinator.NewHubNotifier(coord.Hub()))
	a.downloader = coordinator.NewHTTPDownloader(coordinator.HTTPDownloaderOptions{
		Dir:      cfg.DownloadDir,
		OnChange: coord.HandleDownloadChanged,
		Logger:   logger,
	})
	coord.SetDownloader(a.downloader)

	a.scheduler, err = coordinator.StartFlushScheduler(coord, cfg.FlushSchedule, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("flush schedule: %w", err)
	}
	if cfg.WatchSyncScope {
		if path, ok := coordinator.FilePathFromDSN(syncDSN); ok {
			a.watcher = coordinator.NewSyncScopeWatcher(path, cfg.WatchDebounce, coord.Reload, logger)
		} else {
			logger.Warn("sync scope watch needs a file-backed sync scope", "dsn", syncDSN)
		}
	}
	a.handler = httpapi.NewServerWithConfig(coord, httpapi.ServerConfig{
		JWTSecret:       cfg.Auth.Secret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
	})
	return a, nil
}

// close stops background work, waits for in-flight downloads so their
// status lands in the history, then releases the coordinator.
func (a *app) close() {
	if a.scheduler != nil {
		<-a.scheduler.Stop().Done()
	}
	if a.downloader != nil {
		a.downloader.Wait()
	}
	if a.coord != nil {
		a.coord.Close()
	}
	if a.navigator != nil {
		if err := a.navigator.Close(); err != nil {
			a.logger.Warn("navigator close failed", "error", err)
		}
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if installed, err := a.coord.Install(ctx); err != nil {
		logger.Error("first-start bookkeeping failed", "error", err)
	} else if installed {
		logger.Info("first start: defaults written")
	}
	if a.watcher != nil {
		go func() {
			if err := a.watcher.Run(ctx); err != nil {
				logger.Error("sync scope watch failed", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("paperrelay listening", "addr", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("paperrelay stopped")
	return nil
}

// panelURLFor returns the configured panel URL, or the server's own /panel
// carrying a panel token so the opened tab can talk to the API.
func panelURLFor(cfg config.Config) (string, error) {
	if raw := strings.TrimSpace(cfg.PanelURL); raw != "" {
		return raw, nil
	}
	secret := strings.TrimSpace(cfg.Auth.Secret)
	if secret == "" {
		secret = httpapi.DefaultJWTSecret
	}
	token, err := httpapi.IssueToken(secret, "panel", httpapi.ContextPanel, []string{httpapi.ScopeMessagesSend, httpapi.ScopeAgentsConnect}, cfg.Auth.TokenTTL, time.Now())
	if err != nil {
		return "", err
	}
	return baseURLFromListen(cfg.ListenAddr) + "/panel?" + url.Values{"access_token": {token}}.Encode(), nil
}

func closeScope(scope coordinator.KVStore) {
	if closer, ok := scope.(io.Closer); ok {
		_ = closer.Close()
	}
}

func newTokenCmd(opts *cliOptions) *cobra.Command {
	var (
		contextKind string
		subject     string
		scopes      []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				ttl = opts.cfg.Auth.TokenTTL
			}
			token, err := httpapi.IssueToken(opts.secret(), subject, contextKind, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&contextKind, "context", httpapi.ContextPanel, "token context (agent or panel)")
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{httpapi.ScopeMessagesSend, httpapi.ScopeAgentsConnect}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime; defaults to auth.token_ttl")
	return cmd
}

func newSettingsGetCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the current settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			settings, err := client.GetSettings(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), settings)
		},
	}
}

func newSettingsSetCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set key=value...",
		Short: "Change settings (autoDownload, enhanceSearch, quickAccess, downloadPath)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := settingsPatchFromArgs(args)
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.UpdateSettings(cmd.Context(), patch); err != nil {
				return err
			}
			settings, err := client.GetSettings(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), settings)
		},
	}
}

func settingsPatchFromArgs(args []string) (coordinator.SettingsPatch, error) {
	var patch coordinator.SettingsPatch
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return patch, fmt.Errorf("expected key=value, got %q", arg)
		}
		switch strings.TrimSpace(key) {
		case "autoDownload":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return patch, fmt.Errorf("autoDownload: %w", err)
			}
			patch.AutoDownload = &b
		case "enhanceSearch":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return patch, fmt.Errorf("enhanceSearch: %w", err)
			}
			patch.EnhanceSearch = &b
		case "quickAccess":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return patch, fmt.Errorf("quickAccess: %w", err)
			}
			patch.QuickAccess = &b
		case "downloadPath":
			path := value
			patch.DownloadPath = &path
		default:
			return patch, fmt.Errorf("unknown setting %q", key)
		}
	}
	return patch, nil
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the download history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			entries, err := client.History(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if entries == nil {
					entries = []coordinator.HistoryEntry{}
				}
				return printJSON(cmd.OutOrStdout(), entries)
			}
			return printHistory(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func printHistory(w io.Writer, entries []coordinator.HistoryEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no downloads yet")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTATUS\tTITLE\tURL")
	for _, entry := range entries {
		when := time.UnixMilli(entry.Timestamp).Format("2006-01-02 15:04")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", when, entry.Status, entry.Title, entry.URL)
	}
	return tw.Flush()
}

func newSearchCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search [query...]",
		Short: "Open the portal search page",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			return client.Search(cmd.Context(), strings.Join(args, " "))
		},
	}
}

func newOpenSettingsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open-settings",
		Short: "Open the control panel in the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			return client.OpenSettings(cmd.Context())
		},
	}
}

func newPaperCmd(opts *cliOptions, use, short string, msgType coordinator.MessageType) *cobra.Command {
	var paper coordinator.PaperDescriptor
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			paper.Timestamp = time.Now().UnixMilli()
			return client.Send(cmd.Context(), msgType, paper, nil)
		},
	}
	cmd.Flags().StringVar(&paper.Title, "title", "", "paper title")
	cmd.Flags().StringVar(&paper.Authors, "authors", "", "paper authors")
	cmd.Flags().StringVar(&paper.URL, "url", "", "page the paper was found on")
	cmd.Flags().StringVar(&paper.DownloadURL, "download-url", "", "direct download link")
	return cmd
}

func newAgentCmd(opts *cliOptions) *cobra.Command {
	var (
		origin        string
		reconnect     time.Duration
		quickDownload bool
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a page agent that mirrors settings for one portal page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := opts.bearer(httpapi.ContextAgent, "agent")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			agent, err := agentclient.NewPageAgent(agentclient.PageAgentOptions{
				Origin:         origin,
				Client:         agentclient.NewHTTPClient(opts.baseURL(), token, nil),
				Logger:         opts.logger,
				Reconnect:      reconnect,
				ReconnectRatio: 0.2,
				OnSettings: func(s coordinator.Settings) {
					opts.logger.Info("settings updated", "autoDownload", s.AutoDownload, "enhanceSearch", s.EnhanceSearch, "quickAccess", s.QuickAccess, "downloadPath", s.DownloadPath)
				},
				OnNotification: func(n coordinator.Notification) {
					fmt.Fprintf(out, "%s: %s\n", n.Title, n.Message)
				},
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if quickDownload {
				if err := agent.Refresh(ctx); err != nil {
					return err
				}
				paper, err := agent.QuickDownload(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, paper)
			}
			return agent.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "address of the portal page")
	cmd.Flags().DurationVar(&reconnect, "reconnect", 2*time.Second, "base delay between socket reconnects")
	cmd.Flags().BoolVar(&quickDownload, "quick-download", false, "fetch the page, download its paper and exit")
	_ = cmd.MarkFlagRequired("origin")
	return cmd
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(value)
}
