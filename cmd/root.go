package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	u "net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/tanq16/aimlfetch/internal/fetcher"
	"github.com/tanq16/aimlfetch/internal/output"
	"github.com/tanq16/aimlfetch/internal/scheduler"
	"github.com/tanq16/aimlfetch/internal/utils"
)

var (
	sourcesDir     string
	workDir        string
	maxConcurrent  int
	force          bool
	dryRun         bool
	validateOnly   bool
	runTimeout     time.Duration
	requestTimeout time.Duration
	kaTimeout      time.Duration
	userAgent      string
	proxyURL       string
	proxyUsername  string
	proxyPassword  string
	headers        []string
	noProgress     bool
	debug          bool
)

var AIMLFetchVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "aimlfetch [collection...]",
	Short:   "AIMLFetch keeps local AIML collections in sync with their origins",
	Long:    "AIMLFetch downloads the AIML collections described under the sources directory,\nskipping files the origin reports unchanged and validating what it fetches.",
	Version: AIMLFetchVersion,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		godotenv.Load()
		if userAgent == "randomize" {
			userAgent = utils.GetRandomUserAgent()
		}
		// Check if proxy URL contains auth
		parsedProxy, err := u.Parse(proxyURL)
		if err == nil && parsedProxy.User != nil && proxyUsername == "" {
			proxyUsername = parsedProxy.User.Username()
			if password, set := parsedProxy.User.Password(); set {
				proxyPassword = password
			}
			// Remove auth from URL to send in clientConfig
			parsedProxy.User = nil
			proxyURL = parsedProxy.String()
		}
		httpClientConfig := utils.HTTPClientConfig{
			Timeout:        requestTimeout,
			KATimeout:      kaTimeout,
			ProxyURL:       proxyURL,
			ProxyUsername:  proxyUsername,
			ProxyPassword:  proxyPassword,
			UserAgent:      userAgent,
			Headers:        collectHeaders(),
			MaxConnections: maxConcurrent,
		}
		cfg := scheduler.Config{
			FS:            afero.NewOsFs(),
			Client:        utils.NewFetchHTTPClient(httpClientConfig),
			SourcesDir:    sourcesDir,
			WorkDir:       workDir,
			Collections:   args,
			Force:         force,
			MaxConcurrent: maxConcurrent,
			MaxFileSize:   utils.DefaultMaxFileSize,
			Policy:        fetcher.DefaultRetryPolicy(),
		}
		switch {
		case dryRun:
			if err := scheduler.DryRun(cfg); err != nil {
				output.PrintError(fmt.Sprintf("Error: %v", err))
				os.Exit(1)
			}
		case validateOnly:
			runValidation(cfg)
		default:
			runDownloads(cfg)
		}
	},
}

func runDownloads(cfg scheduler.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	if !noProgress && !debug {
		// The display owns the terminal; item failures reach it via Fail rows.
		utils.SetLogOutput(io.Discard)
		cfg.Display = output.NewManager()
		cfg.Display.StartDisplay()
	}
	stats, err := scheduler.Run(ctx, cfg)
	cfg.Display.StopDisplay()

	output.PrintSummary(stats)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			output.PrintError(fmt.Sprintf("Run timed out after %s", runTimeout))
		case errors.Is(err, context.Canceled):
			output.PrintError("Interrupted, partial progress was saved")
		default:
			output.PrintError(fmt.Sprintf("Error: %v", err))
		}
		os.Exit(1)
	}
	if stats.Failed > 0 {
		output.PrintError("Encountered failed download(s)")
		os.Exit(1)
	}
	output.PrintSuccess("All collections are up to date")
}

func runValidation(cfg scheduler.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vstats, err := scheduler.Validate(ctx, cfg)
	if err != nil {
		output.PrintError(fmt.Sprintf("Error: %v", err))
		os.Exit(1)
	}
	output.PrintValidationSummary(vstats)
	if !vstats.Clean() {
		os.Exit(1)
	}
}

// collectHeaders merges static headers from the environment with -H flags,
// flags winning on conflicts.
func collectHeaders() map[string]string {
	merged := utils.ParseHeaderArgs(strings.Split(os.Getenv(utils.HeadersEnv), ","))
	for k, v := range utils.ParseHeaderArgs(headers) {
		merged[k] = v
	}
	return merged
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&sourcesDir, "sources", "s", utils.DefaultSourcesDir, "Directory containing collection definitions (YAML)")
	rootCmd.Flags().StringVarP(&workDir, "work-dir", "w", utils.DefaultWorkDir, "Directory for downloads and metadata")
	rootCmd.Flags().IntVarP(&maxConcurrent, "max-concurrent", "c", utils.DefaultMaxConcurrent, "Maximum concurrent HTTP requests")
	rootCmd.Flags().BoolVarP(&force, "force", "f", false, "Re-download files even when the origin reports them unchanged")
	rootCmd.Flags().DurationVarP(&runTimeout, "timeout", "t", utils.DefaultRunTimeout, "Overall run deadline (eg. 90s, 10m)")
	rootCmd.Flags().DurationVar(&requestTimeout, "request-timeout", utils.DefaultRequestTimeout, "Per-request timeout (eg. 30s, 5m)")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", utils.DefaultKATimeout, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser one)")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")

	// flags without shorthand
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "List what would be downloaded without fetching anything")
	rootCmd.Flags().BoolVar(&validateOnly, "validate-only", false, "Validate previously downloaded files without fetching")
	rootCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the live progress display")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
