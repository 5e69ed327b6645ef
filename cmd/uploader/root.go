package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/lgulliver/darkroom/internal/orchestrator"
	"github.com/lgulliver/darkroom/internal/queue"
	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// settings are the uploader options after flags, env and the config file
// have been merged
type settings struct {
	GatewayURL        string
	SessionCookie     string
	SessionToken      string
	DeviceTokenHeader string
	DeviceToken       string
	RouteHeader       string
	Route             string
	VersionHeader     string
	ClientVersion     string
	QueuePath         string
	SpoolDir          string
	Timeout           time.Duration
	Limits            config.UploadLimits
	Logging           config.LoggingConfig
}

// cli carries state shared by the subcommands
type cli struct {
	v   *viper.Viper
	out io.Writer
}

func newRootCommand(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}

	rootCmd := &cobra.Command{
		Use:           "darkroom-uploader",
		Short:         "Queue captures and deliver them to the darkroom upload gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig(cmd)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default ./darkroom-uploader.yaml)")
	flags.String("gateway", "http://localhost:8080", "Upload gateway base URL")
	flags.String("queue", defaultDataPath("queue.db"), "Queue database file")
	flags.String("spool", defaultDataPath("spool"), "Directory holding staged copies of queued captures")
	flags.String("session-token", "", "Session token sent as the session cookie")
	flags.String("device-token", "", "Device token sent in the device token header")
	flags.String("route", "", "Routing override sent to the gateway (native, canary or proxy)")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "console", "Log format (console or json)")

	for _, name := range []string{"gateway", "queue", "spool", "session-token", "device-token", "route", "log-level", "log-format"} {
		// BindPFlag only fails for a nil flag
		_ = c.v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	rootCmd.AddCommand(newEnqueueCommand(c))
	rootCmd.AddCommand(newStatusCommand(c))
	rootCmd.AddCommand(newTagCommand(c))
	rootCmd.AddCommand(newUploadCommand(c))
	rootCmd.AddCommand(newRetryCommand(c))

	return rootCmd
}

func defaultDataPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, "darkroom", name)
}

func (c *cli) loadConfig(cmd *cobra.Command) error {
	c.v.SetEnvPrefix("DARKROOM")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	c.v.AutomaticEnv()

	if file, _ := cmd.Flags().GetString("config"); file != "" {
		c.v.SetConfigFile(file)
	} else {
		c.v.SetConfigName("darkroom-uploader")
		c.v.SetConfigType("yaml")
		c.v.AddConfigPath(".")
		c.v.AddConfigPath(filepath.Dir(defaultDataPath("x")))
	}

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	s := c.settings()
	s.Logging.SetupLogging()
	return nil
}

// settings resolves the merged configuration. Upload ceilings start from
// the shared environment surface and may be overridden per uploader.
func (c *cli) settings() settings {
	limits := config.LoadUploadLimitsFromEnv()
	if raw := c.v.GetString("max_file_size"); raw != "" {
		if size, err := units.RAMInBytes(raw); err == nil && size > 0 {
			limits.MaxFileSize = size
		}
	}
	if n := c.v.GetInt("max_batch_items"); n > 0 {
		limits.MaxBatchItems = n
	}
	if n := c.v.GetInt("max_attempts"); n > 0 {
		limits.MaxAttempts = n
	}
	if d := c.v.GetDuration("base_delay"); d > 0 {
		limits.BaseDelay = d
	}
	if n := c.v.GetInt("concurrency"); n > 0 {
		limits.Concurrency = n
	}

	timeout := c.v.GetDuration("timeout")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return settings{
		GatewayURL:        c.v.GetString("gateway"),
		SessionCookie:     stringOr(c.v.GetString("session_cookie"), "darkroom_session"),
		SessionToken:      c.v.GetString("session_token"),
		DeviceTokenHeader: stringOr(c.v.GetString("device_token_header"), "X-Device-Token"),
		DeviceToken:       c.v.GetString("device_token"),
		RouteHeader:       stringOr(c.v.GetString("route_header"), "X-Upload-Route"),
		Route:             c.v.GetString("route"),
		VersionHeader:     stringOr(c.v.GetString("version_header"), "X-Client-Version"),
		ClientVersion:     stringOr(c.v.GetString("client_version"), version),
		QueuePath:         c.v.GetString("queue"),
		SpoolDir:          c.v.GetString("spool"),
		Timeout:           timeout,
		Limits:            limits,
		Logging: config.LoggingConfig{
			Level:  c.v.GetString("log_level"),
			Format: c.v.GetString("log_format"),
		},
	}
}

func stringOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (c *cli) openQueue() (*queue.Store, settings, error) {
	s := c.settings()
	if err := os.MkdirAll(filepath.Dir(s.QueuePath), 0o755); err != nil {
		return nil, s, fmt.Errorf("failed to create queue directory: %w", err)
	}
	store, err := queue.Open(s.QueuePath)
	if err != nil {
		return nil, s, err
	}
	return store, s, nil
}

func (c *cli) newOrchestrator(store *queue.Store, s settings) *orchestrator.Orchestrator {
	client := orchestrator.NewClient(orchestrator.ClientConfig{
		BaseURL:           s.GatewayURL,
		SessionCookie:     s.SessionCookie,
		SessionToken:      s.SessionToken,
		DeviceTokenHeader: s.DeviceTokenHeader,
		DeviceToken:       s.DeviceToken,
		RouteHeader:       s.RouteHeader,
		Route:             s.Route,
		VersionHeader:     s.VersionHeader,
		ClientVersion:     s.ClientVersion,
		Timeout:           s.Timeout,
		RateLimitRetries:  3,
	})
	return orchestrator.New(store, client, &s.Limits, orchestrator.Spool{Dir: s.SpoolDir})
}
