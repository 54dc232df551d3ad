// Package cli implements couchctl, the command-line front end for the couch
// client library. It wraps Get, View, Find, Subscribe, and Replicate behind
// cobra subcommands, loading connection settings from flags, environment
// variables, and an optional config file in the teacher's viper idiom.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"couch.evalgo.org/common"
	"couch.evalgo.org/config"
	"couch.evalgo.org/couch"
)

var cfgFile string

var log = common.ServiceLogger("couchctl", "0.1.0")

// RootCmd is the couchctl entry point. Each subcommand builds its own
// client from the resolved configuration, since commands vary in which
// parts of it they need (e.g. only watch uses the backoff settings).
var RootCmd = &cobra.Command{
	Use:   "couchctl",
	Short: "couchctl is a command-line client for a document-oriented JSON database",
	Long: `couchctl drives the couch client library from the shell: fetch a
document, page a view, run a Mango query, tail the change feed, or manage
a replication job.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.couchctl.yaml)")
	RootCmd.PersistentFlags().String("url", "http://localhost:5984", "database base URL")
	RootCmd.PersistentFlags().String("database", "", "database name")
	RootCmd.PersistentFlags().String("username", "", "basic auth username")
	RootCmd.PersistentFlags().String("password", "", "basic auth password")
	RootCmd.PersistentFlags().Bool("insecure-skip-verify", false, "skip TLS certificate verification")
	RootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "per-request HTTP timeout")
	RootCmd.PersistentFlags().String("request-id", "", "correlation id attached to every request this invocation makes (auto-generated when omitted)")
	RootCmd.PersistentFlags().String("log-level", "", "client logger level: debug, info, warn, error, fatal")
	RootCmd.PersistentFlags().String("log-format", "", "client logger format: text or json")

	viper.BindPFlag("url", RootCmd.PersistentFlags().Lookup("url"))
	viper.BindPFlag("database", RootCmd.PersistentFlags().Lookup("database"))
	viper.BindPFlag("username", RootCmd.PersistentFlags().Lookup("username"))
	viper.BindPFlag("password", RootCmd.PersistentFlags().Lookup("password"))
	viper.BindPFlag("insecure_skip_verify", RootCmd.PersistentFlags().Lookup("insecure-skip-verify"))
	viper.BindPFlag("timeout", RootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("request_id", RootCmd.PersistentFlags().Lookup("request-id"))
	viper.BindPFlag("log_level", RootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", RootCmd.PersistentFlags().Lookup("log-format"))

	RootCmd.AddCommand(getCmd)
	RootCmd.AddCommand(viewCmd)
	RootCmd.AddCommand(findCmd)
	RootCmd.AddCommand(watchCmd)
	RootCmd.AddCommand(replicateCmd)
}

// initConfig wires viper's search path and environment binding. Flags take
// precedence, then COUCH_* environment variables, then the config file.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".couchctl")
	}

	viper.SetEnvPrefix("couch")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.WithField("config_file", viper.ConfigFileUsed()).Debug("loaded config file")
	}
}

// logResolvedConfig emits the connection settings a subcommand resolved,
// with the password masked rather than omitted so misconfiguration (wrong
// user, wrong host) is still diagnosable from the log line.
func logResolvedConfig(cfg config.ClientConfig) {
	log.WithFields(map[string]interface{}{
		"url":      cfg.URL,
		"database": cfg.Database,
		"username": cfg.Username,
		"password": common.MaskSecret(cfg.Password),
	}).Debug("resolved client configuration")
}

// resolveClientConfig builds a config.ClientConfig from viper's merged view
// of flags, config file, and environment, then validates the URL and the
// database name. The pool size, batch size, heartbeat and backoff settings
// are fixed values here rather than read from viper.
func resolveClientConfig() (config.ClientConfig, error) {
	cfg := config.ClientConfig{
		URL:                viper.GetString("url"),
		Database:           viper.GetString("database"),
		Username:           viper.GetString("username"),
		Password:           viper.GetString("password"),
		InsecureSkipVerify: viper.GetBool("insecure_skip_verify"),
		MaxConnections:     10,
		Timeout:            viper.GetDuration("timeout"),
		BulkBatchSize:      500,
		ChangesHeartbeat:   10 * time.Second,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         2 * time.Minute,
		BackoffFactor:      2.0,
		LogLevel:           viper.GetString("log_level"),
		LogFormat:          viper.GetString("log_format"),
	}

	validator := config.NewValidator()
	validator.RequireURL("url", cfg.URL)
	validator.RequireString("database", cfg.Database)
	if err := validator.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newClient() (*couch.Client, error) {
	cfg, err := resolveClientConfig()
	if err != nil {
		return nil, err
	}
	logResolvedConfig(cfg)
	return couch.NewClient(cfg), nil
}

// resolveRequestID returns the id supplied via --request-id, or a freshly
// generated one when the caller didn't ask for a specific id.
func resolveRequestID() string {
	if id := viper.GetString("request_id"); id != "" {
		return id
	}
	return couch.NewCorrelationID()
}

// requestContext attaches a correlation id to cmd's context so every
// request this invocation makes carries the same X-Request-ID. Subcommands
// use this instead of cmd.Context() directly.
func requestContext(cmd *cobra.Command) context.Context {
	return couch.WithCorrelationID(cmd.Context(), resolveRequestID())
}

// interruptContext returns a context cancelled on SIGINT/SIGTERM, for the
// long-running watch and replicate commands.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("received interrupt, shutting down")
		cancel()
	}()
	return ctx, cancel
}

// printJSON writes v to stdout as indented JSON, the uniform output format
// across all subcommands.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var getCmd = &cobra.Command{
	Use:   "get <doc-id>",
	Short: "Fetch a single document by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var doc json.RawMessage
		found, err := c.Get(requestContext(cmd), args[0], &doc)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("document %q not found", args[0])
		}
		return printJSON(doc)
	},
}

var (
	viewDesignDoc   string
	viewName        string
	viewKey         string
	viewIncludeDocs bool
	viewLimit       int
	viewDescending  bool
	viewReduce      string
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Query a map/reduce view and stream its rows as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		q := couch.ViewQuery{
			DesignDoc:   viewDesignDoc,
			View:        viewName,
			IncludeDocs: viewIncludeDocs,
			Limit:       viewLimit,
			Descending:  viewDescending,
		}
		if viewKey != "" {
			q.Key = json.RawMessage(viewKey)
		}
		switch viewReduce {
		case "true":
			q.Reduce = common.Ptr(true)
		case "false":
			q.Reduce = common.Ptr(false)
		}

		events, errs, cancel := couch.View[json.RawMessage, json.RawMessage, json.RawMessage](requestContext(cmd), c, q)
		defer cancel()

		for events != nil || errs != nil {
			select {
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Kind == couch.EventRow {
					if err := printJSON(ev.Row); err != nil {
						return err
					}
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					return err
				}
			}
		}
		return nil
	},
}

var (
	findSelector string
	findLimit    int
)

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Run a Mango selector query and stream matching documents as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if findSelector == "" {
			return fmt.Errorf("--selector is required, e.g. --selector '{\"type\":\"widget\"}'")
		}

		builder := couch.NewQueryBuilder()
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(findSelector), &raw); err != nil {
			return fmt.Errorf("invalid --selector JSON: %w", err)
		}
		for field, value := range raw {
			builder.Eq(field, value)
		}
		if findLimit > 0 {
			builder.Limit(findLimit)
		}
		q := builder.Build()

		results, errs := couch.Find[json.RawMessage](requestContext(cmd), c, q)
		for results != nil || errs != nil {
			select {
			case r, ok := <-results:
				if !ok {
					results = nil
					continue
				}
				if r.HasDoc {
					if err := printJSON(r.Doc); err != nil {
						return err
					}
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					return err
				}
			}
		}
		return nil
	},
}

var watchSince string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the continuous change feed, printing one JSON line per change",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		cfg, err := resolveClientConfig()
		if err != nil {
			return err
		}

		ctx, cancel := interruptContext()
		defer cancel()
		ctx = couch.WithCorrelationID(ctx, resolveRequestID())

		since := watchSince
		if since == "" {
			since = "now"
		}

		out, errs := couch.Subscribe[json.RawMessage](ctx, c, couch.SubscribeOptions[json.RawMessage]{
			Since:          since,
			Heartbeat:      cfg.ChangesHeartbeat,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			BackoffFactor:  cfg.BackoffFactor,
		})

		for out != nil || errs != nil {
			select {
			case ch, ok := <-out:
				if !ok {
					out = nil
					continue
				}
				if err := printJSON(ch); err != nil {
					return err
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					log.WithError(err).Warn("change feed error")
				}
			}
		}
		return nil
	},
}

var (
	replicateSource     string
	replicateTarget     string
	replicateContinuous bool
	replicateCancelID   string
	replicateStatus     bool
)

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Start, cancel, or report on replication jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := requestContext(cmd)

		switch {
		case replicateStatus:
			jobs, err := couch.SchedulerJobs(ctx, c)
			if err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Printf("%s\t%s\t%s\n", job.ID, job.State, job.ProgressSummary())
			}
			return nil

		case replicateCancelID != "":
			result, err := couch.Cancel(ctx, c, replicateCancelID)
			if err != nil {
				return err
			}
			return printJSON(result)

		default:
			if replicateSource == "" || replicateTarget == "" {
				return fmt.Errorf("--source and --target are required to start a replication")
			}
			result, err := couch.Replicate(ctx, c, couch.ReplicationCommand{
				Source:     replicateSource,
				Target:     replicateTarget,
				Continuous: replicateContinuous,
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		}
	},
}

func init() {
	viewCmd.Flags().StringVar(&viewDesignDoc, "design-doc", "", "design document name (empty for _all_docs)")
	viewCmd.Flags().StringVar(&viewName, "view", "", "view name (empty for _all_docs)")
	viewCmd.Flags().StringVar(&viewKey, "key", "", "JSON-encoded key to query")
	viewCmd.Flags().BoolVar(&viewIncludeDocs, "include-docs", false, "include full documents in each row")
	viewCmd.Flags().IntVar(&viewLimit, "limit", 0, "maximum rows to return")
	viewCmd.Flags().BoolVar(&viewDescending, "descending", false, "reverse row order")
	viewCmd.Flags().StringVar(&viewReduce, "reduce", "", "force reduce on/off (\"true\" or \"false\"; default lets the server decide)")

	findCmd.Flags().StringVar(&findSelector, "selector", "", "JSON object of equality predicates, e.g. '{\"type\":\"widget\"}'")
	findCmd.Flags().IntVar(&findLimit, "limit", 0, "maximum documents to return")

	watchCmd.Flags().StringVar(&watchSince, "since", "now", "sequence to resume from (\"now\" or \"0\")")

	replicateCmd.Flags().StringVar(&replicateSource, "source", "", "replication source database URL")
	replicateCmd.Flags().StringVar(&replicateTarget, "target", "", "replication target database URL")
	replicateCmd.Flags().BoolVar(&replicateContinuous, "continuous", false, "run as a continuous replication")
	replicateCmd.Flags().StringVar(&replicateCancelID, "cancel", "", "cancel the replication document with this id")
	replicateCmd.Flags().BoolVar(&replicateStatus, "status", false, "list scheduler jobs and their progress")
}
