package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gotalk/pkg/logging"
	"github.com/NicolasHaas/gotalk/pkg/server"
	"github.com/NicolasHaas/gotalk/pkg/store"
	"github.com/NicolasHaas/gotalk/pkg/version"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "gotalk-server: %v\n", err)
		os.Exit(1)
	}
}

// options is the parsed command line.
type options struct {
	cfg         server.Config
	history     string
	showVersion bool
	help        bool
}

// parseOptions resolves the server config. Precedence, lowest first:
// defaults, config file, GOTALK_* environment, explicit flags.
func parseOptions(args []string) (options, error) {
	var opts options
	opts.cfg = server.DefaultConfig()
	cfg := &opts.cfg

	fs := pflag.NewFlagSet("gotalk-server", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "YAML or TOML config file")
	fs.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "TCP relay bind address")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP bind address for /metrics and admin endpoints (empty to disable)")
	fs.BoolVar(&cfg.WebSocket, "websocket", cfg.WebSocket, "Serve the relay over /ws on the HTTP address")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "SQLite presence journal path (empty keeps it in memory)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-send write deadline")
	fs.DurationVar(&cfg.MetricsLogInterval, "metrics-log-interval", cfg.MetricsLogInterval, "Interval between metrics log summaries (0 to disable)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+logging.LevelNames())
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.StringVar(&opts.history, "export-history", "", "Print the presence history of a user as YAML and exit")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			opts.help = true
			return opts, nil
		}
		return opts, err
	}

	// Remember what the user typed before the file and env replace cfg.
	explicit := make(map[string]string)
	fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = f.Value.String() })

	loaded, err := server.LoadConfig(*configPath)
	if err != nil {
		return opts, err
	}
	*cfg = loaded
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil || opts.help {
		return err
	}
	if opts.showVersion {
		fmt.Fprintln(out, version.Full())
		return nil
	}
	cfg := opts.cfg

	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	journal, err := store.New(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	if opts.history != "" {
		defer journal.Close()
		return exportHistory(ctx, journal, opts.history, out)
	}

	log.Info().Str("version", version.String()).Msg("starting GoTalk server")
	srv := server.New(cfg, server.Dependencies{Journal: journal})
	return srv.Run(ctx)
}

// historyExport is the YAML document printed by --export-history.
type historyExport struct {
	User   string         `yaml:"user"`
	Events []historyEntry `yaml:"events"`
}

type historyEntry struct {
	State    string `yaml:"state"`
	Endpoint string `yaml:"endpoint,omitempty"`
	At       string `yaml:"at"`
}

func exportHistory(ctx context.Context, journal store.Journal, user string, out io.Writer) error {
	events, err := journal.History(ctx, user, 0)
	if err != nil {
		return fmt.Errorf("export history: %w", err)
	}
	doc := historyExport{User: user, Events: []historyEntry{}}
	for _, ev := range events {
		doc.Events = append(doc.Events, historyEntry{
			State:    ev.State.String(),
			Endpoint: string(ev.Endpoint),
			At:       ev.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("export history: %w", err)
	}
	_, err = out.Write(data)
	return err
}
