// Command memline inspects and recovers swap files and serves the memline
// HTTP API.
package main

import (
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/config"
	"github.com/oda/memline/internal/logger"
)

const version = "0.1.0"

// CLI defines the command-line interface.
var CLI struct {
	Config   string   `name:"config" short:"c" help:"Configuration file (.toml, .yaml or .yml)" type:"path"`
	LogLevel string   `name:"log-level" help:"Override the configured log level"`
	Dir      []string `name:"dir" short:"d" help:"Swap directory; may be repeated. Overrides the configured list" type:"path"`

	Info    InfoCmd    `cmd:"" help:"Show block 0 of swap files"`
	List    ListCmd    `cmd:"" help:"List the swap files of a file, or all swap files"`
	Recover RecoverCmd `cmd:"" help:"Recover the text of a file from its swap file"`
	Dump    DumpCmd    `cmd:"" help:"Print the block tree of a swap file"`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP API server"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// app is passed to every command.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

func newApp(path, level string, dirs []string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if level != "" {
		cfg.Logger.LogLevel = level
	}
	if len(dirs) > 0 {
		cfg.Swap.Dirs = dirs
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log}, nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("memline"),
		kong.Description("Crash-recoverable line store: swap file tools and API server"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	a, err := newApp(CLI.Config, CLI.LogLevel, CLI.Dir)
	ctx.FatalIfErrorf(err)
	defer a.log.Sync()

	err = ctx.Run(a)
	ctx.FatalIfErrorf(err)
}
