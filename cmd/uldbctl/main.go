// uldbctl manages the registry of a replicated location database and can
// run the health monitor as a standalone process.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/kamailio/kamailio-sub007/internal/config"
	"github.com/kamailio/kamailio-sub007/pkg/utils"
)

// Globals are the options shared by every command.
type Globals struct {
	Config   string `kong:"help='Configuration file',short='c',type='path'"`
	LogLevel string `kong:"help='Log level override (DEBUG, INFO, WARN, ERROR)',short='l'"`

	Out io.Writer `kong:"-"`
}

type parameters struct {
	Globals Globals `kong:"embed"`

	Schema  SchemaCommand  `kong:"cmd,help='Create the registry table and the location table on backends'"`
	Seed    SeedCommand    `kong:"cmd,help='Add a slot to the registry'"`
	Status  StatusCommand  `kong:"cmd,help='List the slots in the registry'"`
	Resolve ResolveCommand `kong:"cmd,help='Show the shard a key maps to'"`
	Check   CheckCommand   `kong:"cmd,help='Run one health check round over every shard'"`
	Run     RunCommand     `kong:"cmd,help='Run the health monitor and serve metrics'"`
}

// load reads the configuration file and the environment overrides and sets
// up logging.
func (g *Globals) load() (*config.Configuration, *logrus.Logger, error) {
	cfg := config.NewDefault()
	if g.Config != "" {
		if err := cfg.LoadFromFile(g.Config); err != nil {
			return nil, nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, nil, err
	}
	if g.LogLevel != "" {
		cfg.Global.LogLevel = g.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := utils.NewLogger(utils.LogOptions{
		Level:      cfg.Global.LogLevel,
		File:       cfg.Global.LogFile,
		Format:     utils.LogFormat(cfg.Global.LogFormat),
		MaxSizeMB:  cfg.Global.LogMaxSize,
		MaxBackups: cfg.Global.LogMaxBackups,
		Compress:   cfg.Global.LogCompress,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func run(args []string, out io.Writer) error {
	var params parameters
	k, err := kong.New(&params, kong.Name("uldbctl"),
		kong.Description("Replicated location database control utility"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: false,
		}))
	if err != nil {
		return err
	}
	ctx, err := k.Parse(args)
	if err != nil {
		return err
	}
	params.Globals.Out = out
	return ctx.Run(&params.Globals)
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
