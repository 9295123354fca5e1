// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

// setupCommand handles first-run setup.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Create config.toml if missing, initialize the database and run migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.toml",
			},
		},
		Action: r.Setup,
	}
}

// registerCommand handles batch registration.
func registerCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "register",
		Aliases: []string{"reg"},
		Usage:   "Register accounts in concurrent batches",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run a batch in the foreground and print its event log",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "count",
						Aliases:  []string{"n"},
						Usage:    "Number of accounts to register",
						Required: true,
					},
					&cli.IntFlag{
						Name:    "concurrency",
						Aliases: []string{"c"},
						Usage:   "Workflows per wave (default: stored setting)",
					},
					&cli.BoolFlag{
						Name:  "tui",
						Usage: "Show the interactive progress monitor",
					},
					&cli.BoolFlag{
						Name:    "quiet",
						Aliases: []string{"q"},
						Usage:   "Only print the summary",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output the summary as JSON",
					},
				},
				Action: r.RegisterRun,
			},
		},
	}
}

// accountsCommand handles stored account operations.
func accountsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "accounts",
		Aliases: []string{"acc"},
		Usage:   "Inspect, export and maintain stored accounts",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List stored accounts",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "prefix",
						Usage: "Only accounts whose email starts with prefix",
					},
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status (unknown, active, inactive)",
					},
					&cli.BoolFlag{
						Name:  "missing-key",
						Usage: "Only accounts without an API key",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of accounts to return",
						Value: 50,
					},
					&cli.IntFlag{
						Name:  "offset",
						Usage: "Number of accounts to skip",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
					&cli.BoolFlag{
						Name:  "pretty",
						Usage: "Pretty-print output",
						Value: true,
					},
				},
				Action: r.AccountsList,
			},
			{
				Name:  "stats",
				Usage: "Show account totals by key presence and status",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.AccountsStats,
			},
			{
				Name:  "export",
				Usage: "Export accounts to a txt, csv or json file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Export format (txt, csv, json)",
						Value:   "txt",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path (default: accounts_<timestamp>.<format>)",
					},
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status",
					},
					&cli.BoolFlag{
						Name:  "missing-key",
						Usage: "Only accounts without an API key",
					},
				},
				Action: r.AccountsExport,
			},
			{
				Name:  "import",
				Usage: "Import accounts from a txt, csv or json file",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "path"},
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Import format (default: from file extension)",
					},
				},
				Action: r.AccountsImport,
			},
			{
				Name:  "delete",
				Usage: "Delete an account by email",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "email"},
				},
				Action: r.AccountsDelete,
			},
			{
				Name:   "refetch",
				Usage:  "Retry API key issuance for accounts without one",
				Flags:  maintenanceFlags(),
				Action: r.AccountsRefetch,
			},
			{
				Name:   "check",
				Usage:  "Check whether stored tokens still authenticate",
				Flags:  maintenanceFlags(),
				Action: r.AccountsCheck,
			},
			{
				Name:   "prune",
				Usage:  "Delete accounts marked inactive",
				Action: r.AccountsPrune,
			},
		},
	}
}

func maintenanceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "email",
			Aliases: []string{"e"},
			Usage:   "Limit to these accounts (repeatable)",
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Concurrent workers (max 10)",
			Value: 5,
		},
		&cli.FloatFlag{
			Name:  "rate",
			Usage: "Requests per second",
			Value: 5,
		},
	}
}

// configCommand handles stored pipeline settings.
func configCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show and change pipeline settings",
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the stored settings",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.ConfigShow,
			},
			{
				Name:      "set",
				Usage:     "Update settings, e.g. config set concurrency=5 skip_api_key=true",
				ArgsUsage: "key=value...",
				Action:    r.ConfigSet,
			},
			{
				Name:   "reset",
				Usage:  "Restore the settings from config.toml",
				Action: r.ConfigReset,
			},
		},
	}
}

// serveCommand runs the HTTP control server.
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the control API and event stream over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (default: server.host:server.port)",
			},
		},
		Action: r.Serve,
	}
}

// migrateCommand handles schema migrations.
func migrateCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage database migrations",
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply pending migrations",
				Action: r.MigrateUp,
			},
			{
				Name:   "down",
				Usage:  "Roll back the latest migration",
				Action: r.MigrateDown,
			},
			{
				Name:   "status",
				Usage:  "List migrations and whether they are applied",
				Action: r.MigrateStatus,
			},
		},
	}
}

// tuiCommand runs a batch inside the terminal monitor.
func tuiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "tui",
		Usage: "Run a batch with an interactive progress monitor",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "count",
				Aliases:  []string{"n"},
				Usage:    "Number of accounts to register",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Aliases: []string{"c"},
				Usage:   "Workflows per wave (default: stored setting)",
			},
		},
		Action: r.TUI,
	}
}
