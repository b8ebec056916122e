// Command quiver runs the drive-folder QA system: the HTTP API server, the
// indexing worker pool, and operational tooling around the job queue.
//
// Usage:
//
//	quiver serve --config quiver.yaml
//	quiver worker --config quiver.yaml
//	quiver sync <folder-id>
//	quiver dlq list
package main

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/quiverhq/quiver/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP API server."`
	Worker  WorkerCmd  `cmd:"" help:"Start the indexing worker pool."`
	Sync    SyncCmd    `cmd:"" help:"Run one sync pass for a folder."`
	DLQ     DLQCmd     `cmd:"" name:"dlq" help:"Inspect and manage the dead-letter queue."`
	InitDB  InitDBCmd  `cmd:"" name:"init-db" help:"Create or migrate the database schema."`

	Config    string `short:"c" help:"Path to config file." default:"quiver.yaml" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
	LogFile   string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("quiver %s\n", version)
	return nil
}

func main() {
	// A missing .env is fine; explicit environment wins either way.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("quiver"),
		kong.Description("Drive-folder indexing and grounded question answering."),
		kong.UsageOnError(),
	)

	if err := setupLogging(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupLogging(cli *CLI) error {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return err
	}

	var output io.Writer = os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return err
		}
		// The process owns the file for its lifetime.
		_ = cleanup
		output = file
	}

	logger.Init(level, output, cli.LogFormat)
	return nil
}
