package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/server"
	"github.com/quiverhq/quiver/pkg/worker"
)

// signalContext returns a context canceled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()
	return ctx, cancel
}

// ServeCmd starts the HTTP API server.
type ServeCmd struct {
	Port int `help:"Override the configured listen port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.close()

	ingestor, err := app.buildIngestor()
	if err != nil {
		return err
	}
	answerer, err := app.buildAgent(ingestor)
	if err != nil {
		return err
	}

	cfg := server.Config{
		Host:                       app.cfg.Server.Host,
		Port:                       app.cfg.Server.Port,
		MaxRequestSizeBytes:        app.cfg.Server.MaxRequestSizeBytes,
		MaxChatMessageLength:       app.cfg.Server.MaxChatMessageLength,
		MaxConversationTitleLength: app.cfg.Server.MaxConversationTitleLength,
		SessionExpireHours:         app.cfg.Server.SessionExpireHours,
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}

	srv := server.New(cfg, app.store, answerer, app.buildSynchronizer(), app.analytics)
	return srv.Start(ctx)
}

// WorkerCmd starts the indexing worker pool.
type WorkerCmd struct {
	Concurrency int `help:"Override the configured worker concurrency."`
}

func (c *WorkerCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.close()

	ingestor, err := app.buildIngestor()
	if err != nil {
		return err
	}

	cfg := worker.PoolConfig{
		Concurrency:  app.cfg.Worker.Concurrency,
		PollInterval: app.cfg.Worker.PollInterval,
		SoftDeadline: app.cfg.Worker.SoftDeadline,
		HardDeadline: app.cfg.Worker.HardDeadline,
	}
	if c.Concurrency != 0 {
		cfg.Concurrency = c.Concurrency
	}

	return worker.NewPool(cfg, app.store, ingestor).Run(ctx)
}

// SyncCmd runs one sync pass for a folder.
type SyncCmd struct {
	FolderID string `arg:"" help:"Folder UUID to sync."`
}

func (c *SyncCmd) Run(cli *CLI) error {
	folderID, err := uuid.Parse(c.FolderID)
	if err != nil {
		return fmt.Errorf("invalid folder id %q", c.FolderID)
	}

	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.close()

	result, err := app.buildSynchronizer().Sync(ctx, folderID)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// InitDBCmd creates the database schema.
type InitDBCmd struct{}

func (c *InitDBCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.store.InitSchema(ctx); err != nil {
		return err
	}
	fmt.Println("schema initialized")
	return nil
}

// DLQCmd groups dead-letter queue operations.
type DLQCmd struct {
	List    DLQListCmd    `cmd:"" help:"List unresolved failed tasks."`
	Stats   DLQStatsCmd   `cmd:"" help:"Summarize unresolved failures by task."`
	Resolve DLQResolveCmd `cmd:"" help:"Mark a failed task as resolved."`
	Retry   DLQRetryCmd   `cmd:"" help:"Re-enqueue a failed indexing task and resolve its entry."`
}

// DLQListCmd lists unresolved failed tasks.
type DLQListCmd struct {
	Limit int `help:"Maximum entries to show." default:"50"`
}

func (c *DLQListCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.close()

	tasks, err := app.store.ListFailedTasks(ctx, c.Limit)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		fmt.Printf("%s  %-12s  retries=%d  %s  %s\n",
			t.FailedAt.Format("2006-01-02 15:04:05"), t.TaskName, t.Retries, t.TaskID, t.Message)
	}
	fmt.Printf("%d unresolved\n", len(tasks))
	return nil
}

// DLQStatsCmd summarizes unresolved failures.
type DLQStatsCmd struct{}

func (c *DLQStatsCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.close()

	stats, err := app.store.DLQStats(ctx)
	if err != nil {
		return err
	}
	for _, s := range stats {
		fmt.Printf("%-20s %d\n", s.TaskName, s.Count)
	}
	return nil
}

// DLQResolveCmd marks a failed task as resolved.
type DLQResolveCmd struct {
	TaskID string `arg:"" help:"Task ID of the dead-letter entry."`
	Notes  string `help:"Resolution notes." default:"resolved manually"`
}

func (c *DLQResolveCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.close()

	return app.store.ResolveFailedTask(ctx, c.TaskID, c.Notes)
}

// DLQRetryCmd re-enqueues the underlying indexing job of a failed task.
type DLQRetryCmd struct {
	TaskID string `arg:"" help:"Task ID of the dead-letter entry."`
}

func (c *DLQRetryCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.close()

	task, err := app.store.GetFailedTask(ctx, c.TaskID)
	if err != nil {
		return err
	}

	var args struct {
		FolderID uuid.UUID `json:"folder_id"`
		FileID   uuid.UUID `json:"file_id"`
	}
	if err := json.Unmarshal([]byte(task.Args), &args); err != nil {
		return fmt.Errorf("failed to decode task args: %w", err)
	}

	enqueued, err := app.store.EnqueueJob(ctx, args.FolderID, args.FileID, 0, app.cfg.Worker.MaxAttempts)
	if err != nil {
		return err
	}
	if !enqueued {
		fmt.Println("an active job already exists for this file")
	} else {
		fmt.Println("job re-enqueued")
	}
	return app.store.ResolveFailedTask(ctx, c.TaskID, "re-enqueued via dlq retry")
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
