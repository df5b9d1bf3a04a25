// Command docctl administers a docworker deployment: schema migrations,
// manual job control and API keys.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/docworker/internal/api/middleware"
	"github.com/kiranshivaraju/docworker/internal/config"
	"github.com/kiranshivaraju/docworker/internal/queue"
	"github.com/kiranshivaraju/docworker/internal/store"
	"github.com/kiranshivaraju/docworker/internal/strategy"
	"github.com/kiranshivaraju/docworker/pkg/models"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	dbFlag := &cli.StringFlag{
		Name:     "database-url",
		Usage:    "PostgreSQL connection URL",
		EnvVars:  []string{"DATABASE_URL"},
		Required: true,
	}
	tenantFlag := &cli.StringFlag{
		Name:  "tenant",
		Usage: "Tenant ID (defaults to the default tenant)",
	}

	return &cli.App{
		Name:  "docctl",
		Usage: "Administer the docworker job queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Apply pending database migrations",
				Flags:  []cli.Flag{dbFlag},
				Action: migrateCommand,
			},
			{
				Name:      "enqueue",
				Usage:     "Queue a processing job for a document",
				ArgsUsage: "<document-id>",
				Action:    enqueueCommand,
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{
						Name:  "kind",
						Usage: "Job kind (document_processing, document_reprocessing, bulk_processing)",
						Value: models.JobKindProcessing,
					},
					&cli.StringFlag{
						Name:  "strategy",
						Usage: "Force a strategy by name instead of matching the document type",
					},
					&cli.IntFlag{
						Name:  "priority",
						Usage: "Higher runs first",
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Attempts before the job fails",
						Value: 3,
					},
				},
			},
			{
				Name:      "status",
				Usage:     "Show a job's status",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{dbFlag, tenantFlag},
				Action:    statusCommand,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending or running job",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{dbFlag, tenantFlag},
				Action:    cancelCommand,
			},
			{
				Name:  "list",
				Usage: "List recent jobs",
				Flags: []cli.Flag{
					dbFlag,
					tenantFlag,
					&cli.StringFlag{Name: "status", Usage: "Only jobs in this status"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum jobs to show", Value: 20},
				},
				Action: listCommand,
			},
			{
				Name:   "strategies",
				Usage:  "List the built-in processing strategies",
				Action: strategiesCommand,
			},
			{
				Name:  "keys",
				Usage: "Manage API keys",
				Subcommands: []*cli.Command{
					{
						Name:  "create",
						Usage: "Create an API key and print it once",
						Flags: []cli.Flag{
							dbFlag,
							tenantFlag,
							&cli.StringFlag{Name: "name", Usage: "Key label", Required: true},
							&cli.StringSliceFlag{Name: "scope", Usage: "Scope granted to the key", Value: cli.NewStringSlice("jobs")},
						},
						Action: createKeyCommand,
					},
				},
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	switch strings.ToLower(c.String("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", c.String("log-level"))
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// openStore connects with the same pool settings the server uses.
func openStore(c *cli.Context) (*store.PostgresStore, func(), error) {
	pool, err := store.Connect(c.Context, config.DatabaseConfig{
		URL:          c.String("database-url"),
		MaxOpenConns: 4,
		MaxIdleConns: 1,
	})
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func resolveTenant(ctx context.Context, c *cli.Context, st store.KeyStore) (uuid.UUID, error) {
	if v := c.String("tenant"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid tenant id: %w", err)
		}
		return id, nil
	}
	t, err := st.GetDefaultTenant(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load default tenant: %w", err)
	}
	return t.ID, nil
}

func uuidArg(c *cli.Context, name string) (uuid.UUID, error) {
	if c.NArg() != 1 {
		return uuid.Nil, fmt.Errorf("expected exactly one <%s> argument", name)
	}
	id, err := uuid.Parse(c.Args().First())
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return id, nil
}

func migrateCommand(c *cli.Context) error {
	if err := store.RunMigrations(c.String("database-url")); err != nil {
		return err
	}
	slog.Info("migrations applied")
	return nil
}

func enqueueCommand(c *cli.Context) error {
	docID, err := uuidArg(c, "document-id")
	if err != nil {
		return err
	}
	if hint := c.String("strategy"); hint != "" {
		reg, err := strategy.NewDefaultRegistry()
		if err != nil {
			return err
		}
		if _, ok := reg.Get(hint); !ok {
			return fmt.Errorf("unknown strategy %q (have %s)", hint, strings.Join(reg.List(), ", "))
		}
	}
	st, closeFn, err := openStore(c)
	if err != nil {
		return err
	}
	defer closeFn()

	priority, maxRetries := c.Int("priority"), c.Int("max-retries")
	svc := queue.NewService(st, nil, config.JobsConfig{DefaultMaxRetries: maxRetries}, 0)
	job, err := svc.Enqueue(c.Context, queue.EnqueueRequest{
		DocumentID:   docID,
		Kind:         c.String("kind"),
		StrategyHint: c.String("strategy"),
		Priority:     &priority,
		MaxRetries:   &maxRetries,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, job.ID)
	return nil
}

func statusCommand(c *cli.Context) error {
	jobID, err := uuidArg(c, "job-id")
	if err != nil {
		return err
	}
	st, closeFn, err := openStore(c)
	if err != nil {
		return err
	}
	defer closeFn()

	tenantID, err := resolveTenant(c.Context, c, st)
	if err != nil {
		return err
	}
	job, err := st.GetJob(c.Context, jobID, tenantID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	return printJSON(c.App.Writer, job.StatusView())
}

func cancelCommand(c *cli.Context) error {
	jobID, err := uuidArg(c, "job-id")
	if err != nil {
		return err
	}
	st, closeFn, err := openStore(c)
	if err != nil {
		return err
	}
	defer closeFn()

	tenantID, err := resolveTenant(c.Context, c, st)
	if err != nil {
		return err
	}
	ok, err := st.CancelJob(c.Context, jobID, tenantID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s has already finished", jobID)
	}
	fmt.Fprintf(c.App.Writer, "cancelled %s\n", jobID)
	return nil
}

func listCommand(c *cli.Context) error {
	status := c.String("status")
	if status != "" && !validStatus(status) {
		return fmt.Errorf("unknown status %q", status)
	}
	st, closeFn, err := openStore(c)
	if err != nil {
		return err
	}
	defer closeFn()

	tenantID, err := resolveTenant(c.Context, c, st)
	if err != nil {
		return err
	}
	jobs, total, err := st.ListJobs(c.Context, store.JobFilter{
		TenantID: tenantID,
		Status:   status,
		Limit:    c.Int("limit"),
	})
	if err != nil {
		return err
	}
	return printJobs(c.App.Writer, jobs, total)
}

func strategiesCommand(c *cli.Context) error {
	reg, err := strategy.NewDefaultRegistry()
	if err != nil {
		return err
	}
	def, _ := reg.Default()
	for _, name := range reg.List() {
		marker := ""
		if def != nil && name == def.Name() {
			marker = " (default)"
		}
		fmt.Fprintf(c.App.Writer, "%s%s\n", name, marker)
	}
	return nil
}

func createKeyCommand(c *cli.Context) error {
	st, closeFn, err := openStore(c)
	if err != nil {
		return err
	}
	defer closeFn()

	tenantID, err := resolveTenant(c.Context, c, st)
	if err != nil {
		return err
	}
	rawKey, key, err := mw.GenerateAPIKey(tenantID, c.String("name"), c.StringSlice("scope"))
	if err != nil {
		return err
	}
	if err := st.CreateAPIKey(c.Context, key); err != nil {
		return err
	}
	slog.Info("api key created", "key_id", key.ID, "key_prefix", key.KeyPrefix, "tenant_id", tenantID)
	fmt.Fprintln(c.App.Writer, rawKey)
	return nil
}

func validStatus(s string) bool {
	for _, st := range models.JobStatuses {
		if st == s {
			return true
		}
	}
	return false
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobs(w io.Writer, jobs []*models.Job, total int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\n",
			j.ID, j.Kind, j.Status, j.Priority, j.RetryCount, j.MaxRetries,
			j.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d jobs\n", len(jobs), total)
	return err
}
