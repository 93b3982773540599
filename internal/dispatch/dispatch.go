// Package dispatch maps devenv commands onto compose invocations, the test
// database bootstrap and the migration controller.
package dispatch

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"crm_devenv/internal/config"
	"crm_devenv/internal/db"
	"crm_devenv/internal/diff"
	"crm_devenv/internal/migrate"
	"crm_devenv/internal/revision"
)

// ErrUnknownCommand is returned for commands missing from the table.
var ErrUnknownCommand = errors.New("unknown command")

// Compose runs one `docker compose` command.
type Compose interface {
	Run(ctx context.Context, args ...string) error
}

// Migrator is the migration controller surface the commands use.
type Migrator interface {
	Create(ctx context.Context, message string, autogenerate bool) (*revision.Revision, error)
	Upgrade(ctx context.Context, target string) (migrate.Result, error)
	Downgrade(ctx context.Context, steps int) (migrate.Result, error)
	Current(ctx context.Context) (migrate.Status, error)
	History(ctx context.Context, limit int) ([]db.HistoryEntry, error)
	Check(ctx context.Context) (diff.SchemaDiff, error)
	EnsureDatabase(ctx context.Context, name string) (bool, error)
}

// Deps are the collaborators behind the commands.
type Deps struct {
	Compose    Compose
	Migrator   Migrator
	InitTestDB func(ctx context.Context) error
	Serve      func(ctx context.Context) error
}

type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, args []string) error
}

// Dispatcher runs one command per process invocation.
type Dispatcher struct {
	cfg      config.Config
	deps     Deps
	out      io.Writer
	logger   *slog.Logger
	commands []command
}

func New(cfg config.Config, deps Deps, out io.Writer, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{cfg: cfg, deps: deps, out: out, logger: logger}
	d.commands = []command{
		{"build", "build", "build the service images", d.composeCmd("build")},
		{"up", "up", "start all services in the background", d.composeCmd("up", "-d")},
		{"down", "down", "stop and remove the services", d.composeCmd("down")},
		{"init-test-db", "init-test-db", "wait for the database and create " + cfg.TestDatabase, d.withTarget(d.initTestDB)},
		{"test", "test [pytest args]", "run the whole test suite", d.pytest()},
		{"test-models", "test-models [pytest args]", "run the model tests", d.pytest("tests/models")},
		{"test-contact", "test-contact [pytest args]", "run the contact model tests", d.pytest("tests/models/test_contact.py")},
		{"test-coverage", "test-coverage [pytest args]", "run the suite with a coverage report", d.pytest("--cov=app", "--cov-report=term-missing")},
		{"migrate-create", `migrate-create -m "message" [--autogenerate]`, "write a new revision on top of head", d.withTarget(d.migrateCreate)},
		{"migrate-upgrade", "migrate-upgrade [--target head] [--ensure-db]", "apply revisions up to target", d.withTarget(d.migrateUpgrade)},
		{"migrate-downgrade", "migrate-downgrade [--steps 1]", "revert the latest revisions", d.withTarget(d.migrateDowngrade)},
		{"migrate-current", "migrate-current", "show the applied revision and head", d.withTarget(d.migrateCurrent)},
		{"migrate-history", "migrate-history [--limit 20]", "show recent migration history", d.withTarget(d.migrateHistory)},
		{"migrate-check", "migrate-check", "compare the primary and test database schemas", d.withTarget(d.migrateCheck)},
		{"logs", "logs [service]", "follow service logs", d.logs},
		{"shell", "shell", "open psql in the database container", d.withTarget(d.shell)},
		{"backend-shell", "backend-shell", "open bash in the backend container", d.composeCmd("exec", cfg.BackendService, "/bin/bash")},
		{"serve", "serve", "run the status server", d.withTarget(d.serve)},
		{"help", "help", "show this help", d.help},
	}
	return d
}

// Run executes args[0] with the remaining arguments. No command prints the
// usage text.
func (d *Dispatcher) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		d.printUsage()
		return nil
	}
	name, rest := args[0], args[1:]
	for _, c := range d.commands {
		if c.name == name {
			d.logger.Debug("dispatching", "command", name, "args", rest)
			return c.run(ctx, rest)
		}
	}
	d.printUsage()
	return fmt.Errorf("%w %s", ErrUnknownCommand, name)
}

func (d *Dispatcher) printUsage() {
	fmt.Fprintln(d.out, "devenv commands:")
	w := tabwriter.NewWriter(d.out, 0, 4, 2, ' ', 0)
	for _, c := range d.commands {
		fmt.Fprintf(w, "  %s\t- %s\n", c.usage, c.summary)
	}
	w.Flush()
	fmt.Fprintln(d.out, "\nExtra arguments are passed to pytest and docker compose logs.")
}

// withTarget guards commands that reach the database. Passthrough
// commands run without database credentials.
func (d *Dispatcher) withTarget(run func(ctx context.Context, args []string) error) func(ctx context.Context, args []string) error {
	return func(ctx context.Context, args []string) error {
		if err := d.cfg.Target.Validate(); err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		return run(ctx, args)
	}
}

func (d *Dispatcher) help(context.Context, []string) error {
	d.printUsage()
	return nil
}

func (d *Dispatcher) composeCmd(base ...string) func(ctx context.Context, args []string) error {
	return func(ctx context.Context, args []string) error {
		return d.deps.Compose.Run(ctx, append(append([]string{}, base...), args...)...)
	}
}

func (d *Dispatcher) pytest(base ...string) func(ctx context.Context, args []string) error {
	return d.composeCmd(append([]string{"exec", d.cfg.BackendService, "pytest"}, base...)...)
}

func (d *Dispatcher) logs(ctx context.Context, args []string) error {
	return d.composeCmd("logs", "-f")(ctx, args)
}

func (d *Dispatcher) shell(ctx context.Context, args []string) error {
	return d.composeCmd("exec", d.cfg.DBService, "psql", "-U", d.cfg.Target.User, "-d", d.cfg.Target.Database)(ctx, args)
}

func (d *Dispatcher) initTestDB(ctx context.Context, args []string) error {
	if err := noArgs("init-test-db", args); err != nil {
		return err
	}
	return d.deps.InitTestDB(ctx)
}

func (d *Dispatcher) serve(ctx context.Context, args []string) error {
	if err := noArgs("serve", args); err != nil {
		return err
	}
	return d.deps.Serve(ctx)
}

func (d *Dispatcher) migrateCreate(ctx context.Context, args []string) error {
	fs := d.flagSet("migrate-create")
	message := fs.String("m", "", "revision message (required)")
	fs.StringVar(message, "message", "", "alias for -m")
	autogenerate := fs.Bool("autogenerate", false, "embed the schema drift between the primary and test databases")
	if err := d.parse(fs, args); err != nil {
		return err
	}
	rev, err := d.deps.Migrator.Create(ctx, *message, *autogenerate)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "Created revision %s (parent %s) at %s\n", rev.ID, revision.Display(rev.Parent), rev.Path)
	return nil
}

func (d *Dispatcher) migrateUpgrade(ctx context.Context, args []string) error {
	fs := d.flagSet("migrate-upgrade")
	target := fs.String("target", revision.Head, `revision to upgrade to ("head" for the latest)`)
	ensureDB := fs.Bool("ensure-db", false, "create the test database through the migration store first")
	if err := d.parse(fs, args); err != nil {
		return err
	}
	if *ensureDB {
		created, err := d.deps.Migrator.EnsureDatabase(ctx, d.cfg.TestDatabase)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(d.out, "Created database %s\n", d.cfg.TestDatabase)
		}
	}
	res, err := d.deps.Migrator.Upgrade(ctx, *target)
	if err != nil {
		return err
	}
	d.printResult("Upgraded", res)
	return nil
}

func (d *Dispatcher) migrateDowngrade(ctx context.Context, args []string) error {
	fs := d.flagSet("migrate-downgrade")
	steps := fs.Int("steps", 1, "number of revisions to revert")
	if err := d.parse(fs, args); err != nil {
		return err
	}
	res, err := d.deps.Migrator.Downgrade(ctx, *steps)
	if err != nil {
		return err
	}
	d.printResult("Downgraded", res)
	return nil
}

func (d *Dispatcher) printResult(verb string, res migrate.Result) {
	if len(res.Steps) == 0 {
		fmt.Fprintf(d.out, "Already at %s\n", revision.Display(res.To))
		return
	}
	fmt.Fprintf(d.out, "%s %s -> %s (%d revisions: %s)\n", verb,
		revision.Display(res.From), revision.Display(res.To), len(res.Steps), strings.Join(res.Steps, ", "))
}

func (d *Dispatcher) migrateCurrent(ctx context.Context, args []string) error {
	if err := d.parse(d.flagSet("migrate-current"), args); err != nil {
		return err
	}
	st, err := d.deps.Migrator.Current(ctx)
	if err != nil {
		return err
	}
	suffix := ""
	if st.UpToDate() {
		suffix = " (head)"
	}
	fmt.Fprintf(d.out, "Current: %s%s\nHead:    %s\n", revision.Display(st.Current), suffix, revision.Display(st.Head))
	return nil
}

func (d *Dispatcher) migrateHistory(ctx context.Context, args []string) error {
	fs := d.flagSet("migrate-history")
	limit := fs.Int("limit", 20, "number of rows to show")
	if err := d.parse(fs, args); err != nil {
		return err
	}
	entries, err := d.deps.Migrator.History(ctx, *limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(d.out, "no entries yet")
		return nil
	}
	for _, e := range entries {
		errText := ""
		if e.Error.Valid {
			errText = " err=" + e.Error.String
		}
		fmt.Fprintf(d.out, "  %s %-4s %s %s -> %s status=%s%s\n",
			e.AppliedAt.UTC().Format("2006-01-02 15:04:05"), e.Direction, e.Revision,
			revision.Display(e.FromRevision), revision.Display(e.ToRevision), e.Status, errText)
	}
	return nil
}

func (d *Dispatcher) migrateCheck(ctx context.Context, args []string) error {
	if err := d.parse(d.flagSet("migrate-check"), args); err != nil {
		return err
	}
	sd, err := d.deps.Migrator.Check(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(d.out, diff.Describe(sd))
	return nil
}

func (d *Dispatcher) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(d.out)
	return fs
}

// parse rejects positional arguments left over after the flags.
func (d *Dispatcher) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	return noArgs(fs.Name(), fs.Args())
}

func noArgs(name string, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%s: unexpected arguments %q", name, args)
	}
	return nil
}
