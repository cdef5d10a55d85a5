// Command server is the qcbroker CLI: init a config/base-folder, run
// migrations, start the broker, and manage CLI-issued user credentials
// (spec.md §6.2) — grounded on the teacher's cmd/appserver/main.go
// flag-parsing/subcommand-dispatch idiom, generalized from a single
// flat flag set into git-style subcommands since spec.md names four
// distinct verbs (init/start/upgrade/user) rather than one flat binary.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/r3e-network/qcbroker/internal/app"
	"github.com/r3e-network/qcbroker/internal/config"
	"github.com/r3e-network/qcbroker/internal/localmanager"
	"github.com/r3e-network/qcbroker/internal/platform/database"
	"github.com/r3e-network/qcbroker/internal/platform/migrations"
	"github.com/r3e-network/qcbroker/internal/store"
	"github.com/r3e-network/qcbroker/internal/store/memory"
	"github.com/r3e-network/qcbroker/internal/store/postgres"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

// Exit codes per spec.md §6.2.
const (
	exitOK              = 0
	exitUsage           = 2
	exitConfigError     = 3
	exitDatabaseDown    = 4
	exitMigrationNeeded = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "init":
		return cmdInit(args[1:])
	case "start":
		return cmdStart(args[1:])
	case "upgrade":
		return cmdUpgrade(args[1:])
	case "user":
		return cmdUser(args[1:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "qcbroker server: unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: server <command> [flags]

commands:
  init    [--base-folder DIR]                 write a default config file
  start   [--port N] [--log-file PATH] [--local-manager N]
  upgrade [--dsn DSN]
  user    add|show|modify|remove [flags]`)
}

func configPath(baseFolder string) string {
	return filepath.Join(baseFolder, "qcbroker.yaml")
}

// cmdInit writes a default configuration file to --base-folder (default
// ".") so a fresh deployment has something to edit before `start`.
func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	baseFolder := fs.String("base-folder", ".", "directory to write the config file into")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if err := os.MkdirAll(*baseFolder, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create base folder: %v\n", err)
		return exitConfigError
	}

	path := configPath(*baseFolder)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists at %s\n", path)
		return exitConfigError
	}

	cfg := config.Default()
	data, err := cfg.ToYAML()
	if err != nil {
		fmt.Fprintf(os.Stderr, "render default config: %v\n", err)
		return exitConfigError
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		return exitConfigError
	}

	fmt.Printf("wrote default configuration to %s\n", path)
	return exitOK
}

// cmdUpgrade runs every pending schema migration against --dsn (or
// $DATABASE_URL), per spec.md §6.2's exit code 5 contract: a caller that
// gets exitMigrationNeeded from `start` should run this next.
func cmdUpgrade(args []string) int {
	fs := flag.NewFlagSet("upgrade", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "PostgreSQL DSN (defaults to $DATABASE_URL)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	resolved := resolveDSN(*dsn)
	if resolved == "" {
		fmt.Fprintln(os.Stderr, "upgrade: no DSN configured (pass --dsn or set DATABASE_URL)")
		return exitConfigError
	}

	if err := migrations.Upgrade(resolved); err != nil {
		fmt.Fprintf(os.Stderr, "upgrade: %v\n", err)
		return exitDatabaseDown
	}
	fmt.Println("schema is up to date")
	return exitOK
}

func resolveDSN(flagDSN string) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(os.Getenv("DATABASE_URL"))
}

// cmdStart loads the config, connects to storage (Postgres if a DSN is
// configured, otherwise an in-memory store for local/dev use per
// --local-manager-less trials), checks the schema is current, builds the
// Application, and runs it until SIGINT/SIGTERM.
func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configFile := fs.String("config", "", "path to qcbroker.yaml (defaults to ./qcbroker.yaml if present)")
	port := fs.Int("port", 0, "override the configured HTTP port")
	logFile := fs.String("log-file", "", "also write logs to logs/<base name of PATH>.log (the directory and extension of PATH are not used)")
	dsn := fs.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	localManagers := fs.Int("local-manager", 0, "spin up N in-process simulated managers, for testing")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	path := *configFile
	if path == "" {
		if _, err := os.Stat(configPath(".")); err == nil {
			path = configPath(".")
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitConfigError
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logFile != "" {
		cfg.Logging.Output = "file"
		cfg.Logging.FilePrefix = strings.TrimSuffix(filepath.Base(*logFile), filepath.Ext(*logFile))
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	log := logger.New(cfg.Logging)

	rootCtx := context.Background()

	var db store.Store
	if strings.TrimSpace(cfg.Database.DSN) != "" {
		sqlxDB, err := database.Open(rootCtx, cfg.Database)
		if err != nil {
			log.Errorf("connect to database: %v", err)
			return exitDatabaseDown
		}
		defer sqlxDB.Close()

		if current, err := migrations.UpToDate(cfg.Database.DSN); err != nil {
			log.Errorf("check schema version: %v", err)
			return exitDatabaseDown
		} else if !current {
			log.Error("database schema is not current; run `server upgrade` first")
			return exitMigrationNeeded
		}

		db = postgres.New(sqlxDB)
	} else {
		log.Warn("no database DSN configured; running with an in-memory store")
		db = memory.New()
	}

	application, err := app.New(db, log, cfg)
	if err != nil {
		log.Errorf("initialise application: %v", err)
		return exitConfigError
	}

	if err := application.Start(rootCtx); err != nil {
		log.Errorf("start application: %v", err)
		return exitDatabaseDown
	}
	log.Infof("qcbroker listening on %s:%d", cfg.Server.Host, cfg.Server.Port)

	var pool *localmanager.Pool
	if *localManagers > 0 {
		pool = localmanager.New(application.Managers, application.Queue, cfg.Queue, log, *localManagers)
		if err := pool.Start(rootCtx); err != nil {
			log.Errorf("start local managers: %v", err)
			return exitConfigError
		}
		log.Infof("started %d in-process simulated managers", *localManagers)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if pool != nil {
		pool.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
		return exitDatabaseDown
	}
	return exitOK
}

// cmdUser dispatches `server user add|show|modify|remove` (spec.md §6.2).
func cmdUser(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: server user add|show|modify|remove [flags]")
		return exitUsage
	}

	fs := flag.NewFlagSet("user", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "PostgreSQL DSN (defaults to $DATABASE_URL; in-memory otherwise, for testing only)")
	username := fs.String("username", "", "username")
	permissions := fs.String("permissions", "", "comma-separated permission grants (read,write,compute,queue,admin)")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*username) == "" && args[0] != "show" {
		fmt.Fprintln(os.Stderr, "user: --username is required")
		return exitUsage
	}

	db, cleanup, code := openUserStore(*dsn)
	if cleanup != nil {
		defer cleanup()
	}
	if code != exitOK {
		return code
	}

	ctx := context.Background()

	switch args[0] {
	case "add":
		pw, err := promptPassword()
		if err != nil {
			fmt.Fprintf(os.Stderr, "read password: %v\n", err)
			return exitUsage
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			return exitConfigError
		}
		u := &store.User{
			Username:     *username,
			PasswordHash: string(hash),
			Permissions:  splitPermissions(*permissions),
		}
		if err := db.PutUser(ctx, u); err != nil {
			fmt.Fprintf(os.Stderr, "add user: %v\n", err)
			return exitDatabaseDown
		}
		fmt.Printf("created user %s with permissions %v\n", u.Username, u.Permissions)
		return exitOK

	case "show":
		if *username == "" {
			users, err := db.ListUsers(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "list users: %v\n", err)
				return exitDatabaseDown
			}
			for _, u := range users {
				fmt.Printf("%s\t%v\n", u.Username, u.Permissions)
			}
			return exitOK
		}
		u, err := db.GetUser(ctx, *username)
		if err == store.ErrNotFound {
			fmt.Fprintf(os.Stderr, "no such user: %s\n", *username)
			return exitConfigError
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "show user: %v\n", err)
			return exitDatabaseDown
		}
		fmt.Printf("%s\t%v\n", u.Username, u.Permissions)
		return exitOK

	case "modify":
		u, err := db.GetUser(ctx, *username)
		if err == store.ErrNotFound {
			fmt.Fprintf(os.Stderr, "no such user: %s\n", *username)
			return exitConfigError
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "modify user: %v\n", err)
			return exitDatabaseDown
		}
		if *permissions != "" {
			u.Permissions = splitPermissions(*permissions)
		}
		if err := db.PutUser(ctx, u); err != nil {
			fmt.Fprintf(os.Stderr, "modify user: %v\n", err)
			return exitDatabaseDown
		}
		fmt.Printf("updated user %s with permissions %v\n", u.Username, u.Permissions)
		return exitOK

	case "remove":
		if err := db.DeleteUser(ctx, *username); err != nil {
			fmt.Fprintf(os.Stderr, "remove user: %v\n", err)
			return exitDatabaseDown
		}
		fmt.Printf("removed user %s\n", *username)
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "user: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func openUserStore(flagDSN string) (store.Store, func(), int) {
	resolved := resolveDSN(flagDSN)
	if resolved == "" {
		return memory.New(), nil, exitOK
	}
	sqlxDB, err := database.Open(context.Background(), config.DatabaseConfig{DSN: resolved})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to database: %v\n", err)
		return nil, nil, exitDatabaseDown
	}
	return postgres.New(sqlxDB), func() { sqlxDB.Close() }, exitOK
}

func splitPermissions(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func promptPassword() (string, error) {
	fmt.Print("password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
