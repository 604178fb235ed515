// Command authorizer serves per-request authorization decisions with
// account-wide quota enforcement.
//
// Usage:
//
//	authorizer serve --config config.yaml
//	authorizer migrate --config config.yaml
//	authorizer register --email owner@example.com --password secret
//	authorizer version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aman-churiwal/quota-authorizer/internal/config"
	"github.com/aman-churiwal/quota-authorizer/internal/logger"
	"github.com/aman-churiwal/quota-authorizer/internal/repository"
	"github.com/aman-churiwal/quota-authorizer/internal/server"
	"github.com/aman-churiwal/quota-authorizer/internal/service"
	"github.com/aman-churiwal/quota-authorizer/internal/storage"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the authorization server."`
	Migrate  MigrateCmd  `cmd:"" help:"Create or update the database schema."`
	Register RegisterCmd `cmd:"" help:"Create an account holder for the usage report."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." default:"config.yaml" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides the config file."`
	LogFormat string `help:"Log format (json, text). Overrides the config file."`
}

// load reads configuration and builds the process logger.
func (c *CLI) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if c.LogLevel != "" {
		cfg.Logger.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Logger.Format = c.LogFormat
	}

	log := logger.New(cfg.Logger.Level, cfg.Logger.Format)
	slog.SetDefault(log)

	return cfg, log, nil
}

func openDatabase(cfg *config.Config) (*storage.Database, error) {
	level := gormlogger.Warn
	if logger.ParseLevel(cfg.Logger.Level) == slog.LevelDebug {
		level = gormlogger.Info
	}

	return storage.NewDatabase(cfg.Database, level)
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port    string `help:"Port to listen on. Overrides the config file."`
	Migrate bool   `help:"Run schema migration before serving."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, log, err := cli.load()
	if err != nil {
		return err
	}
	if c.Port != "" {
		cfg.Server.Port = c.Port
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("connected to database", "type", cfg.Database.Type, "replicas", len(cfg.Database.Replicas))

	if c.Migrate {
		if err := db.AutoMigrate(); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	var redis *storage.RedisClient
	if cfg.Redis.Enabled() {
		redis, err = storage.NewRedis(cfg.Redis)
		if err != nil {
			return err
		}
		defer redis.Close()
		log.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	srv, err := server.New(cfg, db, redis, log, version())
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(":" + cfg.Server.Port)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-quit:
		log.Info("signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited")
	return nil
}

// MigrateCmd runs the gorm schema migration.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	cfg, log, err := cli.load()
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("database schema is up to date")
	return nil
}

// RegisterCmd creates an account holder login.
type RegisterCmd struct {
	Email    string `required:"" help:"Account email. Must match the email credentials are issued to."`
	Password string `required:"" help:"Login password." env:"AUTHORIZER_ACCOUNT_PASSWORD"`
	Name     string `help:"Display name."`
	Admin    bool   `help:"Allow this holder to operate the /system endpoints."`
}

func (c *RegisterCmd) Run(cli *CLI) error {
	cfg, log, err := cli.load()
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions := service.NewSessionService(repository.NewAccountRepository(db), cfg.Auth.JWTSecret, cfg.Auth.ExpiryHours)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	holder, err := sessions.Register(ctx, c.Email, c.Password, c.Name)
	if err != nil {
		return err
	}

	if c.Admin {
		if err := sessions.SetAdmin(ctx, holder.Email, true); err != nil {
			return err
		}
	}

	log.Info("account holder created", "email", holder.Email, "id", holder.ID, "admin", c.Admin)
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("quota-authorizer version %s\n", version())
	return nil
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return "dev"
}

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("authorizer"),
		kong.Description("Quota-enforcing API credential authorizer"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
