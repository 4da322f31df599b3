// Command provision creates an account directly against the database. It is
// how the first SUPER_ADMIN is bootstrapped; later accounts go through the
// admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/gpropadm/brpolis/internal/account"
	"github.com/gpropadm/brpolis/internal/auth"
	"github.com/gpropadm/brpolis/internal/config"
	"github.com/gpropadm/brpolis/internal/logger"
	"github.com/gpropadm/brpolis/internal/repository"
)

type env struct {
	Database   config.DatabaseConfig
	Log        config.LogConfig
	BcryptCost int    `env:"AUTH_BCRYPT_COST, default=12"`
	Password   string `env:"PROVISION_PASSWORD"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "provision: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var e env
	if err := envconfig.Process(ctx, &e); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var (
		email         = flag.String("email", "", "Account email (required)")
		password      = flag.String("password", "", "Account password; PROVISION_PASSWORD is used when empty")
		name          = flag.String("name", "", "Display name (required)")
		role          = flag.String("role", repository.RoleSuperAdmin, "USER, ADMIN or SUPER_ADMIN")
		politicalRole = flag.String("political-role", "", "Political office, e.g. VEREADOR")
	)
	flag.Parse()

	if *password == "" {
		*password = e.Password
	}
	if *email == "" || *name == "" || *password == "" {
		flag.Usage()
		return errors.New("email, name and password are required")
	}

	log := logger.New(logger.Config{Level: e.Log.Level, Format: "text", Output: "stderr"})

	pool, err := pgxpool.New(ctx, e.Database.ConnString())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()
	db := sqlx.NewDb(sqlDB, "pgx")

	svc := account.NewService(
		repository.NewAccountRepo(db),
		repository.NewSessionRepository(pool),
		auth.NewPasswordHasher(e.BcryptCost, 1),
		nil,
		log,
	)

	req := account.CreateUserRequest{
		Email:    *email,
		Password: *password,
		Name:     *name,
		Role:     strings.ToUpper(*role),
	}
	if *politicalRole != "" {
		pr := strings.ToUpper(*politicalRole)
		req.PoliticalRole = &pr
	}

	user, err := svc.CreateUser(ctx, nil, req)
	if err != nil {
		var verrs auth.ValidationErrors
		if errors.As(err, &verrs) {
			for _, v := range verrs {
				log.Error("invalid field", slog.String("field", v.Field), slog.String("message", v.Message))
			}
		}
		return err
	}

	log.Info("account created",
		slog.String("id", user.ID),
		slog.String("email", user.Email),
		slog.String("role", user.Role),
	)
	return nil
}
