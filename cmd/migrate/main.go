package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vague-archive/cloud-platform-sub000/internal/app/migrate"
	"github.com/vague-archive/cloud-platform-sub000/internal/domain"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository/postgres"
	"github.com/vague-archive/cloud-platform-sub000/pkg/config"
	"github.com/vague-archive/cloud-platform-sub000/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down|seed)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	org := flag.String("org", "", "organization slug for seed")
	game := flag.String("game", "", "game slug for seed")
	purpose := flag.String("purpose", domain.PurposeGame, "game purpose for seed (game|tool)")
	flag.Parse()

	config.LoadDotEnv()
	cfg := config.LoadDeployConfig()
	log := logger.New("migrate", slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	switch *command {
	case "up":
		if err := runner.Ensure(ctx); err != nil {
			log.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	case "status":
		if err := runner.Status(ctx); err != nil {
			log.Error("failed to fetch migration status", "error", err)
			os.Exit(1)
		}
	case "down":
		if err := runner.Down(ctx, *target); err != nil {
			log.Error("failed to roll back migrations", "error", err)
			os.Exit(1)
		}
	case "seed":
		if err := seed(ctx, postgres.New(pool), *org, *game, *purpose, log); err != nil {
			log.Error("failed to seed catalog", "error", err)
			os.Exit(1)
		}
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}

// seed creates the organization and game a branch can be deployed under,
// reusing whichever already exist.
func seed(ctx context.Context, repo *postgres.Repository, orgSlug, gameSlug, purpose string, log *slog.Logger) error {
	orgSlug = strings.ToLower(strings.TrimSpace(orgSlug))
	gameSlug = strings.ToLower(strings.TrimSpace(gameSlug))
	if orgSlug == "" || gameSlug == "" {
		return errors.New("-org and -game are required")
	}
	if purpose != domain.PurposeGame && purpose != domain.PurposeTool {
		return errors.New("-purpose must be game or tool")
	}
	now := time.Now().UTC()

	org, err := repo.GetOrganizationBySlug(ctx, orgSlug)
	if errors.Is(err, repository.ErrNotFound) {
		org = &domain.Organization{ID: uuid.NewString(), Slug: orgSlug, Name: orgSlug, CreatedAt: now}
		if err := repo.CreateOrganization(ctx, org); err != nil {
			return err
		}
		log.Info("organization created", "org", orgSlug, "id", org.ID)
	} else if err != nil {
		return err
	}

	_, err = repo.GetGameBySlug(ctx, org.ID, gameSlug)
	if errors.Is(err, repository.ErrNotFound) {
		g := &domain.Game{ID: uuid.NewString(), OrganizationID: org.ID, Slug: gameSlug, Name: gameSlug, Purpose: purpose, CreatedAt: now}
		if err := repo.CreateGame(ctx, g); err != nil {
			return err
		}
		log.Info("game created", "org", orgSlug, "game", gameSlug, "id", g.ID)
		return nil
	}
	return err
}
