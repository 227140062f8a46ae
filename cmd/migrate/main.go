// Package main 提供数据库迁移管理的命令行工具
// 基于 go-migrate 库，支持向上迁移、向下迁移和版本管理
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/MorseWayne/flash_sale/internal/config"
	"github.com/MorseWayne/flash_sale/internal/database"
	"github.com/MorseWayne/flash_sale/internal/logger"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, goto, force, status")
		steps  = flag.Int("steps", 1, "Number of steps for down migration")
		target = flag.Uint("target", 0, "Target version for goto or force")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.New(cfg.App.Env, cfg.Log.Level, cfg.Log.Encoding, "migrate", cfg.App.Version)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	switch *action {
	case "up":
		lg.Sugar().Infow("running up migrations", "dir", cfg.Migrations.Dir)
		if err := database.RunMigrations(cfg, lg); err != nil {
			lg.Sugar().Fatalw("failed to run up migrations", "error", err)
		}

	case "down":
		lg.Sugar().Infow("running down migrations", "steps", *steps)
		if err := database.MigrateDown(cfg, *steps, lg); err != nil {
			lg.Sugar().Fatalw("failed to run down migrations", "error", err)
		}

	case "goto":
		if *target == 0 {
			lg.Fatal("target version must be specified for goto")
		}
		if err := database.MigrateToVersion(cfg, *target, lg); err != nil {
			lg.Sugar().Fatalw("failed to migrate to version", "error", err)
		}

	case "force":
		// 允许版本 0，表示重置到无迁移状态
		lg.Sugar().Warnw("forcing migration version, dirty state will be cleared", "target", *target)
		if err := database.ForceMigrationVersion(cfg, int(*target), lg); err != nil {
			lg.Sugar().Fatalw("failed to force migration version", "error", err)
		}

	case "status":
		version, dirty, err := database.CurrentVersion(cfg, lg)
		if err != nil {
			lg.Sugar().Fatalw("failed to read migration version", "error", err)
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)

	default:
		fmt.Printf("Usage: %s -action=[up|down|goto|force|status] [options]\n", os.Args[0])
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  ./migrate -action=up")
		fmt.Println("  ./migrate -action=down -steps=1")
		fmt.Println("  ./migrate -action=goto -target=2")
		fmt.Println("  ./migrate -action=force -target=0")
		os.Exit(1)
	}
}
