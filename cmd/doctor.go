package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/tidewater-ai/keel/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("keel doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %v\n", err)
		return
	}

	if cfg.GeminiAPIKey == "" {
		fmt.Println("  API key:  MISSING (set KEEL_GEMINI_API_KEY)")
	} else {
		fmt.Println("  API key:  OK")
	}

	checkWritable("Sessions", config.ExpandHome(cfg.Sessions.Storage))
	checkWritable("Cache", filepath.Dir(config.ExpandHome(cfg.Selector.CachePath)))

	if cfg.Sessions.Backend == "postgres" {
		fmt.Print("  Postgres: ")
		if cfg.Database.PostgresDSN == "" {
			fmt.Println("DSN missing (set KEEL_POSTGRES_DSN)")
			return
		}
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			fmt.Printf("open failed: %v\n", err)
			return
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			fmt.Printf("unreachable: %v\n", err)
		} else {
			fmt.Println("OK")
		}
	}
}

func checkWritable(label, dir string) {
	fmt.Printf("  %-9s %s", label+":", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf(" (cannot create: %v)\n", err)
		return
	}
	probe := filepath.Join(dir, ".keel-doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fmt.Printf(" (not writable: %v)\n", err)
		return
	}
	os.Remove(probe)
	fmt.Println(" (writable)")
}
