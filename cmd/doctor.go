package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gatewaycore/internal/config"
	"github.com/nextlevelbuilder/gatewaycore/internal/upgrade"
	"github.com/nextlevelbuilder/gatewaycore/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("gatewaycore doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found — defaults will be used)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-12s %s\n", "Backend:", cfg.Database.Backend)
	if cfg.Database.Backend == "postgres" {
		if cfg.Database.PostgresDSN == "" {
			fmt.Printf("    %-12s GATEWAYCORE_POSTGRES_DSN not set\n", "Status:")
		} else if db, err := sql.Open("pgx", cfg.Database.PostgresDSN); err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		} else {
			defer db.Close()
			if err := db.Ping(); err != nil {
				fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
			} else {
				checkPostgresSchema(db)
			}
		}
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)

	fmt.Println()
	fmt.Println("  Memory:")
	memEnabled := cfg.Memory.Enabled == nil || *cfg.Memory.Enabled
	fmt.Printf("    %-12s %v\n", "Enabled:", memEnabled)
	if memEnabled {
		if cfg.Memory.Neo4jURI == "" {
			fmt.Printf("    %-12s GATEWAYCORE_NEO4J_URI not set\n", "Neo4j:")
		} else {
			fmt.Printf("    %-12s %s\n", "Neo4j:", cfg.Memory.Neo4jURI)
		}
	}

	fmt.Println()
	fmt.Println("  MCP servers:")
	if len(cfg.Tools.McpServers) == 0 {
		fmt.Println("    (none configured)")
	} else {
		for name, srv := range cfg.Tools.McpServers {
			status := "enabled"
			if !srv.IsEnabled() {
				status = "disabled"
			}
			fmt.Printf("    %-16s %s (%s)\n", name+":", status, srv.Transport)
		}
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("docker")
	checkBinary("curl")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPostgresSchema(db *sql.DB) {
	s, err := upgrade.CheckSchema(db)
	if err != nil {
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	switch {
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY — run: gatewaycore migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (upgrade needed — run: gatewaycore migrate up)\n", "Schema:", s.CurrentVersion)
	}

	pending, err := upgrade.PendingHooks(context.Background(), db)
	if err == nil && len(pending) > 0 {
		fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
	} else if err == nil {
		fmt.Printf("    %-12s all applied\n", "Data hooks:")
	}
}

func checkProvider(name, apiKey string) {
	if apiKey != "" {
		masked := apiKey
		if len(apiKey) > 8 {
			masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		}
		fmt.Printf("    %-12s %s\n", name+":", masked)
	} else {
		fmt.Printf("    %-12s (not configured)\n", name+":")
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
