// Package main applies or rolls back the rundown schema in a data
// directory.
//
// Usage:
//
//	migrate [-config file] [up|down|version]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kimhsiao/rundown/internal/config"
	"github.com/kimhsiao/rundown/internal/db"
	"github.com/kimhsiao/rundown/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("Failed to load config", err)
		os.Exit(1)
	}

	cmd := "up"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	out, err := run(cfg.DataDir, cmd)
	if err != nil {
		logging.Error("Migration failed", err, map[string]interface{}{
			"command":  cmd,
			"data_dir": cfg.DataDir,
		})
		os.Exit(1)
	}
	logging.Info(out, map[string]interface{}{"data_dir": cfg.DataDir})
}

func run(dataDir, cmd string) (string, error) {
	database, err := db.Open(dataDir)
	if err != nil {
		return "", err
	}
	defer database.Close()

	m, err := db.NewMigrator(database)
	if err != nil {
		return "", err
	}

	switch cmd {
	case "up":
		if err := m.Up(); err != nil {
			return "", err
		}
		return "Migrations applied successfully", nil
	case "down":
		if err := m.Down(); err != nil {
			return "", err
		}
		return "Migrations rolled back successfully", nil
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Schema version %d (dirty: %t)", v, dirty), nil
	default:
		return "", fmt.Errorf("unknown command: %s", cmd)
	}
}
