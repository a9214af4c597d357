package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/alexwang0317/HumanAnd/internal/config"
	"github.com/alexwang0317/HumanAnd/internal/dashboard"
	"github.com/alexwang0317/HumanAnd/internal/events"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	projectName := pflag.StringP("project", "p", "", "project name to export")
	pflag.Parse()

	if pflag.NArg() < 1 || *projectName == "" {
		fmt.Fprintln(os.Stderr, "usage: dashboard [export|deploy] --project <name>")
		os.Exit(2)
	}

	ledger := events.New(cfg.ProjectsDir)
	defer ledger.Close()
	service := dashboard.NewService(cfg.ProjectsDir, cfg.DashboardDir, cfg.DashboardProjectName, ledger)

	switch pflag.Arg(0) {
	case "export":
		if err := service.Export(*projectName); err != nil {
			log.Fatalf("export failed: %v", err)
		}
	case "deploy":
		url, err := service.Deploy(*projectName)
		if err != nil {
			log.Fatalf("deploy failed: %v", err)
		}
		fmt.Printf("Deployed to: %s\n", url)
	default:
		fmt.Fprintln(os.Stderr, "usage: dashboard [export|deploy] --project <name>")
		os.Exit(2)
	}
}
