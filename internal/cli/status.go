package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kairon-os/kairon/internal/config"
	"github.com/kairon-os/kairon/internal/provider"
	"github.com/kairon-os/kairon/internal/query"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ Kairon Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and store status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 Kairon Status")
		fmt.Printf("Version: %s\n", version)

		path, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Printf("Config:  %s Found (%s)\n", okMark(true), path)
			} else {
				fmt.Printf("Config:  %s Not found, using defaults (%s)\n", okMark(false), path)
			}
		}
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  %s %v\n", okMark(false), err)
			return
		}

		if _, err := provider.Resolve(cfg, cfg.Model.Name); err != nil {
			fmt.Printf("Model:   %s %s (%v)\n", okMark(false), cfg.Model.Name, err)
		} else {
			fmt.Printf("Model:   %s %s\n", okMark(true), cfg.Model.Name)
		}
		if cfg.Model.Fallback != "" {
			_, err := provider.Resolve(cfg, cfg.Model.Fallback)
			fmt.Printf("Fallback:%s %s\n", okMark(err == nil), cfg.Model.Fallback)
		}

		svc, err := openLedger(cfg)
		if err != nil {
			fmt.Printf("Store:   %s %s (%v)\n", okMark(false), cfg.Store.Driver, err)
			return
		}
		defer svc.Close()
		fmt.Printf("Store:   %s %s\n", okMark(true), cfg.Store.Driver)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		g := query.NewGateway(svc.DB(), svc.Dialect())
		res, err := g.Execute(ctx, []query.Request{
			{Key: "vocabulary", Query: query.RecentCategories, Params: map[string]any{"limit": 10}},
			{Key: "recent", Query: query.RecentProjections, Params: map[string]any{"since": time.Now().UTC().Add(-24 * time.Hour), "limit": 1000}},
		})
		if err != nil {
			fmt.Printf("Queries: %s %v\n", okMark(false), err)
			return
		}
		fmt.Printf("Last 24h: %d current projection(s)\n", res["recent"].Count)
		if cats := res["vocabulary"].Categories(); len(cats) > 0 {
			fmt.Printf("Categories: %s\n", strings.Join(cats, ", "))
		}

		fmt.Printf("HTTP:    %s %s\n", okMark(cfg.Ingress.HTTP.Enabled), cfg.Ingress.HTTP.Addr)
		fmt.Printf("Kafka:   %s %s\n", okMark(cfg.Ingress.Kafka.Enabled), cfg.Ingress.Kafka.Topic)
		fmt.Printf("Scheduler: %s %d job(s)\n", okMark(cfg.Scheduler.Enabled), len(cfg.Scheduler.Jobs))
	},
}
