// Command tokengen creates a batch of access tokens from the command line
// and prints the URLs to encode into QR codes.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/admin"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/logger"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	count := flag.Int("count", 10, "number of tokens to generate (1-100)")
	theme := flag.String("theme", "ice", "token theme")
	prefix := flag.String("prefix", "", "token id prefix")
	maxUsage := flag.Int("max-usage", 10, "maximum usage count per token")
	usageDays := flag.Int("usage-days", 2, "usage validity in days")
	accessDays := flag.Int("access-days", 9, "access validity in days")
	flag.Parse()

	_ = godotenv.Load()

	cfg, _, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if _, ok := cfg.Themes[*theme]; !ok && len(cfg.Themes) > 0 {
		fmt.Fprintf(os.Stderr, "unknown theme %q\n", *theme)
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	slog.SetDefault(log)

	tokenStore, err := store.New(cfg.Storage.TokensFile, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading token store: %v\n", err)
		os.Exit(1)
	}

	tokens, err := admin.GenerateBatch(admin.BatchParams{
		Count:           *count,
		Theme:           *theme,
		Prefix:          *prefix,
		MaxUsageCount:   *maxUsage,
		UsageValidDays:  *usageDays,
		AccessValidDays: *accessDays,
	}, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating tokens: %v\n", err)
		os.Exit(1)
	}

	if err := tokenStore.BatchAdd(tokens); err != nil {
		fmt.Fprintf(os.Stderr, "error saving tokens: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %d tokens (theme=%s, max_usage=%d, usage_days=%d, access_days=%d)\n\n",
		len(tokens), *theme, *maxUsage, *usageDays, *accessDays)
	for i, token := range tokens {
		fmt.Printf("%3d. %s\n     %s\n", i+1, token.TokenID, admin.TokenURL(cfg.BaseURL, token.TokenID))
	}
	fmt.Printf("\nSaved to %s\n", cfg.Storage.TokensFile)
}
