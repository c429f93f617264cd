package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/PylonLabs/pylon/config"
	"github.com/PylonLabs/pylon/ledger"
	"github.com/PylonLabs/pylon/models"
	"github.com/PylonLabs/pylon/redis"
	charmlog "github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	logger     *slog.Logger
	configPath string
	verbose    bool
)

func init() {
	flag.StringVar(&configPath, "config", "pylon.yaml", "Path to the gateway configuration file")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
}

func buildLogger() *slog.Logger {
	level := charmlog.InfoLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           level,
		ReportTimestamp: true,
	})
	return slog.New(handler)
}

func main() {
	flag.Parse()
	logger = buildLogger()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]
	cmdArgs := args[1:]

	// generate-config is the only command that runs without a loaded
	// configuration.
	if command == "generate-config" {
		handleGenerateConfig(cmdArgs)
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command == "watch" {
		handleWatch(ctx, cfg)
		return
	}

	l, err := ledger.New(ctx, logger, ledger.Config{
		StoreURL:        cfg.Store.URL,
		Channel:         cfg.Sync.Channel,
		KeyPrefix:       cfg.Sync.KeyPrefix,
		RatePrefix:      cfg.Sync.RatePrefix,
		RefreshInterval: cfg.Sync.RefreshInterval,
		DialTimeout:     cfg.Store.DialTimeout,
		CommandTimeout:  cfg.Store.CommandTimeout,
	})
	if err != nil {
		logger.Error("Failed to start ledger", "error", err)
		os.Exit(1)
	}
	defer l.Close()

	switch command {
	case "create":
		handleCreate(ctx, l, cmdArgs)
	case "get":
		handleGet(ctx, l, cmdArgs)
	case "list":
		handleList(l)
	case "grant":
		handleGrant(ctx, l, cmdArgs)
	case "deduct":
		handleDeduct(ctx, l, cmdArgs)
	case "revoke":
		handleRevoke(ctx, l, cmdArgs)
	case "rate":
		handleRate(ctx, l, cfg, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "%s Unknown command '%s'\n", color.RedString("Error:"), color.CyanString(command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("create"), color.CyanString("<key-id> <name> <balance>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("get"), color.CyanString("<key-id>"))
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("list"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("grant"), color.CyanString("<key-id> <amount>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("deduct"), color.CyanString("<key-id> <amount>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("revoke"), color.CyanString("<key-id>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("rate"), color.CyanString("<key-id> <tool>"))
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("watch"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("generate-config"), color.CyanString("<path>"))
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

func parseAmount(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		fail("amount must be a positive integer, got %q", raw)
	}
	return n
}

func newRecord(id, name string, balance int64) *models.KeyRecord {
	return &models.KeyRecord{
		ID:        id,
		Name:      name,
		Balance:   balance,
		CreatedAt: time.Now().UTC(),
	}
}

func printKey(rec *models.KeyRecord) {
	state := color.GreenString("active")
	if rec.Disabled {
		state = color.RedString("disabled")
	}
	fmt.Printf("%s  %s  balance=%d spent=%d calls=%d  %s\n",
		color.CyanString(rec.ID),
		rec.Name,
		rec.Balance, rec.Spent, rec.Calls,
		state)
}

func handleCreate(ctx context.Context, l *ledger.Ledger, args []string) {
	if len(args) != 3 {
		fail("create requires <key-id> <name> <balance>")
	}
	rec := newRecord(args[0], args[1], parseAmount(args[2]))
	if err := l.PutKey(ctx, rec); err != nil {
		fail("%v", err)
	}
	color.HiGreen("OK")
	printKey(rec)
}

func handleGet(ctx context.Context, l *ledger.Ledger, args []string) {
	if len(args) != 1 {
		fail("get requires <key-id>")
	}
	rec, err := l.GetKey(ctx, args[0])
	if err != nil {
		var nf *ledger.ErrKeyNotFound
		if errors.As(err, &nf) {
			fail("key '%s' not found", color.CyanString(args[0]))
		}
		fail("%v", err)
	}
	printKey(rec)
}

func handleList(l *ledger.Ledger) {
	keys := l.ListKeys()
	if len(keys) == 0 {
		fmt.Println("no keys mirrored")
		return
	}
	for _, rec := range keys {
		printKey(rec)
	}
}

func handleGrant(ctx context.Context, l *ledger.Ledger, args []string) {
	if len(args) != 2 {
		fail("grant requires <key-id> <amount>")
	}
	rec, err := l.Grant(ctx, args[0], parseAmount(args[1]))
	if err != nil {
		fail("%v", err)
	}
	color.HiGreen("OK")
	printKey(rec)
}

func handleDeduct(ctx context.Context, l *ledger.Ledger, args []string) {
	if len(args) != 2 {
		fail("deduct requires <key-id> <amount>")
	}
	rec, err := l.CheckAndDeduct(ctx, args[0], parseAmount(args[1]))
	if err != nil {
		var insuf *ledger.ErrInsufficientCredit
		if errors.As(err, &insuf) {
			fmt.Fprintf(os.Stderr, "%s balance %s cannot cover %s\n",
				color.RedString("Denied:"),
				color.CyanString(strconv.FormatInt(insuf.Balance, 10)),
				color.CyanString(strconv.FormatInt(insuf.Requested, 10)))
			os.Exit(1)
		}
		fail("%v", err)
	}
	color.HiGreen("OK")
	printKey(rec)
}

func handleRevoke(ctx context.Context, l *ledger.Ledger, args []string) {
	if len(args) != 1 {
		fail("revoke requires <key-id>")
	}
	if err := l.RevokeKey(ctx, args[0]); err != nil {
		fail("%v", err)
	}
	color.HiGreen("OK")
}

func handleRate(ctx context.Context, l *ledger.Ledger, cfg *config.Gateway, args []string) {
	if len(args) != 2 {
		fail("rate requires <key-id> <tool>")
	}
	keyID, tool := args[0], args[1]
	policy, ok := cfg.Tools[tool]
	if !ok {
		fail("tool '%s' has no configured rate policy", color.CyanString(tool))
	}

	decision, err := l.RateCheck(ctx, keyID, tool, policy.Limit, policy.Window)
	if err != nil {
		fail("%v", err)
	}
	switch {
	case decision.FailedOpen:
		color.HiYellow("ALLOWED (store unreachable, failed open)")
	case decision.Allowed:
		color.HiGreen("ALLOWED %d/%d", decision.Count, decision.Limit)
	default:
		color.HiRed("DENIED %d/%d, retry in %s", decision.Count, decision.Limit, decision.RetryAfter)
		os.Exit(1)
	}
}

// handleWatch tails the sync channel raw, printing every event as it
// lands. Useful for checking that processes actually see each other.
func handleWatch(ctx context.Context, cfg *config.Gateway) {
	opts, err := redis.ParseURL(cfg.Store.URL)
	if err != nil {
		fail("%v", err)
	}
	sub := redis.NewSubConn(redis.Config{
		Options:        opts,
		Logger:         logger,
		DialTimeout:    cfg.Store.DialTimeout,
		CommandTimeout: cfg.Store.CommandTimeout,
	})
	defer sub.Close()

	err = sub.Subscribe(ctx, cfg.Sync.Channel, func(channel string, payload []byte) {
		fmt.Printf("%s %s %s\n",
			color.HiBlackString(time.Now().Format(time.TimeOnly)),
			color.CyanString(channel),
			string(payload))
	})
	if err != nil {
		fail("%v", err)
	}
	logger.Info("Watching sync channel", "channel", cfg.Sync.Channel)
	<-ctx.Done()
}

func handleGenerateConfig(args []string) {
	if len(args) != 1 {
		fail("generate-config requires <path>")
	}
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		fail("refusing to overwrite existing file %s", color.CyanString(path))
	}

	cfg, err := config.GenerateConfig(path)
	if err != nil {
		fail("%v", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fail("%v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		fail("%v", err)
	}
	color.HiGreen("Wrote starter config to %s", path)
	fmt.Fprintf(os.Stderr, "%s change the placeholder store password before use\n", color.YellowString("Note:"))
}
