// ABOUTME: Entry point for the runtime-gateway control plane
// ABOUTME: Serves runtime connects over NATS and inspects the runtime registry

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/2389/runtime-gateway/internal/config"
	"github.com/2389/runtime-gateway/internal/gateway"
	"github.com/2389/runtime-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _   _
 _ __ _   _ | |_(_)_ __ ___   ___        __ _  __ _| |_ _____      ____ _ _   _
| '__| | | || __| | '_ ' _ \ / _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |  | |_| || |_| | | | | | |  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|   \__,_| \__|_|_| |_| |_|\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                        |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RUNTIME_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/runtime-gateway/gateway.yaml > ~/.config/runtime-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RUNTIME_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "runtime-gateway", "gateway.yaml")
}

// getDataPath returns the path to the runtime-gateway data directory.
// Priority: XDG_DATA_HOME/runtime-gateway > ~/.local/share/runtime-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "runtime-gateway")
}

func usage() {
	fmt.Println("Usage: runtime-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Start the gateway")
	fmt.Println("  init       Write a default config file")
	fmt.Println("  runtimes   List known runtimes")
	fmt.Println("  services   Start the gateway once and list the services it runs")
	fmt.Println("  version    Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "runtimes":
		err = runRuntimes(ctx, args)
	case "services":
		err = runServices(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.StringP("config", "c", getConfigPath(), "path to the config file")
	return fs, configPath
}

func runServe(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", *configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	if cfg.NATS.Embedded {
		fmt.Printf("NATS:      %s:%d ", cfg.NATS.Host, cfg.NATS.Port)
		yellow.Println("[embedded]")
	} else {
		fmt.Printf("NATS:      %s\n", cfg.NATS.URL)
	}
	green.Print("    ▶ ")
	fmt.Printf("Heartbeat: %s ", cfg.Runtimes.HeartbeatTTL)
	gray.Printf("(sweep %s)\n", cfg.Runtimes.SweepSchedule)
	fmt.Println()

	logger.Info("starting runtime-gateway",
		"config", *configPath,
		"embedded", cfg.NATS.Embedded,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runInit(args []string) error {
	fs, configPath := newFlagSet("init")
	dataDir := fs.String("data-dir", getDataPath(), "directory for the database and JetStream storage")
	force := fs.BoolP("force", "f", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *configPath)
	}

	cfg := config.Default(*dataDir)
	if err := config.Write(cfg, *configPath); err != nil {
		return err
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Config written to %s\n", *configPath)
	green.Printf("  ✓ Data directory: %s\n", *dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Println("  runtime-gateway serve")
	return nil
}

func runRuntimes(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("runtimes")
	status := fs.StringP("status", "s", "", "only list runtimes with this status (active, inactive)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var filter store.Status
	switch strings.ToUpper(*status) {
	case "":
	case string(store.StatusActive):
		filter = store.StatusActive
	case string(store.StatusInactive):
		filter = store.StatusInactive
	default:
		return fmt.Errorf("unknown status %q", *status)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	runtimes, err := s.ListRuntimes(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing runtimes: %w", err)
	}
	if len(runtimes) == 0 {
		fmt.Println("no runtimes")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tPID\tHOST\tLAST SEEN\tID")
	for _, rt := range runtimes {
		st := string(rt.Status)
		if rt.Status == store.StatusActive {
			st = color.GreenString(st)
		} else {
			st = color.HiBlackString(st)
		}
		lastSeen := "-"
		if rt.LastSeenAt != nil {
			lastSeen = rt.LastSeenAt.Local().Format(time.DateTime)
		}
		host := rt.Hostname
		if host == "" {
			host = rt.HostIP
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", rt.Name, st, rt.ProcessID, host, lastSeen, rt.ID)
	}
	return tw.Flush()
}

// runServices starts the gateway, prints every running lifecycle service with
// its consumers, and shuts down again.
func runServices(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("services")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		_ = gw.Shutdown(context.Background())
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATE\tCONSUMERS")
	for _, st := range gw.Services().Active() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", st.Name, color.GreenString(st.State.String()), strings.Join(st.Consumers, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d runtime(s) rehydrated\n", len(gw.Manager().Instances()))
	return gw.Shutdown(context.Background())
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{level: level, out: os.Stdout}
	}
	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes. The
// component attribute is printed as a prefix before the message.
type colorHandler struct {
	out    io.Writer
	level  slog.Level
	prefix string
	attrs  []slog.Attr
	group  string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	if h.prefix != "" {
		buf.WriteString(color.BlueString("[" + h.prefix + "] "))
	}
	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.group, a)
		return true
	})
	buf.WriteString("\n")

	stdoutMu.Lock()
	defer stdoutMu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, group string, a slog.Attr) {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	buf.WriteString(color.HiBlackString(" " + key + "="))
	buf.WriteString(a.Value.String())
}

// stdoutMu serializes writes from every handler derived from the root one.
var stdoutMu sync.Mutex

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next.attrs, h.attrs)
	for _, a := range attrs {
		if a.Key == "component" && h.group == "" {
			next.prefix = a.Value.String()
			continue
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}
