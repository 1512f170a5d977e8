// Package main is the kao CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kao/internal/app"
	"github.com/hyperjump/kao/internal/cli"
	"github.com/hyperjump/kao/internal/config"
	"github.com/hyperjump/kao/internal/ingest"
	"github.com/hyperjump/kao/internal/models"
	"github.com/hyperjump/kao/internal/server"
	"github.com/hyperjump/kao/internal/source"
	"github.com/hyperjump/kao/internal/watcher"
	"github.com/hyperjump/kao/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kao/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in the
// current directory wins if present; when neither exists, built-in defaults are used
// and the returned path is empty (watch changes are then not persisted).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg, err := config.Default()
			return cfg, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	_ = config.LoadEnv(".env")

	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "identify":
		runIdentify()
	case "ingest":
		runIngest()
	case "load":
		runLoad()
	case "status":
		runStatus()
	case "delete":
		runDelete()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("kao version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// openApp loads the config and builds the service context for direct (serverless) commands.
func openApp(configPath string, debug bool) (*app.App, *zap.Logger, string) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Debug || debug)
	if err != nil {
		fail("Failed to create logger: %v", err)
	}
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	return a, logger, resolved
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (watched files, ingestion, etc.)")
	_ = fs.Parse(os.Args[2:])

	a, logger, resolvedConfigPath := openApp(*configPath, *debug)
	defer logger.Sync()
	cfg := a.Config
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", cfg.Debug || *debug),
	)

	watchSvc := watcher.New(
		cfg.Watch.Directories,
		cfg.Watch.Extensions,
		cfg.Watch.RecursiveOrDefault(),
		watcher.Handlers{
			OnFile: func(path string) {
				report, err := a.IngestFile(context.Background(), path)
				if err != nil {
					logger.Warn("watch ingest failed", zap.String("path", path), zap.Error(err))
					return
				}
				if report != nil {
					logger.Info("watch ingested file",
						zap.String("path", path),
						zap.Int("records", report.Succeeded),
						zap.Int("failed", len(report.Failed)))
				}
			},
			OnRemove: a.ForgetFile,
		},
		watcher.WithLogger(logger),
	)
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := watchSvc.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	go watchSvc.ScanExisting()

	srv := server.NewServer(a, logger, watchSvc, resolvedConfigPath)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
	watchCancel()
	watchSvc.Stop()
	if err := a.Close(); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

// argsReorder moves flags (and their values) that appear after positional
// arguments to the front, since flag.Parse stops at the first positional.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func parseOutput(s string) cli.OutputFormat {
	format, err := cli.ParseOutputFormat(s)
	if err != nil {
		fail("%v", err)
	}
	return format
}

func runIdentify() {
	fs := flag.NewFlagSet("identify", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	threshold := fs.String("threshold", "", "match threshold in [-1, 1] (default from server config)")
	topK := fs.Int("top-k", -1, "also list this many ranked candidates per face (default from server config)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: kao identify [flags] <image>...\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}
	format := parseOutput(*outputFormat)

	params := url.Values{}
	if *threshold != "" {
		if _, err := strconv.ParseFloat(*threshold, 64); err != nil {
			fail("Invalid threshold %q", *threshold)
		}
		params.Set("threshold", *threshold)
	}
	if *topK >= 0 {
		params.Set("top_k", strconv.Itoa(*topK))
	}
	for _, path := range fs.Args() {
		resp, err := identifyViaHTTP(*serverURL, path, params)
		if err != nil {
			fail("Identify %s failed: %v", path, err)
		}
		if err := cli.WriteIdentifyResults(os.Stdout, resp, format); err != nil {
			fail("Output failed: %v", err)
		}
	}
}

func identifyViaHTTP(serverURL, path string, params url.Values) (*models.IdentifyResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	endpoint := serverURL + "/api/v1/identify"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	resp, err := http.Post(endpoint, mw.FormDataContentType(), &body)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	var out models.IdentifyResponse
	if err := decodeResponse(resp, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func decodeResponse(resp *http.Response, want int, v interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(bytes.TrimSpace(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: kao ingest [flags] <image-or-directory>...\n\n")
		fmt.Fprintf(fs.Output(), "Labels come from file names: alice1.jpg and Alice_02.png both enroll \"alice\".\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}
	format := parseOutput(*outputFormat)

	a, logger, _ := openApp(*configPath, false)
	defer logger.Sync()
	defer a.Close()

	report, err := ingestPaths(context.Background(), a, fs.Args())
	if err != nil {
		fail("Ingest failed: %v", err)
	}
	if err := cli.WriteIngestReport(os.Stdout, report, format); err != nil {
		fail("Output failed: %v", err)
	}
}

// ingestPaths enrolls image files as one batch and bulk-loads directories.
func ingestPaths(ctx context.Context, a *app.App, paths []string) (*models.IngestReport, error) {
	report := models.NewIngestReport()
	var images []*ingest.Image
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			abs, err := filepath.Abs(p)
			if err != nil {
				return nil, err
			}
			loaded, err := a.Load(ctx, source.NewDirSource(abs, true))
			if err != nil {
				return nil, err
			}
			report.Merge(loaded)
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		images = append(images, &ingest.Image{Name: filepath.Base(p), Data: data})
	}
	if len(images) > 0 {
		batch, err := a.Pipeline.IngestImages(ctx, images)
		if err != nil {
			return nil, err
		}
		report.Merge(batch)
	}
	return report, nil
}

func runLoad() {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = load directly into storage)")
	path := fs.String("path", "", "local directory to load instead of the configured source")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseOutput(*outputFormat)

	var report *models.IngestReport
	if *serverURL != "" {
		var err error
		report, err = loadViaHTTP(*serverURL, *path)
		if err != nil {
			fail("Load failed: %v", err)
		}
	} else {
		a, logger, _ := openApp(*configPath, false)
		defer logger.Sync()
		defer a.Close()
		var src source.Source
		if *path != "" {
			abs, err := filepath.Abs(*path)
			if err != nil {
				fail("Invalid path: %v", err)
			}
			src = source.NewDirSource(abs, true)
		}
		var err error
		report, err = a.Load(context.Background(), src)
		if err != nil {
			fail("Load failed: %v", err)
		}
	}
	if err := cli.WriteIngestReport(os.Stdout, report, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func loadViaHTTP(serverURL, path string) (*models.IngestReport, error) {
	req := map[string]string{}
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		req["path"] = abs
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/load", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	var report models.IngestReport
	if err := decodeResponse(resp, http.StatusOK, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = read storage directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseOutput(*outputFormat)

	var status *models.StatusResponse
	if *serverURL != "" {
		var err error
		status, err = statusViaHTTP(*serverURL)
		if err != nil {
			fail("Status failed: %v", err)
		}
	} else {
		a, logger, _ := openApp(*configPath, false)
		defer logger.Sync()
		defer a.Close()
		var err error
		status, err = a.Status(context.Background())
		if err != nil {
			fail("Status failed: %v", err)
		}
	}
	if err := cli.WriteStatus(os.Stdout, status, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func statusViaHTTP(serverURL string) (*models.StatusResponse, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	var s models.StatusResponse
	if err := decodeResponse(resp, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kao delete [flags] <record-id>...")
		os.Exit(1)
	}
	a, logger, _ := openApp(*configPath, false)
	defer logger.Sync()
	defer a.Close()

	for _, id := range fs.Args() {
		rec, err := a.Pipeline.Remove(context.Background(), id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Deletion failed: %v\n", err)
			continue
		}
		fmt.Printf("Record deleted: %s (%s)\n", rec.ID, rec.Label)
	}
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: kao watch <add|remove|list> [path]")
		fmt.Println("  kao watch add <path>     Add directory to watch")
		fmt.Println("  kao watch remove <path>  Remove directory from watch")
		fmt.Println("  kao watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[3:])
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fail("Usage: kao watch add <path>")
		}
		path, _ := filepath.Abs(fs.Arg(0))
		body, _ := json.Marshal(map[string]interface{}{"path": path, "sync": true})
		resp, err := http.Post(*serverURL+"/api/v1/watch/directories", "application/json", bytes.NewReader(body))
		if err != nil {
			fail("Request failed: %v", err)
		}
		var out map[string]string
		if err := decodeResponse(resp, http.StatusCreated, &out); err != nil {
			fail("Add failed: %v", err)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fail("Usage: kao watch remove <path>")
		}
		path, _ := filepath.Abs(fs.Arg(0))
		req, _ := http.NewRequest(http.MethodDelete, *serverURL+"/api/v1/watch/directories?path="+url.QueryEscape(path), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fail("Request failed: %v", err)
		}
		var out map[string]string
		if err := decodeResponse(resp, http.StatusOK, &out); err != nil {
			fail("Remove failed: %v", err)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		resp, err := http.Get(*serverURL + "/api/v1/watch/directories")
		if err != nil {
			fail("Request failed: %v", err)
		}
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := decodeResponse(resp, http.StatusOK, &out); err != nil {
			fail("List failed: %v", err)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fail("Unknown watch subcommand: %s", sub)
	}
}

func printUsage() {
	fmt.Println(`kao - labeled face embedding index

Usage:
  kao server [flags]                 Start the HTTP server (and directory watcher)
  kao identify [flags] <image>...    Identify the faces in images (via server)
  kao ingest [flags] <path>...       Enroll images or directories (direct storage)
  kao load [flags]                   Bulk-load the configured source
  kao delete [flags] <id>...         Delete records by id (direct storage)
  kao status [flags]                 Show store/index status
  kao watch <add|remove|list>        Manage watched directories
  kao version                        Show version
  kao help                           Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/kao/config.yaml)
  --debug            Enable debug logging

Identify Flags:
  --server string     Server URL (default: http://localhost:8080)
  --threshold float   Match threshold in [-1, 1] (default from server config, 0.6)
  --top-k int         Ranked candidates per face (default from server config)
  --output string     Output format: text or json (default: text)

Ingest Flags:
  --config string    Config file path
  --output string    Output format: text or json (default: text)

Load Flags:
  --config string    Config file path (for direct mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" to load directly.
  --path string      Local directory to load instead of the configured source
  --output string    Output format: text or json (default: text)

Status Flags:
  --config string    Config file path (for direct mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct storage.
  --output string    Output format: text or json (default: text)

Examples:
  kao server
  kao ingest ./references/alice1.jpg ./references/bob.png
  kao ingest ./references
  kao identify group-photo.jpg
  kao identify --top-k 3 --threshold 0.5 --output json query.png
  kao load --path ./images_matching
  kao status --output json
  kao watch add /path/to/references`)
}
