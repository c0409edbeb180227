package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	apiclient "github.com/vague-archive/cloud-platform-sub000/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
	Token      string `json:"token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "push":
		err = commandPush(args)
	case "upload":
		err = commandUpload(args)
	case "info":
		err = commandInfo(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Deploy API token")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4100)")
	fs.Parse(args)

	if strings.TrimSpace(*token) == "" {
		return errors.New("--token is required")
	}
	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.Token = strings.TrimSpace(*token)
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("credentials saved")
	return nil
}

type pushFlags struct {
	dir         string
	target      apiclient.Target
	uploads     int
	concurrency int
	timeout     time.Duration
}

func parsePush(name string, args []string, withUploads bool) (pushFlags, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	var opts pushFlags
	fs.StringVar(&opts.target.Organization, "org", "", "Organization slug")
	fs.StringVar(&opts.target.Game, "game", "", "Game slug")
	fs.StringVar(&opts.target.Branch, "branch", "", "Branch name")
	fs.StringVar(&opts.target.Password, "password", "", "Password for a new branch")
	fs.StringVar(&opts.target.DeployedBy, "by", os.Getenv("USER"), "Deployer recorded on the deploy")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Minute, "Overall deploy timeout")
	if withUploads {
		fs.IntVar(&opts.uploads, "uploads", 4, "Parallel asset uploads")
		fs.IntVar(&opts.concurrency, "concurrency", 0, "Server-side copy concurrency (0 uses the server default)")
	}
	fs.Parse(args)

	t := opts.target
	if strings.TrimSpace(t.Organization) == "" || strings.TrimSpace(t.Game) == "" || strings.TrimSpace(t.Branch) == "" {
		return opts, errors.New("--org, --game and --branch are required")
	}
	if fs.NArg() != 1 {
		return opts, fmt.Errorf("usage: share %s [flags] PATH", name)
	}
	opts.dir = fs.Arg(0)
	return opts, nil
}

func commandPush(args []string) error {
	opts, err := parsePush("push", args, true)
	if err != nil {
		return err
	}
	return runDeploy(opts, pushIncremental)
}

func commandUpload(args []string) error {
	opts, err := parsePush("upload", args, false)
	if err != nil {
		return err
	}
	return runDeploy(opts, pushArchive)
}

type deployFunc func(ctx context.Context, client *apiclient.Client, token string, opts pushFlags) (apiclient.Result, error)

func runDeploy(opts pushFlags, run deployFunc) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	res, err := run(ctx, client, cfg.Token, opts)
	if err != nil {
		return err
	}
	if !res.Served() {
		fmt.Printf("deploy #%d finished but is not served (%s)\n", res.Number, res.Outcome)
		return nil
	}
	fmt.Printf("deploy #%d active at %s (%s)\n", res.Number, res.URL, res.Duration.Round(time.Millisecond))
	return nil
}

// pushArchive streams a .tgz file as is, or packs a directory on the fly.
func pushArchive(ctx context.Context, client *apiclient.Client, token string, opts pushFlags) (apiclient.Result, error) {
	info, err := os.Stat(opts.dir)
	if err != nil {
		return apiclient.Result{}, err
	}
	if !info.IsDir() {
		f, err := os.Open(opts.dir)
		if err != nil {
			return apiclient.Result{}, err
		}
		defer f.Close()
		return client.Deploy(ctx, token, opts.target, f)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(apiclient.PackArchive(opts.dir, pw))
	}()
	defer pr.Close()
	return client.Deploy(ctx, token, opts.target, pr)
}

func pushIncremental(ctx context.Context, client *apiclient.Client, token string, opts pushFlags) (apiclient.Result, error) {
	manifest, err := apiclient.BuildManifest(opts.dir)
	if err != nil {
		return apiclient.Result{}, fmt.Errorf("build manifest: %w", err)
	}
	begin, err := client.BeginIncremental(ctx, token, opts.target, manifest)
	if err != nil {
		return apiclient.Result{}, err
	}
	fmt.Printf("deploy #%d started: %d of %d assets to upload\n", begin.Number, len(begin.Missing), len(manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.uploads, 1))
	uploaded := make(map[string]struct{}, len(begin.Missing))
	for _, asset := range begin.Missing {
		if _, dup := uploaded[asset.Digest]; dup {
			continue
		}
		uploaded[asset.Digest] = struct{}{}
		g.Go(func() error {
			return uploadAsset(gctx, client, token, begin.DeployID, opts.dir, asset)
		})
	}
	if err := g.Wait(); err != nil {
		return apiclient.Result{}, err
	}
	return client.Activate(ctx, token, begin.DeployID, opts.concurrency)
}

func uploadAsset(ctx context.Context, client *apiclient.Client, token, deployID, dir string, asset apiclient.Asset) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(asset.Path)))
	if err != nil {
		return err
	}
	defer f.Close()
	contentType := mime.TypeByExtension(path.Ext(asset.Path))
	if _, err := client.UploadAsset(ctx, token, deployID, asset.Digest, contentType, f); err != nil {
		return fmt.Errorf("upload %s: %w", asset.Path, err)
	}
	return nil
}

func commandInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	org := fs.String("org", "", "Organization slug")
	game := fs.String("game", "", "Game slug")
	branch := fs.String("branch", "", "Branch name")
	fs.Parse(args)

	if strings.TrimSpace(*org) == "" || strings.TrimSpace(*game) == "" || strings.TrimSpace(*branch) == "" {
		return errors.New("--org, --game and --branch are required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	info, err := client.GetDeployInfo(ctx, cfg.Token, *org, *game, *branch)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", info.Purpose, info.FilePath)
	return nil
}

func loadConfig() (cliConfig, error) {
	cfg := cliConfig{APIBaseURL: os.Getenv("SHARE_API_URL"), Token: os.Getenv("SHARE_TOKEN")}
	path, err := configPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cliConfig{}, err
	}
	var stored cliConfig
	if err := json.Unmarshal(data, &stored); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = stored.APIBaseURL
	}
	if cfg.Token == "" {
		cfg.Token = stored.Token
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "share", "config.json"), nil
}

func printUsage() {
	fmt.Printf("share CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	share login --token <token> [--api http://localhost:4100]
	share push --org <org> --game <game> --branch <branch> [--password secret] [--uploads N] DIR
	share upload --org <org> --game <game> --branch <branch> [--password secret] FILE.tgz|DIR
	share info --org <org> --game <game> --branch <branch>
	share version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
