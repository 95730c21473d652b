package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/packdepot/packdepot"
)

// cliConfig is the optional YAML config file, read from $PACKDEPOT_CONFIG
// or ~/.packdepot.yaml. The repository argument on the command line takes
// precedence over the configured one.
type cliConfig struct {
	Repository string `yaml:"repository"`
	LogLevel   string `yaml:"log_level"`
}

func usage() {
	fmt.Println("Usage: packdepot <command> [repository] [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  init <path> [--btree]")
	fmt.Println("  info [path]")
	fmt.Println("  check [path]")
	fmt.Println("  pack [path] [--clean-obsolete]")
	fmt.Println("  break-lock [path]")
	fmt.Println("The repository may also come from ~/.packdepot.yaml or $PACKDEPOT_CONFIG.")
	os.Exit(1)
}

func main() {
	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	initBtree := initCmd.Bool("btree", false, "use btree indexes (enables chk pages)")
	packCmd := flag.NewFlagSet("pack", flag.ExitOnError)
	packClean := packCmd.Bool("clean-obsolete", false, "empty the obsolete_packs quarantine afterwards")

	if len(os.Args) < 2 {
		usage()
	}

	fileConf := loadCLIConfig()
	target, rest := splitTarget(os.Args[2:], fileConf.Repository)
	if target == "" {
		usage()
	}

	ctx := context.Background()
	conf := packdepot.Config{
		URL:    repoURL(target),
		Logger: newLogger(fileConf.LogLevel),
	}

	switch os.Args[1] {
	case "init":
		initCmd.Parse(rest)
		repo, err := packdepot.Init(ctx, conf, *initBtree)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing repository: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Initialized repository at %s\n", repo.URL())

	case "info":
		repo := openRepo(ctx, conf)
		mustLockRead(ctx, repo)
		defer repo.Unlock(ctx)
		info, err := repo.Info(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting info: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Repository:")
		fmt.Printf("  URL:        %s\n", info.URL)
		fmt.Printf("  Format:     %s\n", info.Format)
		fmt.Printf("  Packs:      %d\n", info.PackCount)
		fmt.Printf("  Revisions:  %d\n", info.RevisionCount)
		if info.DiskTotal > 0 {
			fmt.Printf("  Disk free:  %d / %d bytes\n", info.DiskFree, info.DiskTotal)
		}

	case "check":
		repo := openRepo(ctx, conf)
		mustLockRead(ctx, repo)
		defer repo.Unlock(ctx)
		problems, err := repo.Check(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking repository: %v\n", err)
			os.Exit(1)
		}
		if len(problems) == 0 {
			fmt.Println("Repository is consistent.")
			return
		}
		for _, p := range problems {
			fmt.Println(p)
		}
		os.Exit(1)

	case "pack":
		packCmd.Parse(rest)
		repo := openRepo(ctx, conf)
		if err := repo.LockWrite(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error taking write lock: %v\n", err)
			os.Exit(1)
		}
		defer repo.Unlock(ctx)
		if err := repo.Pack(ctx, nil, *packClean); err != nil {
			fmt.Fprintf(os.Stderr, "Error packing: %v\n", err)
			os.Exit(1)
		}
		names, err := repo.PackNames(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing packs: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Packed into %d pack(s).\n", len(names))

	case "break-lock":
		repo := openRepo(ctx, conf)
		holder, err := repo.PeekLock(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading lock: %v\n", err)
			os.Exit(1)
		}
		if holder == nil {
			fmt.Println("Repository is not locked.")
			return
		}
		fmt.Printf("Breaking lock held by %s (pid %d, since %s)\n",
			holder.Host, holder.PID, holder.AcquiredAt)
		if err := repo.BreakLock(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error breaking lock: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Lock broken.")

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func loadCLIConfig() cliConfig {
	path := os.Getenv("PACKDEPOT_CONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cliConfig{}
		}
		path = filepath.Join(home, ".packdepot.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cliConfig{}
	}
	var conf cliConfig
	if err := yaml.Unmarshal(data, &conf); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring malformed config %s: %v\n", path, err)
		return cliConfig{}
	}
	return conf
}

// splitTarget peels the repository argument off the front of args when one
// is present; flags stay for the per-command flag set. The configured
// repository is the fallback.
func splitTarget(args []string, configured string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return configured, args
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	if parsed, err := logrus.ParseLevel(level); level != "" && err == nil {
		log.SetLevel(parsed)
	}
	return log
}

// repoURL accepts either a transport URL or a plain filesystem path.
func repoURL(arg string) string {
	if strings.Contains(arg, "://") {
		return arg
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving path: %v\n", err)
		os.Exit(1)
	}
	return "file://" + abs
}

func openRepo(ctx context.Context, conf packdepot.Config) *packdepot.Repository {
	repo, err := packdepot.Open(ctx, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening repository: %v\n", err)
		os.Exit(1)
	}
	return repo
}

func mustLockRead(ctx context.Context, repo *packdepot.Repository) {
	if err := repo.LockRead(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error taking read lock: %v\n", err)
		os.Exit(1)
	}
}
