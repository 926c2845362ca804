// Command tallr is the wrapper CLI: `tallr <agent> [args...]` hosts an
// interactive AI coding agent under a pseudo-terminal, observes its state,
// and reports it to a running tallrd Broker (spec §4.3, §6).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kaihochak/tallr/internal/client"
	"github.com/kaihochak/tallr/internal/common/config"
	"github.com/kaihochak/tallr/internal/common/logger"
	"github.com/kaihochak/tallr/internal/patternmatch"
	"github.com/kaihochak/tallr/internal/ptyhost"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tallr <agent-command> [args...]")
		return 1
	}

	// 1. Load configuration (broker gateway, tracker debounce/cooldown knobs).
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	// 2. Initialize logger. Stdout is the pump's exclusive channel to the
	// user's terminal (spec §4.3 non-interference), so a configured "stdout"
	// (or empty) output path is replaced with stderr; a file path is kept.
	outputPath := cfg.Logging.OutputPath
	if outputPath == "stdout" || outputPath == "" {
		outputPath = "stderr"
	}
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: outputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	// 3. Resolve the bearer token: TALLR_TOKEN env override, else the
	// Broker's well-known token file (spec §6).
	token, err := client.ResolveToken(cfg.Broker.TokenPath())
	if err != nil {
		log.WithError(err).Error("failed to read broker auth token")
		return 1
	}

	gateway := cfg.Client.Gateway
	if g := os.Getenv("TALLR_GATEWAY"); g != "" {
		gateway = g
	}

	brokerClient := client.New(client.Config{
		Gateway:        gateway,
		Token:          token,
		ConnectTimeout: cfg.Client.ConnectTimeout,
		ReadTimeout:    cfg.Client.ReadTimeout,
		RetryAttempts:  cfg.Client.RetryAttempts,
		RetryDelay:     cfg.Client.RetryDelay,
	}, log)

	// 4. Build the pattern table, merging the optional operator override
	// file (spec §9 Open Questions: gemini/codex extension points).
	table := patternmatch.NewTable()
	if err := table.LoadOverrides(cfg.Broker.PatternFile); err != nil {
		log.WithError(err).Warn("failed to load pattern override file, using built-in patterns only")
	}

	// 5. Discover project metadata (spec §4.3 step 2: repo path = CWD,
	// preferred IDE via best-effort parent-process inspection with a user
	// override).
	meta := discoverMetadata(os.Args[1:])

	log.WithAgent(meta.agent).Info("starting agent session", zap.Strings("command", meta.command))

	return ptyhost.Run(context.Background(), ptyhost.Options{
		Command:      meta.command,
		WorkingDir:   meta.repoPath,
		Agent:        meta.agent,
		Title:        meta.title,
		ProjectName:  meta.projectName,
		RepoPath:     meta.repoPath,
		PreferredIDE: meta.ide,
		Token:        token,
		Broker:       brokerClient,
		Table:        table,
		Tracker:      cfg.Tracker,
		Log:          log,
	})
}

// metadata is the project/task identity discovered at startup (spec §4.3
// step 2, §6 "Environment consumed by the wrapper").
type metadata struct {
	command     []string
	agent       string
	title       string
	projectName string
	repoPath    string
	ide         string
}

func discoverMetadata(command []string) metadata {
	repoPath := os.Getenv("TL_REPO")
	if repoPath == "" {
		if cwd, err := os.Getwd(); err == nil {
			repoPath = cwd
		}
	}

	agent := os.Getenv("TL_AGENT")
	if agent == "" {
		agent = filepath.Base(command[0])
	}

	title := os.Getenv("TL_TITLE")
	if title == "" {
		title = agent
	}

	projectName := os.Getenv("TL_PROJECT")
	if projectName == "" {
		projectName = filepath.Base(repoPath)
	}

	ide := os.Getenv("TL_IDE")
	if ide == "" {
		ide = detectIDE()
	}

	return metadata{
		command:     command,
		agent:       agent,
		title:       title,
		projectName: projectName,
		repoPath:    repoPath,
		ide:         ide,
	}
}
