// Package restic drives the restic binary: backup, check, snapshots, ls,
// restore, stats and lock listing, with repository credentials passed
// through the environment.
package restic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/edvin/snapbackup/internal/execx"
	"github.com/edvin/snapbackup/internal/model"
)

// excerptBytes bounds the error text carried into events and notifications.
const excerptBytes = 500

// Client runs restic commands.
type Client struct {
	logger zerolog.Logger
	bin    string
	runner execx.Runner
}

// NewClient creates a client. An empty bin defaults to "restic".
func NewClient(logger zerolog.Logger, bin string, runner execx.Runner) *Client {
	if bin == "" {
		bin = "restic"
	}
	if runner == nil {
		runner = execx.ExecRunner{}
	}
	return &Client{
		logger: logger.With().Str("component", "restic").Logger(),
		bin:    bin,
		runner: runner,
	}
}

// BackupOptions controls a single backup invocation.
type BackupOptions struct {
	// FilesFrom is a file listing one path per line, so arbitrarily long
	// path lists never hit argv limits.
	FilesFrom string
	Excludes  []string
	Tags      []string
	Host      string
	Resources model.ResourceLimits
}

// BackupSummary is the final summary message of `restic backup --json`.
type BackupSummary struct {
	FilesNew            int     `json:"files_new"`
	FilesChanged        int     `json:"files_changed"`
	FilesUnmodified     int     `json:"files_unmodified"`
	DataAdded           int64   `json:"data_added"`
	TotalFilesProcessed int     `json:"total_files_processed"`
	TotalBytesProcessed int64   `json:"total_bytes_processed"`
	TotalDuration       float64 `json:"total_duration"`
	SnapshotID          string  `json:"snapshot_id"`
}

// Snapshot is one entry of `restic snapshots --json`.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags"`
	// Summary is recorded by restic 0.17 and later.
	Summary *SnapshotSummary `json:"summary,omitempty"`
}

// SnapshotSummary is the backup summary stored with a snapshot.
type SnapshotSummary struct {
	TotalFilesProcessed int   `json:"total_files_processed"`
	TotalBytesProcessed int64 `json:"total_bytes_processed"`
	DataAdded           int64 `json:"data_added"`
}

// Node is one entry of `restic ls --json`.
type Node struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Stats is the output of `restic stats --json --mode raw-data`.
type Stats struct {
	TotalSize      int64 `json:"total_size"`
	TotalFileCount int64 `json:"total_file_count"`
	SnapshotsCount int   `json:"snapshots_count"`
}

// CheckOptions selects how much pack data `restic check` reads.
type CheckOptions struct {
	ReadData       bool
	ReadDataSubset string
}

func (c *Client) env(repo model.Repository) ([]string, error) {
	var env []string
	if repo.EnvironmentFile != "" {
		extra, err := ReadEnvFile(repo.EnvironmentFile)
		if err != nil {
			return nil, err
		}
		env = append(env, extra...)
	}
	env = append(env,
		"RESTIC_REPOSITORY="+repo.URL,
		"RESTIC_PASSWORD_FILE="+repo.PasswordFile,
	)
	if repo.CacheDir != "" {
		env = append(env, "RESTIC_CACHE_DIR="+repo.CacheDir)
	}
	return env, nil
}

func (c *Client) run(ctx context.Context, repo model.Repository, prefix []string, args ...string) (execx.Result, error) {
	env, err := c.env(repo)
	if err != nil {
		return execx.Result{}, err
	}

	cmd := execx.Command{Name: c.bin, Args: args, Env: env}
	if len(prefix) > 0 {
		cmd = execx.Command{Name: prefix[0], Args: append(append(prefix[1:], c.bin), args...), Env: env}
	}

	c.logger.Debug().Str("repository", repo.Name).Strs("args", args).Msg("executing restic")
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return res, fmt.Errorf("restic %s: %w", args[0], err)
	}
	return res, nil
}

// resourcePrefix wraps the command in ionice and nice as configured.
func resourcePrefix(r model.ResourceLimits) []string {
	var prefix []string
	if r.IOClass != "" {
		prefix = append(prefix, "ionice", "-c", r.IOClass)
	}
	if r.Nice != 0 {
		prefix = append(prefix, "nice", "-n", strconv.Itoa(r.Nice))
	}
	return prefix
}

// Backup runs `restic backup` and returns the parsed summary.
func (c *Client) Backup(ctx context.Context, repo model.Repository, opts BackupOptions) (BackupSummary, error) {
	args := []string{"backup", "--json", "--files-from-verbatim", opts.FilesFrom}
	for _, t := range opts.Tags {
		args = append(args, "--tag", t)
	}
	if len(opts.Tags) > 0 {
		// Snapshot paths change every run; pick the parent by tag instead.
		args = append(args, "--group-by", "host,tags")
	}
	for _, e := range opts.Excludes {
		args = append(args, "--exclude", e)
	}
	if opts.Host != "" {
		args = append(args, "--host", opts.Host)
	}
	if opts.Resources.LimitUploadKiB > 0 {
		args = append(args, "--limit-upload", strconv.Itoa(opts.Resources.LimitUploadKiB))
	}
	if opts.Resources.LimitDownloadKiB > 0 {
		args = append(args, "--limit-download", strconv.Itoa(opts.Resources.LimitDownloadKiB))
	}

	res, err := c.run(ctx, repo, resourcePrefix(opts.Resources), args...)
	if err != nil {
		return BackupSummary{}, err
	}
	return parseBackupOutput(res.Stdout)
}

func parseBackupOutput(out []byte) (BackupSummary, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.Contains(line, []byte(`"summary"`)) {
			continue
		}
		var msg struct {
			MessageType string `json:"message_type"`
			BackupSummary
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.MessageType == "summary" {
			return msg.BackupSummary, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return BackupSummary{}, fmt.Errorf("read backup output: %w", err)
	}
	return BackupSummary{}, errors.New("restic backup: no summary in output")
}

// Check runs `restic check`.
func (c *Client) Check(ctx context.Context, repo model.Repository, opts CheckOptions) error {
	args := []string{"check"}
	switch {
	case opts.ReadData:
		args = append(args, "--read-data")
	case opts.ReadDataSubset != "":
		args = append(args, "--read-data-subset="+opts.ReadDataSubset)
	}
	_, err := c.run(ctx, repo, nil, args...)
	return err
}

// Snapshots lists snapshots, optionally restricted to those carrying every
// tag in tags and to the latest n per host/path group.
func (c *Client) Snapshots(ctx context.Context, repo model.Repository, tags []string, latest int) ([]Snapshot, error) {
	args := []string{"snapshots", "--json"}
	if len(tags) > 0 {
		args = append(args, "--tag", strings.Join(tags, ","))
	}
	if latest > 0 {
		args = append(args, "--latest", strconv.Itoa(latest))
	}
	res, err := c.run(ctx, repo, nil, args...)
	if err != nil {
		return nil, err
	}
	var snaps []Snapshot
	if err := json.Unmarshal(bytes.TrimSpace(res.Stdout), &snaps); err != nil {
		return nil, fmt.Errorf("parse snapshots: %w", err)
	}
	return snaps, nil
}

// ListFiles lists the nodes of one snapshot.
func (c *Client) ListFiles(ctx context.Context, repo model.Repository, snapshotID string) ([]Node, error) {
	res, err := c.run(ctx, repo, nil, "ls", "--json", snapshotID)
	if err != nil {
		return nil, err
	}
	return parseLsOutput(res.Stdout)
}

func parseLsOutput(out []byte) ([]Node, error) {
	var nodes []Node
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line struct {
			StructType  string `json:"struct_type"`
			MessageType string `json:"message_type"`
			Node
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("parse ls output: %w", err)
		}
		if line.StructType == "node" || line.MessageType == "node" {
			nodes = append(nodes, line.Node)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ls output: %w", err)
	}
	return nodes, nil
}

// Restore restores the included paths of a snapshot under target.
func (c *Client) Restore(ctx context.Context, repo model.Repository, snapshotID, target string, include []string) error {
	args := []string{"restore", snapshotID, "--target", target}
	for _, p := range include {
		args = append(args, "--include", p)
	}
	_, err := c.run(ctx, repo, nil, args...)
	return err
}

// Stats returns repository-wide raw data statistics.
func (c *Client) Stats(ctx context.Context, repo model.Repository) (Stats, error) {
	res, err := c.run(ctx, repo, nil, "stats", "--json", "--mode", "raw-data")
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if err := json.Unmarshal(bytes.TrimSpace(res.Stdout), &st); err != nil {
		return Stats{}, fmt.Errorf("parse stats: %w", err)
	}
	return st, nil
}

// Locks counts the locks currently present in the repository.
func (c *Client) Locks(ctx context.Context, repo model.Repository) (int, error) {
	res, err := c.run(ctx, repo, nil, "list", "locks", "--no-lock")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n, nil
}

// Excerpt extracts a short, human-readable error excerpt from err, preferring
// the tail of the tool's stderr.
func Excerpt(err error) string {
	if err == nil {
		return ""
	}
	var exitErr *execx.ExitError
	if errors.As(err, &exitErr) && strings.TrimSpace(exitErr.Stderr) != "" {
		return execx.Tail(exitErr.Stderr, excerptBytes)
	}
	return execx.Tail(err.Error(), excerptBytes)
}

// ReadEnvFile parses a systemd/dotenv-style environment file into KEY=VALUE
// pairs sorted by key.
func ReadEnvFile(path string) ([]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read environment file %s: %w", path, err)
	}
	env := make([]string, 0, len(vars))
	for _, key := range slices.Sorted(maps.Keys(vars)) {
		env = append(env, key+"="+vars[key])
	}
	return env, nil
}
