// Package zfs exposes the snapshot filesystem primitives this module relies
// on (list datasets, list snapshots, list/place/release holds) as typed
// records, and resolves paths to the dataset that owns them.
package zfs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/snapbackup/internal/execx"
)

var (
	ErrHoldExists      = errors.New("hold tag already exists on snapshot")
	ErrHoldNotFound    = errors.New("no such hold tag on snapshot")
	ErrDatasetNotFound = errors.New("dataset or snapshot does not exist")
)

// Dataset is a snapshot-capable volume with its own mountpoint.
type Dataset struct {
	Name       string
	Mountpoint string
}

// Snapshot is an immutable point-in-time view of a dataset.
type Snapshot struct {
	Dataset  string
	Name     string
	Created  time.Time
	UserRefs int
}

// FullName returns dataset@name.
func (s Snapshot) FullName() string {
	return s.Dataset + "@" + s.Name
}

// Hold is a named pin on a snapshot.
type Hold struct {
	Snapshot string
	Tag      string
	Created  time.Time
}

// Client is the contract with the snapshot filesystem.
type Client interface {
	ListDatasets(ctx context.Context) ([]Dataset, error)
	// ListSnapshots returns the snapshots of one dataset, oldest first.
	ListSnapshots(ctx context.Context, dataset string) ([]Snapshot, error)
	ListHolds(ctx context.Context, snapshot string) ([]Hold, error)
	Hold(ctx context.Context, tag, snapshot string) error
	Release(ctx context.Context, tag, snapshot string) error
}

// CLI implements Client by invoking the zfs binary.
type CLI struct {
	logger zerolog.Logger
	bin    string
	runner execx.Runner
}

// NewCLI creates a CLI client. An empty bin defaults to "zfs".
func NewCLI(logger zerolog.Logger, bin string, runner execx.Runner) *CLI {
	if bin == "" {
		bin = "zfs"
	}
	if runner == nil {
		runner = execx.ExecRunner{}
	}
	return &CLI{
		logger: logger.With().Str("component", "zfs").Logger(),
		bin:    bin,
		runner: runner,
	}
}

func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	c.logger.Debug().Strs("args", args).Msg("executing zfs")
	res, err := c.runner.Run(ctx, execx.Command{Name: c.bin, Args: args})
	if err != nil {
		return res.Stdout, classifyError(err, string(res.Stderr))
	}
	return res.Stdout, nil
}

func classifyError(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "tag already exists"):
		return fmt.Errorf("%w: %w", ErrHoldExists, err)
	case strings.Contains(msg, "no such tag"):
		return fmt.Errorf("%w: %w", ErrHoldNotFound, err)
	case strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%w: %w", ErrDatasetNotFound, err)
	}
	return err
}

// ListDatasets lists every filesystem dataset with its mountpoint.
func (c *CLI) ListDatasets(ctx context.Context) ([]Dataset, error) {
	out, err := c.run(ctx, "list", "-H", "-p", "-t", "filesystem", "-o", "name,mountpoint")
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return parseDatasets(string(out))
}

// ListSnapshots lists the direct snapshots of dataset sorted by creation.
func (c *CLI) ListSnapshots(ctx context.Context, dataset string) ([]Snapshot, error) {
	out, err := c.run(ctx, "list", "-H", "-p", "-t", "snapshot", "-d", "1",
		"-s", "creation", "-o", "name,creation,userrefs", dataset)
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", dataset, err)
	}
	return parseSnapshots(string(out))
}

// ListHolds lists the holds on one snapshot.
func (c *CLI) ListHolds(ctx context.Context, snapshot string) ([]Hold, error) {
	out, err := c.run(ctx, "holds", "-H", "-p", snapshot)
	if err != nil {
		return nil, fmt.Errorf("list holds on %s: %w", snapshot, err)
	}
	return parseHolds(string(out))
}

// Hold places tag on snapshot.
func (c *CLI) Hold(ctx context.Context, tag, snapshot string) error {
	if _, err := c.run(ctx, "hold", tag, snapshot); err != nil {
		return fmt.Errorf("hold %s on %s: %w", tag, snapshot, err)
	}
	return nil
}

// Release removes tag from snapshot.
func (c *CLI) Release(ctx context.Context, tag, snapshot string) error {
	if _, err := c.run(ctx, "release", tag, snapshot); err != nil {
		return fmt.Errorf("release %s on %s: %w", tag, snapshot, err)
	}
	return nil
}

func fields(line string) []string {
	return strings.Split(strings.TrimRight(line, "\r"), "\t")
}

func parseDatasets(out string) ([]Dataset, error) {
	var datasets []Dataset
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f := fields(line)
		if len(f) < 2 {
			return nil, fmt.Errorf("unexpected dataset line %q", line)
		}
		datasets = append(datasets, Dataset{Name: f[0], Mountpoint: f[1]})
	}
	return datasets, nil
}

func parseSnapshots(out string) ([]Snapshot, error) {
	var snaps []Snapshot
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f := fields(line)
		if len(f) < 2 {
			return nil, fmt.Errorf("unexpected snapshot line %q", line)
		}
		ds, name, ok := strings.Cut(f[0], "@")
		if !ok {
			return nil, fmt.Errorf("not a snapshot name: %q", f[0])
		}
		created, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse creation of %s: %w", f[0], err)
		}
		snap := Snapshot{Dataset: ds, Name: name, Created: time.Unix(created, 0).UTC()}
		if len(f) > 2 {
			// userrefs is "-" on platforms that do not report it.
			if n, err := strconv.Atoi(f[2]); err == nil {
				snap.UserRefs = n
			} else {
				snap.UserRefs = -1
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// holdTimeLayout is what `zfs holds` prints when -p is not honoured.
const holdTimeLayout = "Mon Jan _2 15:04 2006"

func parseHolds(out string) ([]Hold, error) {
	var holds []Hold
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f := fields(line)
		if len(f) < 3 {
			return nil, fmt.Errorf("unexpected hold line %q", line)
		}
		created, err := parseHoldTime(f[2])
		if err != nil {
			return nil, fmt.Errorf("parse hold time on %s: %w", f[0], err)
		}
		holds = append(holds, Hold{Snapshot: f[0], Tag: f[1], Created: created})
	}
	return holds, nil
}

func parseHoldTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.ParseInLocation(holdTimeLayout, s, time.Local)
}
