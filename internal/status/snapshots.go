package status

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"

	"github.com/edvin/snapbackup/internal/model"
	"github.com/edvin/snapbackup/internal/restic"
)

// SnapshotLister is the restic query behind the snapshot listing.
type SnapshotLister interface {
	Snapshots(ctx context.Context, repo model.Repository, tags []string, latest int) ([]restic.Snapshot, error)
}

// Listing is the verified snapshot list of one job.
type Listing struct {
	Job            string            `json:"job_name"`
	RepositoryName string            `json:"repo_name"`
	RepositoryURL  string            `json:"repo_url"`
	Snapshots      []restic.Snapshot `json:"snapshots"`
	Verified       bool              `json:"verified"`
	Error          string            `json:"error,omitempty"`
}

// ListSnapshots queries the repository for the job's snapshots, newest
// latest of them when latest > 0. A query failure is reported in the
// listing rather than returned, so other jobs can still be shown.
func ListSnapshots(ctx context.Context, lister SnapshotLister, job model.BackupJob, repo model.Repository, latest int) Listing {
	l := Listing{Job: job.Name, RepositoryName: repo.DisplayName(), RepositoryURL: repo.URL}
	snaps, err := lister.Snapshots(ctx, repo, []string{job.Name}, latest)
	if err != nil {
		l.Error = restic.Excerpt(err)
		return l
	}
	l.Snapshots = snaps
	l.Verified = true
	return l
}

// WriteSnapshots renders listings for a terminal.
func WriteSnapshots(w io.Writer, listings []Listing, now time.Time) error {
	for i, l := range listings {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s -> %s (%s)\n", l.Job, l.RepositoryName, l.RepositoryURL)
		if !l.Verified {
			fmt.Fprintf(w, "  error: %s\n", l.Error)
			continue
		}
		if len(l.Snapshots) == 0 {
			fmt.Fprintln(w, "  no snapshots")
			continue
		}

		table := uitable.New()
		table.MaxColWidth = 60
		table.Wrap = true
		table.AddRow("ID", "TIME", "AGE", "HOST", "FILES", "SIZE", "PATHS")
		for _, s := range l.Snapshots {
			files, size := "-", "-"
			if s.Summary != nil {
				files = humanize.Comma(int64(s.Summary.TotalFilesProcessed))
				size = humanize.IBytes(uint64(s.Summary.TotalBytesProcessed))
			}
			table.AddRow(s.ShortID, s.Time.Local().Format("2006-01-02 15:04"), humanize.RelTime(s.Time, now, "ago", "from now"),
				s.Hostname, files, size, strings.Join(s.Paths, ", "))
		}
		if _, err := fmt.Fprintln(w, table); err != nil {
			return err
		}
	}
	return nil
}
