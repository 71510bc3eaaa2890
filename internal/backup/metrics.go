package backup

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edvin/snapbackup/internal/metrics"
	"github.com/edvin/snapbackup/internal/model"
)

func jobSamples(r *run, res Result, state State, hostname string) []metrics.Sample {
	labels := prometheus.Labels{
		"backup_job":          r.job.Name,
		"repository":          r.repo.Name,
		"repository_name":     r.repo.DisplayName(),
		"repository_location": r.repo.Location(),
		"hostname":            hostname,
	}

	samples := []metrics.Sample{
		{Name: "restic_backup_status", Help: "Result of the last backup run (1 = success, 0 = failure).", Labels: labels, Value: metrics.Bool(res.Status == model.StatusSuccess)},
		{Name: "restic_backup_duration_seconds", Help: "Duration of the last backup run.", Labels: labels, Value: res.Duration.Seconds()},
		{Name: "restic_backup_last_run_timestamp", Help: "Unix time the last backup run finished.", Labels: labels, Value: float64(res.Started.Add(res.Duration).Unix())},
		{Name: "restic_backup_holds", Help: "Snapshot holds placed by the last backup run.", Labels: labels, Value: float64(len(res.Holds))},
		{Name: "restic_backup_recent_failures", Help: "Failed runs inside the restart budget window.", Labels: labels, Value: float64(len(state.Failures))},
	}
	if !state.LastSuccess.IsZero() {
		samples = append(samples, metrics.Sample{Name: "restic_backup_last_success_timestamp", Help: "Unix time of the last successful backup.", Labels: labels, Value: float64(state.LastSuccess.Unix())})
	}
	if !state.LastFailure.IsZero() {
		samples = append(samples, metrics.Sample{Name: "restic_backup_last_failure_timestamp", Help: "Unix time of the last failed backup.", Labels: labels, Value: float64(state.LastFailure.Unix())})
	}
	if res.Status == model.StatusSuccess {
		s := res.Summary
		samples = append(samples,
			metrics.Sample{Name: "restic_backup_files_total", Help: "Files processed by the last successful backup.", Labels: labels, Value: float64(s.TotalFilesProcessed)},
			metrics.Sample{Name: "restic_backup_size_bytes", Help: "Bytes processed by the last successful backup.", Labels: labels, Value: float64(s.TotalBytesProcessed)},
			metrics.Sample{Name: "restic_backup_data_added_bytes", Help: "New data added to the repository by the last successful backup.", Labels: labels, Value: float64(s.DataAdded)},
			metrics.Sample{Name: "restic_backup_files_new", Help: "New files in the last successful backup.", Labels: labels, Value: float64(s.FilesNew)},
			metrics.Sample{Name: "restic_backup_files_changed", Help: "Changed files in the last successful backup.", Labels: labels, Value: float64(s.FilesChanged)},
		)
	}
	return samples
}
