package model

import (
	"path"
	"strings"
	"time"
)

// Repository is a backup destination addressed by URL plus credential material.
type Repository struct {
	Name            string
	URL             string
	PasswordFile    string
	EnvironmentFile string
	CacheDir        string
	Primary         bool
	// Preflight enables a reachability check of s3: repositories before a run.
	Preflight bool
}

// DisplayName is the short repository name shown on dashboards: the parent
// directory of a local repository, or the kind of object store.
func (r Repository) DisplayName() string {
	switch {
	case strings.HasPrefix(r.URL, "s3:") && strings.Contains(r.URL, "r2.cloudflarestorage.com"):
		return "r2-offsite"
	case strings.HasPrefix(r.URL, "s3:"):
		return "s3-remote"
	case strings.HasPrefix(r.URL, "/"):
		if dir := path.Base(path.Dir(path.Clean(r.URL))); dir != "/" && dir != "." {
			return dir
		}
	}
	return r.Name
}

// Location is "local" for filesystem repositories and "remote" otherwise.
func (r Repository) Location() string {
	if strings.HasPrefix(r.URL, "/") {
		return "local"
	}
	return "remote"
}

// ResourceLimits bounds what a single backup run may consume.
type ResourceLimits struct {
	Nice             int
	IOClass          string
	LimitUploadKiB   int
	LimitDownloadKiB int
}

// RestartBudget bounds how many failed attempts a job may make inside a
// rolling window before further triggers are refused.
type RestartBudget struct {
	Attempts int
	Window   time.Duration
}

// BackupJob is immutable for the duration of a run.
type BackupJob struct {
	Name         string
	Paths        []string
	Repository   string
	Exclude      []string
	Tags         []string
	After        []string
	Schedule     string
	Timeout      time.Duration
	CleanupGrace time.Duration
	Resources    ResourceLimits
	Budget       RestartBudget
}

// VerificationJob runs integrity checks against one repository.
type VerificationJob struct {
	Repository string
	Schedule   string
	// ReadData checks every pack. ReadDataSubset (e.g. "5%") samples instead.
	ReadData       bool
	ReadDataSubset string
	CollectStats   bool
	Timeout        time.Duration
}

// RestoreTestJob periodically restores a sample of files from one repository.
type RestoreTestJob struct {
	Repository  string
	Schedule    string
	SampleFiles int
	ScratchDir  string
	Retain      bool
	Tags        []string
	Timeout     time.Duration
}
