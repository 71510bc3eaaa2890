package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/edvin/snapbackup/internal/model"
	"github.com/edvin/snapbackup/internal/schedule"
)

var (
	ErrUnknownJob        = errors.New("unknown backup job")
	ErrUnknownRepository = errors.New("unknown repository")
)

var validate = validator.New()

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

// subsetRegex accepts restic's --read-data-subset forms: n%, n/m and sizes.
var subsetRegex = regexp.MustCompile(`^(\d+(\.\d+)?%|\d+/\d+|\d+[KMGT]?)$`)

func init() {
	validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
}

// Defaults applied to omitted registry settings.
const (
	DefaultTagPrefix       = "backup-"
	DefaultStaleAfter      = 24 * time.Hour
	DefaultJobTimeout      = 12 * time.Hour
	DefaultCleanupGrace    = 2 * time.Minute
	DefaultBudgetAttempts  = 3
	DefaultBudgetWindow    = 24 * time.Hour
	DefaultSampleFiles     = 5
	DefaultScratchDir      = "/var/tmp/snapbackup-restore"
	DefaultScanWindow      = 48 * time.Hour
	DefaultAggregateWindow = 24 * time.Hour
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultConcurrency     = 2
)

type fileDef struct {
	Hostname     string                     `yaml:"hostname"`
	Concurrency  int                        `yaml:"concurrency" validate:"gte=0"`
	Tools        Tools                      `yaml:"tools"`
	Holds        holdsDef                   `yaml:"holds"`
	Repositories map[string]repositoryDef   `yaml:"repositories" validate:"required,min=1,dive,keys,slug,endkeys"`
	Jobs         map[string]jobDef          `yaml:"jobs" validate:"dive,keys,slug,endkeys"`
	Verification map[string]verificationDef `yaml:"verification" validate:"dive"`
	RestoreTests map[string]restoreTestDef  `yaml:"restore_tests" validate:"dive"`
	Analyzer     analyzerDef                `yaml:"analyzer"`
	Notify       NotifyDef                  `yaml:"notify"`
}

// Tools names the external binaries.
type Tools struct {
	Restic string `yaml:"restic"`
	ZFS    string `yaml:"zfs"`
}

type holdsDef struct {
	TagPrefix  string        `yaml:"tag_prefix" validate:"omitempty,max=32,excludesall=@"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type repositoryDef struct {
	URL             string `yaml:"url" validate:"required"`
	PasswordFile    string `yaml:"password_file" validate:"required"`
	EnvironmentFile string `yaml:"environment_file"`
	CacheDir        string `yaml:"cache_dir"`
	Primary         bool   `yaml:"primary"`
	Preflight       bool   `yaml:"preflight"`
}

type resourcesDef struct {
	Nice             int    `yaml:"nice" validate:"gte=-20,lte=19"`
	IOClass          string `yaml:"io_class" validate:"omitempty,oneof=idle best-effort realtime 1 2 3"`
	LimitUploadKiB   int    `yaml:"limit_upload_kib" validate:"gte=0"`
	LimitDownloadKiB int    `yaml:"limit_download_kib" validate:"gte=0"`
}

type budgetDef struct {
	Attempts int           `yaml:"attempts" validate:"gte=0"`
	Window   time.Duration `yaml:"window"`
}

type jobDef struct {
	Paths         []string      `yaml:"paths" validate:"required,min=1,dive,startswith=/"`
	Repository    string        `yaml:"repository" validate:"required"`
	Exclude       []string      `yaml:"exclude"`
	Tags          []string      `yaml:"tags"`
	After         []string      `yaml:"after"`
	Schedule      string        `yaml:"schedule"`
	Timeout       time.Duration `yaml:"timeout"`
	CleanupGrace  time.Duration `yaml:"cleanup_grace"`
	Resources     resourcesDef  `yaml:"resources"`
	RestartBudget budgetDef     `yaml:"restart_budget"`
}

type verificationDef struct {
	Schedule       string        `yaml:"schedule"`
	ReadData       bool          `yaml:"read_data"`
	ReadDataSubset string        `yaml:"read_data_subset"`
	CollectStats   bool          `yaml:"collect_stats"`
	Timeout        time.Duration `yaml:"timeout"`
}

type restoreTestDef struct {
	Schedule    string        `yaml:"schedule"`
	SampleFiles int           `yaml:"sample_files" validate:"gte=0"`
	ScratchDir  string        `yaml:"scratch_dir" validate:"omitempty,startswith=/"`
	Retain      bool          `yaml:"retain"`
	Tags        []string      `yaml:"tags"`
	Timeout     time.Duration `yaml:"timeout"`
}

type ruleDef struct {
	Pattern    string `yaml:"pattern" validate:"required"`
	Category   string `yaml:"category" validate:"required"`
	Severity   string `yaml:"severity" validate:"required,oneof=low medium high critical"`
	Actionable bool   `yaml:"actionable"`
	Retryable  bool   `yaml:"retryable"`
}

type analyzerDef struct {
	ScanWindow      time.Duration `yaml:"scan_window"`
	AggregateWindow time.Duration `yaml:"aggregate_window"`
	Retention       time.Duration `yaml:"retention"`
	Rules           []ruleDef     `yaml:"rules" validate:"dive"`
}

// NotifyDef configures the failure notification hook.
type NotifyDef struct {
	Command string   `yaml:"command" validate:"omitempty,startswith=/"`
	Args    []string `yaml:"args"`
}

// AnalyzerSettings are the error analyzer's windows and rule table. An empty
// rule table means the built-in defaults.
type AnalyzerSettings struct {
	ScanWindow      time.Duration
	AggregateWindow time.Duration
	Retention       time.Duration
	Rules           []model.Rule
}

// Registry is the validated, typed view of the configuration file. It is
// built once at startup and read-only afterwards.
type Registry struct {
	Hostname      string
	Concurrency   int
	Tools         Tools
	HoldTagPrefix string
	StaleAfter    time.Duration
	Repositories  map[string]model.Repository
	Jobs          map[string]model.BackupJob
	Verifications map[string]model.VerificationJob
	RestoreTests  map[string]model.RestoreTestJob
	Analyzer      AnalyzerSettings
	Notify        NotifyDef
}

// LoadRegistry reads and validates the registry at path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry validates a registry document exhaustively: every problem is
// reported, not just the first.
func ParseRegistry(data []byte) (*Registry, error) {
	var def fileDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var problems []error
	if err := validate.Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err)
		}
	}

	reg := &Registry{
		Hostname:      def.Hostname,
		Concurrency:   def.Concurrency,
		Tools:         def.Tools,
		HoldTagPrefix: orString(def.Holds.TagPrefix, DefaultTagPrefix),
		StaleAfter:    orDuration(def.Holds.StaleAfter, DefaultStaleAfter),
		Repositories:  make(map[string]model.Repository, len(def.Repositories)),
		Jobs:          make(map[string]model.BackupJob, len(def.Jobs)),
		Verifications: make(map[string]model.VerificationJob, len(def.Verification)),
		RestoreTests:  make(map[string]model.RestoreTestJob, len(def.RestoreTests)),
		Notify:        def.Notify,
	}
	if reg.Concurrency == 0 {
		reg.Concurrency = DefaultConcurrency
	}

	for name, r := range def.Repositories {
		reg.Repositories[name] = model.Repository{
			Name:            name,
			URL:             r.URL,
			PasswordFile:    r.PasswordFile,
			EnvironmentFile: r.EnvironmentFile,
			CacheDir:        r.CacheDir,
			Primary:         r.Primary,
			Preflight:       r.Preflight,
		}
	}

	for name, j := range def.Jobs {
		if _, ok := def.Repositories[j.Repository]; j.Repository != "" && !ok {
			problems = append(problems, fmt.Errorf("job %s: %w %q", name, ErrUnknownRepository, j.Repository))
		}
		for _, dep := range j.After {
			if _, ok := def.Jobs[dep]; !ok {
				problems = append(problems, fmt.Errorf("job %s: runs after %w %q", name, ErrUnknownJob, dep))
			}
		}
		if j.Timeout < 0 || j.CleanupGrace < 0 || j.RestartBudget.Window < 0 {
			problems = append(problems, fmt.Errorf("job %s: durations must not be negative", name))
		}
		reg.Jobs[name] = model.BackupJob{
			Name:         name,
			Paths:        j.Paths,
			Repository:   j.Repository,
			Exclude:      j.Exclude,
			Tags:         j.Tags,
			After:        j.After,
			Schedule:     j.Schedule,
			Timeout:      orDuration(j.Timeout, DefaultJobTimeout),
			CleanupGrace: orDuration(j.CleanupGrace, DefaultCleanupGrace),
			Resources: model.ResourceLimits{
				Nice:             j.Resources.Nice,
				IOClass:          j.Resources.IOClass,
				LimitUploadKiB:   j.Resources.LimitUploadKiB,
				LimitDownloadKiB: j.Resources.LimitDownloadKiB,
			},
			Budget: model.RestartBudget{
				Attempts: orInt(j.RestartBudget.Attempts, DefaultBudgetAttempts),
				Window:   orDuration(j.RestartBudget.Window, DefaultBudgetWindow),
			},
		}
	}

	for repo, v := range def.Verification {
		if _, ok := def.Repositories[repo]; !ok {
			problems = append(problems, fmt.Errorf("verification: %w %q", ErrUnknownRepository, repo))
		}
		if v.ReadDataSubset != "" && !subsetRegex.MatchString(v.ReadDataSubset) {
			problems = append(problems, fmt.Errorf("verification %s: invalid read_data_subset %q", repo, v.ReadDataSubset))
		}
		reg.Verifications[repo] = model.VerificationJob{
			Repository:     repo,
			Schedule:       v.Schedule,
			ReadData:       v.ReadData,
			ReadDataSubset: v.ReadDataSubset,
			CollectStats:   v.CollectStats,
			Timeout:        orDuration(v.Timeout, DefaultJobTimeout),
		}
	}

	for repo, rt := range def.RestoreTests {
		if _, ok := def.Repositories[repo]; !ok {
			problems = append(problems, fmt.Errorf("restore_tests: %w %q", ErrUnknownRepository, repo))
		}
		reg.RestoreTests[repo] = model.RestoreTestJob{
			Repository:  repo,
			Schedule:    rt.Schedule,
			SampleFiles: orInt(rt.SampleFiles, DefaultSampleFiles),
			ScratchDir:  orString(rt.ScratchDir, DefaultScratchDir),
			Retain:      rt.Retain,
			Tags:        rt.Tags,
			Timeout:     orDuration(rt.Timeout, DefaultJobTimeout),
		}
	}

	reg.Analyzer = AnalyzerSettings{
		ScanWindow:      orDuration(def.Analyzer.ScanWindow, DefaultScanWindow),
		AggregateWindow: orDuration(def.Analyzer.AggregateWindow, DefaultAggregateWindow),
		Retention:       orDuration(def.Analyzer.Retention, DefaultRetention),
	}
	for i, r := range def.Analyzer.Rules {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			problems = append(problems, fmt.Errorf("analyzer rule %d: invalid pattern: %w", i, err))
		}
		reg.Analyzer.Rules = append(reg.Analyzer.Rules, model.Rule{
			Pattern:    r.Pattern,
			Category:   r.Category,
			Severity:   r.Severity,
			Actionable: r.Actionable,
			Retryable:  r.Retryable,
		})
	}

	if len(problems) == 0 {
		if _, err := reg.Graph().Levels(); err != nil {
			problems = append(problems, err)
		}
	}

	if len(problems) > 0 {
		sort.Slice(problems, func(i, j int) bool { return problems[i].Error() < problems[j].Error() })
		return nil, fmt.Errorf("invalid config: %w", errors.Join(problems...))
	}
	return reg, nil
}

// Job returns the named backup job.
func (r *Registry) Job(name string) (model.BackupJob, error) {
	j, ok := r.Jobs[name]
	if !ok {
		return model.BackupJob{}, fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
	return j, nil
}

// Repository returns the named repository.
func (r *Registry) Repository(name string) (model.Repository, error) {
	repo, ok := r.Repositories[name]
	if !ok {
		return model.Repository{}, fmt.Errorf("%w %q", ErrUnknownRepository, name)
	}
	return repo, nil
}

// JobNames returns the backup job names, sorted.
func (r *Registry) JobNames() []string {
	names := make([]string, 0, len(r.Jobs))
	for name := range r.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Graph returns the backup job dependency graph.
func (r *Registry) Graph() schedule.Graph {
	g := make(schedule.Graph, len(r.Jobs))
	for name, j := range r.Jobs {
		g[name] = j.After
	}
	return g
}

// Summary renders a one-line description of the registry for logs.
func (r *Registry) Summary() string {
	return strings.Join([]string{
		fmt.Sprintf("%d repositories", len(r.Repositories)),
		fmt.Sprintf("%d jobs", len(r.Jobs)),
		fmt.Sprintf("%d verifications", len(r.Verifications)),
		fmt.Sprintf("%d restore tests", len(r.RestoreTests)),
	}, ", ")
}

func orString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
