package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/snapbackup/internal/model"
)

func TestClassify_LastMatchWins(t *testing.T) {
	rules, err := Compile([]model.Rule{
		{Pattern: ".*timeout.*", Category: "network", Severity: model.SeverityHigh, Actionable: true, Retryable: true},
		{Pattern: "disk full", Category: "storage", Severity: model.SeverityCritical, Actionable: true, Retryable: false},
	})
	require.NoError(t, err)

	c := rules.Classify("disk full: timeout reached")
	assert.Equal(t, "storage", c.Category)
	assert.Equal(t, model.SeverityCritical, c.Severity)
	assert.True(t, c.Actionable)
	assert.False(t, c.Retryable)

	c = rules.Classify("read timeout")
	assert.Equal(t, "network", c.Category)
	assert.True(t, c.Retryable)
}

func TestClassify_CaseInsensitiveAndUnknown(t *testing.T) {
	rules, err := Compile([]model.Rule{{Pattern: "permission denied", Category: "permission", Severity: model.SeverityHigh}})
	require.NoError(t, err)

	assert.Equal(t, "permission", rules.Classify("open /etc/x: Permission Denied").Category)

	c := rules.Classify("something odd happened")
	assert.Equal(t, model.CategoryUnknown, c.Category)
	assert.Equal(t, model.SeverityMedium, c.Severity)
	assert.True(t, c.Actionable)
}

func TestCompile_InvalidPattern(t *testing.T) {
	_, err := Compile([]model.Rule{{Pattern: "(", Category: "x"}})
	assert.Error(t, err)
}

func TestDefaultRules_Taxonomy(t *testing.T) {
	rules, err := Compile(DefaultRules())
	require.NoError(t, err)

	tests := []struct {
		message   string
		category  string
		severity  string
		retryable bool
	}{
		{"Fatal: unable to open config file: Stat: dial tcp 10.0.0.5:443: i/o timeout", "network", model.SeverityHigh, true},
		{"dial tcp: lookup s3.example.com: no such host", "dns", model.SeverityHigh, true},
		{"Fatal: unable to create lock in backend: repository is already locked by PID 42", "lock", model.SeverityHigh, true},
		{"write /mnt/backup/data/3f: no space left on device", "capacity", model.SeverityCritical, false},
		{"Fatal: wrong password or no key found", "permission", model.SeverityHigh, false},
		{"error for tree 4a5b: checksum mismatch", "corruption", model.SeverityCritical, false},
		{"prepare /var/lib/db: tank/db@2024-01-01: snapshot disappeared while placing hold", "snapshot", model.SeverityHigh, false},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			c := rules.Classify(tt.message)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.severity, c.Severity)
			assert.Equal(t, tt.retryable, c.Retryable)
		})
	}
}
