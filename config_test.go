package leadflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStagePolicies(t *testing.T) {
	t.Run("overrides merge over defaults", func(t *testing.T) {
		policies, err := ParseStagePolicies([]byte(`
stages:
  awaiting_signature:
    threshold_hours: 24
    max_reminders: 5
`))
		require.NoError(t, err)

		assert.Equal(t, StagePolicy{ThresholdHours: 24, MaxReminders: 5}, policies[StageAwaitingSignature])
		// untouched stages keep their defaults
		assert.Equal(t, DefaultStagePolicies()[StageIntakePending], policies[StageIntakePending])
	})

	t.Run("unknown stage", func(t *testing.T) {
		_, err := ParseStagePolicies([]byte(`
stages:
  waiting_for_godot:
    threshold_hours: 1
    max_reminders: 1
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown stage")
	})

	t.Run("non-positive threshold", func(t *testing.T) {
		_, err := ParseStagePolicies([]byte(`
stages:
  intake_pending:
    threshold_hours: 0
    max_reminders: 1
`))
		require.Error(t, err)
	})

	t.Run("negative reminders", func(t *testing.T) {
		_, err := ParseStagePolicies([]byte(`
stages:
  intake_pending:
    threshold_hours: 10
    max_reminders: -1
`))
		require.Error(t, err)
	})

	t.Run("garbage input", func(t *testing.T) {
		_, err := ParseStagePolicies([]byte(`{{not yaml`))
		require.Error(t, err)
	})
}

func TestLoadStagePolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yml")

	require.NoError(t, os.WriteFile(path, []byte(`
stages:
  intro_meeting:
    threshold_hours: 12
    max_reminders: 1
`), 0o600))

	policies, err := LoadStagePolicies(path)
	require.NoError(t, err)
	assert.Equal(t, StagePolicy{ThresholdHours: 12, MaxReminders: 1}, policies[StageIntroMeeting])

	_, err = LoadStagePolicies(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
}
