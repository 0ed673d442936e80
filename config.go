package leadflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var knownStages = map[Stage]struct{}{
	StageNew:               {},
	StageIntroMeeting:      {},
	StagePortalInviteSent:  {},
	StageAccountCreated:    {},
	StageIntakePending:     {},
	StageNeedsAssessment:   {},
	StageContractDraft:     {},
	StageAwaitingSignature: {},
	StageActiveClient:      {},
	StageLost:              {},
}

type policiesFile struct {
	Stages map[string]StagePolicy `yaml:"stages"`
}

// LoadStagePolicies reads sweeper policies from a YAML file and merges them
// over the defaults. Stages absent from the file keep their default policy;
// unknown stage names are a configuration error.
func LoadStagePolicies(path string) (StagePolicies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies file: %w", err)
	}

	return ParseStagePolicies(data)
}

// ParseStagePolicies merges YAML policy overrides over DefaultStagePolicies.
func ParseStagePolicies(data []byte) (StagePolicies, error) {
	var file policiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policies file: %w", err)
	}

	policies := DefaultStagePolicies()

	for name, policy := range file.Stages {
		stage := Stage(name)
		if _, ok := knownStages[stage]; !ok {
			return nil, fmt.Errorf("unknown stage %q in policies file", name)
		}
		if policy.ThresholdHours <= 0 {
			return nil, fmt.Errorf("stage %q: threshold_hours must be positive", name)
		}
		if policy.MaxReminders < 0 {
			return nil, fmt.Errorf("stage %q: max_reminders must not be negative", name)
		}

		policies[stage] = policy
	}

	return policies, nil
}
