// Package shortcircuit decides whether a run may skip recomputation because
// none of its tracked inputs changed since the last successful run.
package shortcircuit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/davidahmann/postwatch/core/fsx"
	"github.com/davidahmann/postwatch/core/hashx"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
	"github.com/davidahmann/postwatch/core/stage"
)

type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeAugment      Mode = "augment_aware"
)

const (
	ReasonNoInputs           = "no_tracked_inputs"
	ReasonInputsChanged      = "inputs_changed"
	ReasonInputMissing       = "input_missing"
	ReasonNoPreviousState    = "no_previous_state"
	ReasonPrimaryMissing     = "primary_output_missing"
	ReasonAugmentMissing     = "augment_output_missing"
	ReasonInputsUnchanged    = "inputs_unchanged"
	ReasonFinalOutputStale   = "final_output_older_than_augment_output"
	ReasonFinalOutputMissing = "final_output_missing"
)

const stateSchemaVersion = 1

// State is the persisted set of input hashes from the last successful run.
type State struct {
	SchemaVersion int               `json:"schema_version"`
	RunID         string            `json:"run_id"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Inputs        map[string]string `json:"inputs"`
}

// LoadState reads the state file. A missing file yields an empty State.
func LoadState(path string) (State, error) {
	// #nosec G304 -- path is the state-root input hash file.
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{Inputs: map[string]string{}}, nil
		}
		return State{}, fmt.Errorf("read input hashes: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("parse input hashes %s: %w", path, err)
	}
	if state.Inputs == nil {
		state.Inputs = map[string]string{}
	}
	return state, nil
}

// SaveState records the hashes of a successful run.
func SaveState(path, runID string, now time.Time, inputs []schemarunreport.Input) error {
	state := State{
		SchemaVersion: stateSchemaVersion,
		RunID:         runID,
		UpdatedAt:     now.UTC(),
		Inputs:        make(map[string]string, len(inputs)),
	}
	for _, input := range inputs {
		if input.Present {
			state.Inputs[input.Key] = input.SHA256
		}
	}
	return fsx.WriteJSONAtomic(path, state, 0o600)
}

// HashInputs digests every tracked input. keys are the recorded keys and
// resolve maps a key to its file path. Missing files are recorded as absent.
func HashInputs(keys []string, resolve func(string) string, previous State) ([]schemarunreport.Input, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	inputs := make([]schemarunreport.Input, 0, len(sorted))
	for _, key := range sorted {
		target := resolve(key)
		input := schemarunreport.Input{Key: key, Path: key, Previous: previous.Inputs[key]}
		digest, err := hashx.File(target)
		switch {
		case err == nil:
			input.SHA256 = digest.SHA256
			input.Bytes = digest.Bytes
			input.Present = true
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("hash input %s: %w", key, err)
		}
		inputs = append(inputs, input)
	}
	return inputs, nil
}

// ShouldSkip is true only when every tracked input has a recorded hash on both
// sides and none of them changed.
func ShouldSkip(inputs []schemarunreport.Input) (bool, string) {
	if len(inputs) == 0 {
		return false, ReasonNoInputs
	}
	for _, input := range inputs {
		if !input.Present || input.SHA256 == "" {
			return false, ReasonInputMissing
		}
		if input.Previous == "" {
			return false, ReasonNoPreviousState
		}
		if !hashx.Equal(input.SHA256, input.Previous) {
			return false, ReasonInputsChanged
		}
	}
	return true, ReasonInputsUnchanged
}

// Request carries everything Decide needs. Output paths are absolute.
type Request struct {
	Inputs         []schemarunreport.Input
	Augment        bool
	Stages         []StageRef
	PrimaryOutputs []string
	AugmentOutputs []string
	FinalOutputs   []string
}

type StageRef struct {
	Name string
	Role stage.Role
}

// Decision lists the stages the orchestrator must not run and the ones it
// must run even though the run short-circuits.
type Decision struct {
	Mode          Mode
	Skip          bool
	Reason        string
	SkippedStages []string
	ForcedStages  []string
}

// Record renders the decision for the manifest.
func (d Decision) Record() *schemarunreport.ShortCircuit {
	return &schemarunreport.ShortCircuit{
		Mode:          string(d.Mode),
		Skipped:       d.Skip,
		Reason:        d.Reason,
		SkippedStages: d.SkippedStages,
		ForcedStages:  d.ForcedStages,
	}
}

// Skips reports whether the named stage was pruned.
func (d Decision) Skips(name string) bool {
	for _, skipped := range d.SkippedStages {
		if skipped == name {
			return true
		}
	}
	return false
}

// Decide applies the hash rule and then the mode-specific output checks.
// Input stages are never pruned; they already ran when Decide is called.
func Decide(req Request) Decision {
	mode := ModeConservative
	if req.Augment {
		mode = ModeAugment
	}
	decision := Decision{Mode: mode}
	unchanged, reason := ShouldSkip(req.Inputs)
	decision.Reason = reason
	if !unchanged {
		return decision
	}

	if mode == ModeConservative {
		if !allExist(req.PrimaryOutputs) {
			decision.Reason = ReasonPrimaryMissing
			return decision
		}
		decision.Skip = true
		decision.SkippedStages = stagesWithRoles(req.Stages, stage.RoleCompute, stage.RoleAugment, stage.RoleFinal)
		return decision
	}

	if !allExist(req.PrimaryOutputs) {
		decision.Reason = ReasonPrimaryMissing
		return decision
	}
	if !allExist(req.AugmentOutputs) {
		decision.Reason = ReasonAugmentMissing
		return decision
	}
	decision.Skip = true
	pruned := []stage.Role{stage.RoleCompute, stage.RoleAugment}
	forced := ""
	switch {
	case !allExist(req.FinalOutputs):
		forced = ReasonFinalOutputMissing
	case olderThan(req.FinalOutputs, newestModTime(req.AugmentOutputs)):
		forced = ReasonFinalOutputStale
	default:
		pruned = append(pruned, stage.RoleFinal)
	}
	decision.SkippedStages = stagesWithRoles(req.Stages, pruned...)
	if forced != "" {
		decision.ForcedStages = stagesWithRoles(req.Stages, stage.RoleFinal)
		decision.Reason = forced
	}
	return decision
}

func stagesWithRoles(stages []StageRef, roles ...stage.Role) []string {
	out := []string{}
	for _, ref := range stages {
		for _, role := range roles {
			if ref.Role == role {
				out = append(out, ref.Name)
				break
			}
		}
	}
	return out
}

func allExist(paths []string) bool {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return false
		}
	}
	return true
}

func newestModTime(paths []string) time.Time {
	var newest time.Time
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

func olderThan(paths []string, reference time.Time) bool {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return true
		}
		if info.ModTime().Before(reference) {
			return true
		}
	}
	return false
}
