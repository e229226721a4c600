package workflow

import "fmt"

// Kind separates steps that only find something from steps that act.
type Kind string

const (
	KindLocate Kind = "locate"
	KindAction Kind = "action"
)

// State is a step's position in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateLocated   State = "located"
	StateActed     State = "acted"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Step names in execution order.
const (
	StepOpenNewItem         = "open-new-item"
	StepSelectType          = "select-type"
	StepSelectTypeConfirm   = "select-type-confirm"
	StepDismissMenu         = "dismiss-any-open-menu"
	StepOpenSettings        = "open-settings"
	StepSelectModel         = "select-model"
	StepSelectOutputCount   = "select-output-count"
	StepSelectAspectRatio   = "select-aspect-ratio"
	StepCloseSettings       = "close-settings"
	StepLocatePromptField   = "locate-prompt-field"
	StepEnterPromptText     = "enter-prompt-text"
	StepLocateSubmit        = "locate-submit-control"
	StepValidateSubmit      = "validate-submit-control"
	StepActivateSubmit      = "activate-submit"
	StepWaitForCompletion   = "wait-for-completion"
	StepCollectNewArtifacts = "collect-new-artifacts"
	StepDownloadAll         = "download-all"
)

// StepDefinition is the static description of a step.
type StepDefinition struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Critical bool   `json:"critical"`
	// Tail steps run for every prompt; the others only in a full run.
	Tail bool `json:"tail"`
}

// Definitions lists every step in order. A run instantiates fresh Step values
// from it.
var Definitions = []StepDefinition{
	{Name: StepOpenNewItem, Kind: KindAction},
	{Name: StepSelectType, Kind: KindAction},
	{Name: StepSelectTypeConfirm, Kind: KindAction},
	{Name: StepDismissMenu, Kind: KindAction},
	{Name: StepOpenSettings, Kind: KindAction},
	{Name: StepSelectModel, Kind: KindAction},
	{Name: StepSelectOutputCount, Kind: KindAction},
	{Name: StepSelectAspectRatio, Kind: KindAction},
	{Name: StepCloseSettings, Kind: KindAction},
	{Name: StepLocatePromptField, Kind: KindLocate, Critical: true, Tail: true},
	{Name: StepEnterPromptText, Kind: KindAction, Critical: true, Tail: true},
	{Name: StepLocateSubmit, Kind: KindLocate, Critical: true, Tail: true},
	{Name: StepValidateSubmit, Kind: KindLocate, Tail: true},
	{Name: StepActivateSubmit, Kind: KindAction, Critical: true, Tail: true},
	{Name: StepWaitForCompletion, Kind: KindAction, Tail: true},
	{Name: StepCollectNewArtifacts, Kind: KindAction, Tail: true},
	{Name: StepDownloadAll, Kind: KindAction, Tail: true},
}

// Mode selects which steps run.
type Mode string

const (
	ModeFull Mode = "full"
	ModeTail Mode = "tail"
)

// Sequence returns the step definitions for mode.
func Sequence(mode Mode) []StepDefinition {
	if mode != ModeTail {
		return append([]StepDefinition(nil), Definitions...)
	}
	var out []StepDefinition
	for _, d := range Definitions {
		if d.Tail {
			out = append(out, d)
		}
	}
	return out
}

// Lookup returns the definition of a step.
func Lookup(name string) (StepDefinition, error) {
	for _, d := range Definitions {
		if d.Name == name {
			return d, nil
		}
	}
	return StepDefinition{}, fmt.Errorf("unknown step: %s", name)
}
