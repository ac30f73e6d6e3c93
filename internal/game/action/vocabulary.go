package action

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyCommand        = errors.New("empty command")
	ErrUnrecognizedCommand = errors.New("unrecognized command")
)

// VocabularyFile is the on-disk shape of actions.yaml.
type VocabularyFile struct {
	CaseInsensitive bool        `yaml:"case_insensitive"`
	Entries         []EntrySpec `yaml:"actions"`
}

type EntrySpec struct {
	Action  string   `yaml:"action"`
	Phrases []string `yaml:"phrases"`
}

// Vocabulary translates command phrases into actions. It is immutable after
// construction and safe for concurrent use.
type Vocabulary struct {
	caseInsensitive bool
	phrases         map[string]Action
}

// DefaultFile is the built-in vocabulary used when no actions.yaml is configured.
func DefaultFile() VocabularyFile {
	return VocabularyFile{
		Entries: []EntrySpec{
			{Action: "north", Phrases: []string{"k", "move north", "go north"}},
			{Action: "south", Phrases: []string{"j", "move south", "go south"}},
			{Action: "east", Phrases: []string{"l", "move east", "go east"}},
			{Action: "west", Phrases: []string{"h", "move west", "go west"}},
			{Action: "northeast", Phrases: []string{"u", "ne", "move northeast", "go northeast"}},
			{Action: "northwest", Phrases: []string{"y", "nw", "move northwest", "go northwest"}},
			{Action: "southeast", Phrases: []string{"n", "se", "move southeast", "go southeast"}},
			{Action: "southwest", Phrases: []string{"b", "sw", "move southwest", "go southwest"}},
			{Action: "wait", Phrases: []string{".", "rest", "stay"}},
			{Action: "search", Phrases: []string{"s", "look around"}},
			{Action: "pickup", Phrases: []string{",", "pick up", "take", "grab"}},
			{Action: "down", Phrases: []string{">", "descend", "go down"}},
			{Action: "up", Phrases: []string{"<", "ascend", "go up"}},
			{Action: "quit", Phrases: []string{"#quit", "give up"}},
		},
	}
}

// DefaultVocabulary builds the built-in vocabulary.
func DefaultVocabulary() *Vocabulary {
	v, err := NewVocabulary(DefaultFile())
	if err != nil {
		panic(err)
	}
	return v
}

// LoadVocabulary reads an actions.yaml file.
func LoadVocabulary(path string) (*Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f VocabularyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("actions.yaml: %w", err)
	}
	v, err := NewVocabulary(f)
	if err != nil {
		return nil, fmt.Errorf("actions.yaml: %w", err)
	}
	return v, nil
}

// NewVocabulary validates f and builds the phrase table. Every canonical
// action name is always a phrase for itself.
func NewVocabulary(f VocabularyFile) (*Vocabulary, error) {
	v := &Vocabulary{
		caseInsensitive: f.CaseInsensitive,
		phrases:         map[string]Action{},
	}
	bind := func(phrase string, a Action) error {
		if phrase == "" {
			return fmt.Errorf("empty phrase for action %s", a)
		}
		key := v.key(phrase)
		if prev, ok := v.phrases[key]; ok && prev != a {
			return fmt.Errorf("phrase %q bound to both %s and %s", phrase, prev, a)
		}
		v.phrases[key] = a
		return nil
	}
	for _, a := range All() {
		if err := bind(a.String(), a); err != nil {
			return nil, err
		}
	}
	for _, e := range f.Entries {
		a, ok := Parse(e.Action)
		if !ok {
			return nil, fmt.Errorf("unknown action %q", e.Action)
		}
		for _, p := range e.Phrases {
			if err := bind(p, a); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func (v *Vocabulary) key(s string) string {
	if !v.caseInsensitive {
		return s
	}
	// Casers carry state; build one per lookup.
	return cases.Fold().String(s)
}

// Translate maps a command to an action. Lookups are exact (case-sensitive)
// unless the vocabulary was built with case_insensitive.
func (v *Vocabulary) Translate(command string) (Action, error) {
	if command == "" {
		return None, ErrEmptyCommand
	}
	a, ok := v.phrases[v.key(command)]
	if !ok {
		return None, fmt.Errorf("%w: %q", ErrUnrecognizedCommand, command)
	}
	return a, nil
}

// Phrases returns every accepted phrase, sorted.
func (v *Vocabulary) Phrases() []string {
	out := make([]string, 0, len(v.phrases))
	for p := range v.phrases {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (v *Vocabulary) CaseInsensitive() bool { return v.caseInsensitive }
