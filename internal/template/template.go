package template

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

type StepKind string

const (
	StepBaseImage       StepKind = "baseImage"
	StepInstallPackages StepKind = "installPackages"
	StepSetWorkdir      StepKind = "setWorkdir"
	StepCopyFile        StepKind = "copyFile"
	StepRunCommand      StepKind = "runCommand"
	StepSetStartCommand StepKind = "setStartCommand"
)

type ProbeKind string

const (
	ProbePort    ProbeKind = "port"
	ProbeCommand ProbeKind = "command"
)

var (
	aliasPattern       = regexp.MustCompile(`^[a-z0-9][a-z0-9-_]*$`)
	packageManagers    = []string{"pip", "apt", "npm"}
	ErrInvalidTemplate = errors.New("invalid template")
)

// Step is one declarative build instruction. Args depend on Kind:
//
//	baseImage        [image]
//	installPackages  [manager, package...]   manager is pip, apt or npm
//	setWorkdir       [path]
//	copyFile         [src, dest]             dest is relative to the current workdir
//	runCommand       [command]
//	setStartCommand  [command, probeKind, probeValue]
type Step struct {
	Kind StepKind `yaml:"kind" json:"kind"`
	Args []string `yaml:"args" json:"args"`
}

func (s Step) String() string {
	return fmt.Sprintf("%s %s", strings.ToUpper(string(s.Kind)), strings.Join(s.Args, " "))
}

type Resources struct {
	CPUCount int `yaml:"cpuCount" json:"cpuCount"`
	MemoryMB int `yaml:"memoryMB" json:"memoryMB"`
}

type Template struct {
	Alias     string    `yaml:"alias" json:"alias"`
	Steps     []Step    `yaml:"steps" json:"steps"`
	Resources Resources `yaml:"resources" json:"resources"`
}

// Probe decides when a booted instance is usable.
type Probe struct {
	Kind  ProbeKind `json:"kind"`
	Value string    `json:"value"`
}

type StartCommand struct {
	Command string `json:"command"`
	Probe   Probe  `json:"probe"`
}

// StartCommand returns the start command declared by the template.
func (t Template) StartCommand() (StartCommand, bool) {
	for _, step := range t.Steps {
		if step.Kind == StepSetStartCommand && len(step.Args) == 3 {
			return StartCommand{
				Command: step.Args[0],
				Probe:   Probe{Kind: ProbeKind(step.Args[1]), Value: step.Args[2]},
			}, true
		}
	}

	return StartCommand{}, false
}

func (t Template) Validate() error {
	if !aliasPattern.MatchString(t.Alias) {
		return fmt.Errorf("%w: alias %q must match %s", ErrInvalidTemplate, t.Alias, aliasPattern.String())
	}

	if t.Resources.CPUCount <= 0 || t.Resources.MemoryMB <= 0 {
		return fmt.Errorf("%w: cpu count and memory must be positive", ErrInvalidTemplate)
	}

	if len(t.Steps) == 0 || t.Steps[0].Kind != StepBaseImage {
		return fmt.Errorf("%w: the first step must be %s", ErrInvalidTemplate, StepBaseImage)
	}

	starts := 0
	for i, step := range t.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("%w: step %d: %w", ErrInvalidTemplate, i+1, err)
		}

		switch step.Kind {
		case StepBaseImage:
			if i != 0 {
				return fmt.Errorf("%w: step %d: only one %s is allowed", ErrInvalidTemplate, i+1, StepBaseImage)
			}
		case StepSetStartCommand:
			starts++
		}
	}

	if starts != 1 {
		return fmt.Errorf("%w: exactly one %s is required, got %d", ErrInvalidTemplate, StepSetStartCommand, starts)
	}

	return nil
}

func validateStep(step Step) error {
	arity := func(n int) error {
		if len(step.Args) != n {
			return fmt.Errorf("%s expects %d argument(s), got %d", step.Kind, n, len(step.Args))
		}

		for _, arg := range step.Args {
			if strings.TrimSpace(arg) == "" {
				return fmt.Errorf("%s has an empty argument", step.Kind)
			}
		}

		return nil
	}

	switch step.Kind {
	case StepBaseImage, StepSetWorkdir, StepRunCommand:
		return arity(1)
	case StepCopyFile:
		return arity(2)
	case StepInstallPackages:
		if len(step.Args) < 2 {
			return fmt.Errorf("%s expects a package manager and at least one package", step.Kind)
		}

		if !slices.Contains(packageManagers, step.Args[0]) {
			return fmt.Errorf("unsupported package manager %q", step.Args[0])
		}

		return nil
	case StepSetStartCommand:
		if err := arity(3); err != nil {
			return err
		}

		if _, err := shlex.Split(step.Args[0]); err != nil {
			return fmt.Errorf("invalid start command %q: %w", step.Args[0], err)
		}

		switch ProbeKind(step.Args[1]) {
		case ProbePort:
			port, err := strconv.Atoi(step.Args[2])
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid probe port %q", step.Args[2])
			}
		case ProbeCommand:
		default:
			return fmt.Errorf("unsupported probe kind %q", step.Args[1])
		}

		return nil
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}
