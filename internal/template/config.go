package template

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAlias = "research-sandbox"

	defaultCPUCount = 2
	defaultMemoryMB = 2048
)

func Load(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("failed to read template file: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (Template, error) {
	var t Template

	if err := yaml.Unmarshal(data, &t); err != nil {
		return Template{}, fmt.Errorf("failed to parse template: %w", err)
	}

	if t.Resources.CPUCount == 0 {
		t.Resources.CPUCount = defaultCPUCount
	}

	if t.Resources.MemoryMB == 0 {
		t.Resources.MemoryMB = defaultMemoryMB
	}

	if err := t.Validate(); err != nil {
		return Template{}, err
	}

	return t, nil
}

// Default is the research sandbox: python runtime, generation script and a preview server on port 3000.
func Default() Template {
	return Template{
		Alias: DefaultAlias,
		Steps: []Step{
			{Kind: StepBaseImage, Args: []string{"python:3.12-slim"}},
			{Kind: StepInstallPackages, Args: []string{"pip", "numpy", "matplotlib", "reportlab"}},
			{Kind: StepSetWorkdir, Args: []string{"/home/user"}},
			{Kind: StepCopyFile, Args: []string{"generate.py", "generate.py"}},
			{Kind: StepCopyFile, Args: []string{"serve.py", "serve.py"}},
			{Kind: StepCopyFile, Args: []string{"start.sh", "start.sh"}},
			{Kind: StepRunCommand, Args: []string{"ls -la"}},
			{Kind: StepSetStartCommand, Args: []string{"sh /home/user/start.sh", string(ProbePort), "3000"}},
		},
		Resources: Resources{CPUCount: defaultCPUCount, MemoryMB: defaultMemoryMB},
	}
}
