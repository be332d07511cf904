package docker

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/e2b-dev/research/internal/sandbox/docker")

const (
	imageRepository = "research"
	buildLabel      = "research.build"

	// maxReadFileSize bounds files copied out of a container.
	maxReadFileSize = 64 << 20
)

var nameChars = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

func NewClient() (*client.Client, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return dockerClient, nil
}

func containerName(kind string) string {
	return fmt.Sprintf("research-%s-%s", kind, uniuri.NewLenChars(12, nameChars))
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for key, value := range env {
		list = append(list, key+"="+value)
	}
	slices.Sort(list)

	return list
}

func jsonArray(values []string) string {
	if values == nil {
		values = []string{}
	}

	var buf strings.Builder
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(values); err != nil {
		return "[]"
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

// startCommandChange runs the start command through a shell so pipes, "&&" and env assignments keep working.
func startCommandChange(command string) string {
	return "CMD " + jsonArray([]string{"/bin/sh", "-c", command})
}

func imageRef(alias string) string {
	return imageRepository + "/" + strings.ToLower(alias) + ":latest"
}
