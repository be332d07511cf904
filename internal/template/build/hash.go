package build

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/e2b-dev/research/internal/template"
)

const hashingVersion = "v1"

func HashKeys(baseKey string, keys ...string) string {
	sha := sha256.New()
	sha.Write([]byte(baseKey))
	for _, key := range keys {
		sha.Write([]byte(";"))
		sha.Write([]byte(key))
	}

	return fmt.Sprintf("%x", sha.Sum(nil))
}

// hashStep chains the previous hash with the step. Copied files contribute their content
// so editing a context file invalidates the layer.
func hashStep(prev string, step template.Step, contextDir string) (string, error) {
	keys := append([]string{string(step.Kind)}, step.Args...)

	if step.Kind == template.StepCopyFile {
		src, err := contextPath(contextDir, step.Args[0])
		if err != nil {
			return "", err
		}

		fileHash, err := hashFile(src)
		if err != nil {
			return "", err
		}

		keys = append(keys, fileHash)
	}

	return HashKeys(prev, keys...), nil
}

func hashTemplate(lastStepHash string, resources template.Resources) string {
	return HashKeys(lastStepHash, "resources", strconv.Itoa(resources.CPUCount), strconv.Itoa(resources.MemoryMB))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	sha := sha256.New()
	if _, err := io.Copy(sha, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return fmt.Sprintf("%x", sha.Sum(nil)), nil
}

// contextPath resolves a copy source inside the build context directory.
func contextPath(contextDir string, src string) (string, error) {
	root, err := filepath.Abs(contextDir)
	if err != nil {
		return "", err
	}

	full := filepath.Join(root, filepath.FromSlash(src))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("copy source %q is outside the build context", src)
	}

	return full, nil
}
