package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/715d/vulnreach/pkg/config"
)

// LoadTestCase loads the test case of dir, naming it relative to root.
func LoadTestCase(t *testing.T, dir, root string) *TestCase {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, "expected.yaml"))
	require.NoError(t, err)

	tc := &TestCase{}
	require.NoError(t, yaml.Unmarshal(data, tc))

	tc.Dir = filepath.Base(dir)
	if rel, err := filepath.Rel(root, dir); err == nil {
		tc.Dir = rel
	}
	return tc
}

// discoverTestCases returns a test case for every directory of root that
// has an expected.yaml.
func discoverTestCases(t *testing.T, root string) []*TestCase {
	t.Helper()

	entries, err := os.ReadDir(root)
	require.NoError(t, err)

	var testCases []*TestCase
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Go cases load and hash modules from disk.
		if strings.HasPrefix(entry.Name(), "go-") && testing.Short() {
			continue
		}

		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "expected.yaml")); err == nil {
			testCases = append(testCases, LoadTestCase(t, dir, root))
		}
	}
	return testCases
}

// loadConfig decodes the case configuration and then the configuration
// overlay on top of the defaults.
func loadConfig(layers ...yaml.Node) (config.Config, error) {
	cfg := config.Default()
	for _, layer := range layers {
		if layer.Kind == 0 {
			continue
		}
		data, err := yaml.Marshal(&layer)
		if err != nil {
			return cfg, err
		}
		if err := config.Decode(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}
