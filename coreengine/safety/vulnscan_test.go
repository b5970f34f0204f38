package safety

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

func newVulnScanner(t *testing.T) *VulnScanner {
	t.Helper()
	scanner, err := NewVulnScanner("", nil)
	require.NoError(t, err)
	return scanner
}

func vulnFindings(t *testing.T, source string) []task.Finding {
	t.Helper()
	return newVulnScanner(t).Scan(&task.Artifact{Language: "python", Source: source})
}

// =============================================================================
// BUILT-IN PATTERN TESTS
// =============================================================================

func TestVulnScannerGrading(t *testing.T) {
	cases := []struct {
		name     string
		source   string
		rule     string
		severity task.FindingSeverity
	}{
		{"hardcoded secret", `password = "hunter22"`, "hardcoded_secret", task.SeverityHigh},
		{"shell injection", `subprocess.run(cmd, shell=True)`, "shell_injection", task.SeverityHigh},
		{"unsafe deserialization", `obj = pickle.loads(blob)`, "unsafe_deserialization", task.SeverityHigh},
		{"unsafe yaml load", `cfg = yaml.load(f)`, "unsafe_yaml_load", task.SeverityMedium},
		{"tls disabled", `requests.get(url, verify=False)`, "tls_verification_disabled", task.SeverityMedium},
		{"weak hash", `h = md5(data)`, "weak_hash", task.SeverityLow},
		{"insecure tempfile", `p = tempfile.mktemp()`, "insecure_tempfile", task.SeverityLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			findings := vulnFindings(t, tc.source)
			require.NotEmpty(t, findings)
			assert.Equal(t, tc.rule, findings[0].Rule)
			assert.Equal(t, tc.severity, findings[0].Severity)
			assert.Equal(t, task.FindingSourceVulnScanner, findings[0].Source)
		})
	}
}

func TestVulnScannerCleanSource(t *testing.T) {
	findings := vulnFindings(t, "def add(a, b):\n    return a + b\n")
	assert.Empty(t, findings)
}

func TestVulnScannerLineNumbers(t *testing.T) {
	source := "import hashlib\n\nx = 1\nh = md5(x)\n"
	findings := vulnFindings(t, source)
	require.Len(t, findings, 1)
	assert.Equal(t, 4, findings[0].Line)
}

func TestVulnScannerCoversTests(t *testing.T) {
	artifact := &task.Artifact{
		Language: "python",
		Source:   "def f():\n    return 1\n",
		Tests:    `token = pickle.loads(data)`,
	}
	findings := newVulnScanner(t).Scan(artifact)
	assert.NotEmpty(t, findings)
}

// =============================================================================
// PATTERN FILE TESTS
// =============================================================================

func TestLoadPatterns(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "patterns.yaml")
		content := `
patterns:
  - name: debug_print
    regex: 'print\s*\('
    severity: low
    message: leftover debug print
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		scanner, err := NewVulnScanner(path, nil)
		require.NoError(t, err)

		findings := scanner.Scan(&task.Artifact{Language: "python", Source: `print("x")`})
		require.Len(t, findings, 1)
		assert.Equal(t, "debug_print", findings[0].Rule)
		assert.Equal(t, task.SeverityLow, findings[0].Severity)
	})

	t.Run("invalid regex is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "patterns.yaml")
		content := "patterns:\n  - name: broken\n    regex: '('\n    severity: low\n    message: m\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		_, err := NewVulnScanner(path, nil)
		assert.Error(t, err)
	})

	t.Run("invalid severity is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "patterns.yaml")
		content := "patterns:\n  - name: p\n    regex: 'x'\n    severity: critical\n    message: m\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		_, err := NewVulnScanner(path, nil)
		assert.Error(t, err)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := NewVulnScanner(filepath.Join(t.TempDir(), "absent.yaml"), nil)
		assert.Error(t, err)
	})
}
