package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "layer.env")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestGlobalEnvMergesLayers(t *testing.T) {
	base := writeEnvFile(t, "MODEL_DIR=/srv/models\nTHREADS=2\n")
	site := writeEnvFile(t, "# site overrides\nTHREADS=8\n\nGPU=0\n")
	c := Config{
		EnvFiles: []string{base, site},
		Env:      []string{"THREADS=16", "BATCH=32"},
	}
	got, err := c.GlobalEnv()
	require.NoError(t, err)
	require.Equal(t, []string{"MODEL_DIR=/srv/models", "THREADS=16", "GPU=0", "BATCH=32"}, got)
}

func TestGlobalEnvMissingFile(t *testing.T) {
	c := Config{EnvFiles: []string{filepath.Join(t.TempDir(), "absent.env")}}
	_, err := c.GlobalEnv()
	require.Error(t, err)
}

func TestGlobalEnvRejectsMalformedEntry(t *testing.T) {
	c := Config{Env: []string{"NOEQUALS"}}
	_, err := c.GlobalEnv()
	require.Error(t, err)
	require.Contains(t, err.Error(), "malformed")

	c = Config{Env: []string{"=value"}}
	_, err = c.GlobalEnv()
	require.Error(t, err)
}

func TestLoadEnvFileSkipsNoise(t *testing.T) {
	p := writeEnvFile(t, "  # comment\n\nA = 1\nbroken line\nB=two words\n")
	got, err := loadEnvFile(p)
	require.NoError(t, err)
	require.Equal(t, []string{"A=1", "B=two words"}, got)
}

func FuzzLoadEnvFile(f *testing.F) {
	f.Add("A=1\nB=2\n")
	f.Add("# only comments\n\n")
	f.Add("NOEQ\n=leading\nK==double\n")
	f.Fuzz(func(t *testing.T, body string) {
		p := filepath.Join(t.TempDir(), "fuzz.env")
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Skip()
		}
		pairs, err := loadEnvFile(p)
		if err != nil {
			t.Fatalf("read-back of written file failed: %v", err)
		}
		for _, kv := range pairs {
			if !strings.Contains(kv, "=") {
				t.Fatalf("pair without '=': %q", kv)
			}
		}
	})
}
