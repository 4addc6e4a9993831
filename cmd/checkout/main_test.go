package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	t.Setenv("PAYMENT_MOCK", "true")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func TestDrainWithEmptyOutbox(t *testing.T) {
	var stats map[string]int
	require.NoError(t, json.Unmarshal([]byte(run(t, "drain")), &stats))
	assert.Equal(t, 0, stats["fetched"])
}

func TestDLQPurgeWithNothingQueued(t *testing.T) {
	assert.Equal(t, "affected: 0\n", run(t, "dlq", "purge"))
}

func TestCatalogImportReadsListings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"mug","seller_id":"s1","price":"20","stock":5}]`), 0o600))

	assert.Equal(t, "imported: 1\n", run(t, "catalog", "import", path))
}

func TestConfigValidationFails(t *testing.T) {
	t.Setenv("PAYMENT_MOCK", "false")
	t.Setenv("STRIPE_SECRET_KEY", "")

	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"drain"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stripe.secret_key")
}
