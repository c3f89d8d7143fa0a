package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func Test_renderPolicy(t *testing.T) {
	rendered, err := renderPolicy("corp.example.com")
	require.NoError(t, err)

	var doc policyDocument
	require.NoError(t, yaml.Unmarshal(rendered, &doc))
	require.Len(t, doc.OnHTTPRequest, 2)

	login := doc.OnHTTPRequest[0]
	require.Len(t, login.Actions, 1)
	assert.Equal(t, "oauth", login.Actions[0].Type)
	assert.Equal(t, "google", login.Actions[0].Config["provider"])

	restrict := doc.OnHTTPRequest[1]
	require.Len(t, restrict.Expressions, 1)
	assert.Contains(t, restrict.Expressions[0], "endsWith('@corp.example.com')")
	require.Len(t, restrict.Actions, 1)
	assert.Equal(t, "deny", restrict.Actions[0].Type)
}

func Test_WritePolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "policy.yml")
	require.NoError(t, WritePolicy(path, "corp.example.com"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "corp.example.com")
}
