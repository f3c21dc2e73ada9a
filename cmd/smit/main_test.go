package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goeb/smit/internal/syncengine"
)

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, "pull", &syncengine.Report{
		Projects: 2,
		Renamed:  1,
		Rebased:  1200,
		Failed:   1,
		Failures: []string{"p: issue 4: conflict"},
	})
	out := buf.String()
	assert.Contains(t, out, "pull: 2 projects")
	assert.Contains(t, out, "1 renamed")
	assert.Contains(t, out, "1,200 rebased")
	assert.Contains(t, out, "1 failure")
	assert.Contains(t, out, "p: issue 4: conflict")
	assert.NotContains(t, out, "fast-forwarded")

	buf.Reset()
	printReport(&buf, "push", nil)
	assert.Empty(t, buf.String())
}

func TestPrintCloneInfo(t *testing.T) {
	var buf bytes.Buffer
	printCloneInfo(&buf, &syncengine.CloneInfo{
		URL:      "https://smit.example.com",
		User:     "alice",
		Projects: []string{"things", "team/docs"},
		ClonedAt: time.Now().Add(-3 * time.Hour),
	})
	out := buf.String()
	assert.Contains(t, out, "https://smit.example.com")
	assert.Contains(t, out, "user: alice")
	assert.Contains(t, out, "cloned 3 hours ago")
	assert.Contains(t, out, "team/docs")
	assert.NotContains(t, out, "pulled")
}

func TestCredentials(t *testing.T) {
	t.Cleanup(func() { userFlag, passwordFlag, settings.Actor = "", "", "" })
	notTTY, err := os.Create(filepath.Join(t.TempDir(), "stdin"))
	require.NoError(t, err)
	defer notTTY.Close()
	var prompt bytes.Buffer

	// Directory remotes need no password.
	creds, err := credentials(t.TempDir(), notTTY, &prompt)
	require.NoError(t, err)
	assert.Empty(t, creds.Password)

	_, err = credentials("https://smit.example.com", notTTY, &prompt)
	assert.ErrorContains(t, err, "--user")

	settings.Actor = "bob"
	_, err = credentials("https://smit.example.com", notTTY, &prompt)
	assert.ErrorContains(t, err, "--password")

	userFlag, passwordFlag = "alice", "secret"
	creds, err = credentials("https://smit.example.com", notTTY, &prompt)
	require.NoError(t, err)
	assert.Equal(t, syncengine.Credentials{User: "alice", Password: "secret"}, creds)
	assert.Empty(t, prompt.String())
}
