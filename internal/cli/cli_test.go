package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicpulse/realtime/internal/journal"
	"github.com/civicpulse/realtime/internal/realtime"
)

func init() {
	color.NoColor = true
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewEventPrinter(&buf)
	p.now = func() time.Time { return time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC) }

	p.Print(realtime.Message{Type: realtime.EventOpinionLiked, Data: json.RawMessage(`{"likesCount":3}`), UserID: "u-2"})
	p.Print(realtime.Message{Type: realtime.EventConnected})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `10:00:00.000  opinion_liked           u-2  {"likesCount":3}`, lines[0])
	assert.Equal(t, `10:00:00.000  connected               -  {}`, lines[1])
}

func TestPrintTables(t *testing.T) {
	var buf bytes.Buffer
	PrintTypeCounts(&buf, []journal.TypeCount{{Type: "opinion_liked", Count: 3}})
	assert.Contains(t, buf.String(), "opinion_liked")
	assert.Contains(t, buf.String(), "3")

	buf.Reset()
	PrintTopics(&buf, []TopicRow{{Topic: "room:r1", Subscribers: 2}})
	assert.Contains(t, buf.String(), "room:r1")

	buf.Reset()
	PrintEntries(&buf, []journal.Entry{{
		Type:       "comment_added",
		Payload:    strings.Repeat("x", 200),
		ReceivedAt: time.Now(),
	}})
	assert.Contains(t, buf.String(), "comment_added")
	assert.Contains(t, buf.String(), "…")
	assert.NotContains(t, buf.String(), strings.Repeat("x", 100))
}

func TestLoadConfig_FlagsOverrideEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CIVIC_REALTIME_HOST", "env-host")
	t.Setenv("CIVIC_AUTH_TOKEN", "env-token")

	cmd := &cobra.Command{Use: "test"}
	AddGlobalFlags(cmd)
	cmd.Flags().String("host", "", "")
	cmd.Flags().String("token", "", "")
	require.NoError(t, cmd.ParseFlags([]string{"--host", "flag-host", "--log-level", "debug", "--env-file", ""}))

	cfg, err := LoadConfig(cmd, map[string]string{"realtime.host": "host", "auth.token": "token"})
	require.NoError(t, err)
	assert.Equal(t, "flag-host", cfg.Realtime.Host)
	assert.Equal(t, "env-token", cfg.Auth.Token, "unset flags do not mask the environment")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_DotEnvAndUnknownFlag(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	env := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(env, []byte("CIVIC_JOURNAL_DRIVER=postgres\n"), 0o600))
	t.Setenv("CIVIC_JOURNAL_DRIVER", "")
	require.NoError(t, os.Unsetenv("CIVIC_JOURNAL_DRIVER"))

	cmd := &cobra.Command{Use: "test"}
	AddGlobalFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--env-file", env}))

	cfg, err := LoadConfig(cmd, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Journal.Driver)

	_, err = LoadConfig(cmd, map[string]string{"relay.addr": "addr"})
	assert.ErrorContains(t, err, "no flag")
}

func TestBuildLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		logger, err := BuildLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, logger)
	}
}

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	cmd := NewVersionCmd("civic-relay")
	cmd.SetOut(&buf)
	cmd.Run(cmd, nil)
	assert.Equal(t, "civic-relay dev (commit: none, built: unknown)\n", buf.String())
}
