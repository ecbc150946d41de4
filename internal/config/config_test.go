package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dealistaan/chatsync/internal/connection"
	"github.com/dealistaan/chatsync/internal/outbox"
	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := load(envOf(map[string]string{"CHATSYNC_HOME": home}))
	require.NoError(t, err)

	require.Equal(t, home, cfg.Home)
	require.Equal(t, DefaultAPIURL, cfg.API.URL)
	require.Equal(t, "http://localhost:5000", cfg.SocketOrigin())
	require.Equal(t, 10, cfg.Reconnect.Attempts)
	require.Equal(t, time.Second, cfg.Reconnect.Base.Std())
	require.Equal(t, "rest", cfg.Send.Mode)
	require.Equal(t, filepath.Join(home, "token"), cfg.TokenPath())
}

func TestLoadFileThenEnv(t *testing.T) {
	home := t.TempDir()
	file := `
[api]
url = "https://ads.example.com/api/"
timeout = "3s"

[reconnect]
base = "500ms"
attempts = 4

[send]
mode = "transport"
timeout = "15s"

[poll]
conversations = "0s"
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(file), 0o600))

	cfg, err := load(envOf(map[string]string{
		"CHATSYNC_HOME":               home,
		"CHATSYNC_RECONNECT_BASE":     "2s",
		"CHATSYNC_RECONNECT_JITTER":   "0",
		"CHATSYNC_USER_ID":            "me",
		"CHATSYNC_DEBUG":              "1",
		"CHATSYNC_TYPING_WINDOW":      "4s",
		"CHATSYNC_RECONNECT_ATTEMPTS": "6",
	}))
	require.NoError(t, err)

	require.Equal(t, "https://ads.example.com", cfg.SocketOrigin())
	require.Equal(t, 3*time.Second, cfg.API.Timeout.Std())
	require.True(t, cfg.API.Debug)
	// Env wins over the file.
	require.Equal(t, 2*time.Second, cfg.Reconnect.Base.Std())
	require.Equal(t, 6, cfg.Reconnect.Attempts)
	// Keys missing from the file keep their defaults.
	require.Equal(t, 30*time.Second, cfg.Reconnect.Max.Std())

	ec, err := cfg.Engine()
	require.NoError(t, err)
	require.Equal(t, outbox.ModeTransport, ec.Outbox.Mode)
	require.Equal(t, 15*time.Second, ec.Outbox.ConfirmTimeout)
	require.Equal(t, 2*time.Second, ec.Connection.Backoff.Base)
	require.Zero(t, ec.Connection.Backoff.Jitter)
	require.Equal(t, 6, ec.Connection.MaxAttempts)
	require.Equal(t, 4*time.Second, ec.Typing.RemoteWindow)
	require.Zero(t, ec.ConversationPoll)
	require.Equal(t, 2*time.Second, ec.ThreadPoll)
	require.Equal(t, types.PeerID("me"), ec.SelfID)
}

func TestLoadFallsBackToWebClientVariable(t *testing.T) {
	cfg, err := load(envOf(map[string]string{
		"CHATSYNC_HOME":     t.TempDir(),
		"REACT_APP_API_URL": "https://web.example.com/api",
	}))
	require.NoError(t, err)
	require.Equal(t, "https://web.example.com", cfg.SocketOrigin())
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"duration": {"CHATSYNC_SEND_TIMEOUT": "soon"},
		"mode":     {"CHATSYNC_SEND_MODE": "pigeon"},
		"level":    {"CHATSYNC_LOG_LEVEL": "loud"},
		"format":   {"CHATSYNC_LOG_FORMAT": "xml"},
		"jitter":   {"CHATSYNC_RECONNECT_JITTER": "2"},
		"attempts": {"CHATSYNC_RECONNECT_ATTEMPTS": "many"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			env["CHATSYNC_HOME"] = t.TempDir()
			_, err := load(envOf(env))
			require.Error(t, err)
		})
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte("[api\nurl="), 0o600))
	_, err := load(envOf(map[string]string{"CHATSYNC_HOME": home}))
	require.Error(t, err)
}

func TestSocketURLOverride(t *testing.T) {
	cfg := Default()
	cfg.API.SocketURL = "wss://push.example.com/"
	require.Equal(t, "wss://push.example.com", cfg.SocketOrigin())
}

func TestTokenResolution(t *testing.T) {
	cfg := Default()
	cfg.Home = t.TempDir()

	_, err := cfg.ResolveToken()
	require.ErrorIs(t, err, connection.ErrNoToken)

	require.NoError(t, cfg.SaveToken("  abc.def.ghi \n"))
	tok, err := cfg.ResolveToken()
	require.NoError(t, err)
	require.Equal(t, "abc.def.ghi", tok)

	cfg.Auth.Token = "inline"
	tok, err = cfg.ResolveToken()
	require.NoError(t, err)
	require.Equal(t, "inline", tok)

	require.ErrorIs(t, cfg.SaveToken(" "), ErrNoToken)
}

func TestSaveRoundTripsWithoutToken(t *testing.T) {
	home := t.TempDir()
	cfg := Default()
	cfg.Home = home
	cfg.Auth.Token = "secret"
	cfg.Send.Mode = "transport"
	cfg.Poll.Thread = Duration(7 * time.Second)
	require.NoError(t, cfg.Save())

	loaded, err := load(envOf(map[string]string{"CHATSYNC_HOME": home}))
	require.NoError(t, err)
	require.Empty(t, loaded.Auth.Token)
	require.Equal(t, "transport", loaded.Send.Mode)
	require.Equal(t, 7*time.Second, loaded.Poll.Thread.Std())
}
