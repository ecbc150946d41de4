package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSemanticVersion(t *testing.T) {
	require.Equal(t, "0.3.0", semanticVersion(""))
	require.Equal(t, "0.3.0-rc.1", semanticVersion("rc.1"))
	require.Equal(t, "0.3.0-beta2", semanticVersion("beta_2!"))
}

func TestRichVersionUsesCommitHash(t *testing.T) {
	prev := CommitHash
	t.Cleanup(func() { CommitHash = prev })

	CommitHash = " abc123 "
	require.Equal(t, Version()+" commit_hash=abc123", RichVersion())

	CommitHash = ""
	require.True(t, strings.HasPrefix(RichVersion(), Version()))
}
