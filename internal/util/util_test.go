package util

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagNameToEnvVar(t *testing.T) {
	assert.Equal(t, "RELAY_LISTEN_ADDRESS", FlagNameToEnvVar("listen-address"))
	assert.Equal(t, "RELAY_ECHO", FlagNameToEnvVar("echo"))
}

func TestSetFlagsFromEnvVars(t *testing.T) {
	var address string
	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().StringVar(&address, "listen-address", "127.0.0.1:6000", "")

	t.Setenv("RELAY_LISTEN_ADDRESS", "0.0.0.0:7000")
	SetFlagsFromEnvVars(cmd)

	assert.Equal(t, "0.0.0.0:7000", address)
}

func TestInitLog(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	defer log.SetLevel(log.InfoLevel)

	require.Error(t, InitLog("shouting", LogConsole))

	path := filepath.Join(t.TempDir(), "relay.log")
	require.NoError(t, InitLog("debug", path))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	log.Debug("written to file")
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
