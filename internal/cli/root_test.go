package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ontask", cmd.Use)
	assert.Contains(t, cmd.Long, "personalized messages")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"workflow", "create"},
		{"workflow", "list"},
		{"workflow", "delete"},
		{"upload"},
		{"merge"},
		{"action", "create"},
		{"action", "list"},
		{"render"},
		{"export"},
		{"import"},
		{"token", "sign"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db", "driver", "secret"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestExportCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	exportCmd, _, err := cmd.Find([]string{"export"})
	require.NoError(t, err)

	outputFlag := exportCmd.Flags().Lookup("output")
	require.NotNil(t, outputFlag)
	assert.Equal(t, "o", outputFlag.Shorthand)
}

func TestUploadCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	uploadCmd, _, err := cmd.Find([]string{"upload"})
	require.NoError(t, err)

	delim := uploadCmd.Flags().Lookup("delimiter")
	require.NotNil(t, delim)
	assert.Equal(t, ",", delim.DefValue)
	assert.NotNil(t, uploadCmd.Flags().Lookup("replace"))
	assert.NotNil(t, uploadCmd.Flags().Lookup("key"))
	assert.NotNil(t, uploadCmd.Flags().Lookup("type"))
}

func TestInvalidFormat(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "--format", "xml", "workflow", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestParseID(t *testing.T) {
	id, err := parseID("workflow", "12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	for _, bad := range []string{"", "x", "0", "-3"} {
		_, err := parseID("workflow", bad)
		require.Error(t, err, bad)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	}
}
