package shell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	out, err := Run(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	require.Equal(t, "hello\n", out)

	_, err = Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	require.Error(t, err)
	require.IsType(t, ExitErrorVerbose{}, err)
	require.Equal(t, "broken\n", err.Error())
}
