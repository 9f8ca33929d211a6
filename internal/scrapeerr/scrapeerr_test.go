package scrapeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	cause := errors.New("status 403")
	err := fmt.Errorf("page 3: %w", Wrap(Blocked, cause))

	require.ErrorIs(t, err, Blocked)
	require.ErrorIs(t, err, cause)
	require.Equal(t, Blocked, Kind(err))
	require.False(t, Terminal(err))
	require.Nil(t, Wrap(Blocked, nil))
}

func TestTerminal(t *testing.T) {
	require.True(t, Terminal(Errorf(Fatal, "auth failed %d times", 3)))
	require.True(t, Terminal(Errorf(Config, "unknown retailer %q", "x")))
	require.False(t, Terminal(Errorf(Transient, "timeout")))
	require.Nil(t, Kind(errors.New("plain")))
}
