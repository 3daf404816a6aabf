package passphrase

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSource(env map[string]string, tty bool, secret string) (*Source, *int, *bytes.Buffer) {
	reads := 0
	out := &bytes.Buffer{}
	s := NewSource("ARENA_KEYSTORE_PASS")
	s.lookupEnv = func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	s.isTerminal = func() bool { return tty }
	s.readSecret = func() ([]byte, error) {
		reads++
		return []byte(secret), nil
	}
	s.out = out
	return s, &reads, out
}

func TestEnvWinsOverPrompt(t *testing.T) {
	s, reads, _ := testSource(map[string]string{"ARENA_KEYSTORE_PASS": "hunter2"}, true, "ignored")
	value, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)
	require.Zero(t, *reads)
}

func TestEmptyEnvIsRejected(t *testing.T) {
	s, _, _ := testSource(map[string]string{"ARENA_KEYSTORE_PASS": "  "}, true, "x")
	_, err := s.Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestPromptIsCached(t *testing.T) {
	s, reads, out := testSource(nil, true, "correct horse")
	for i := 0; i < 2; i++ {
		value, err := s.Get()
		require.NoError(t, err)
		require.Equal(t, "correct horse", value)
	}
	require.Equal(t, 1, *reads)
	require.Contains(t, out.String(), "operator keystore passphrase")
}

func TestNoTerminal(t *testing.T) {
	s, _, _ := testSource(nil, false, "")
	_, err := s.Get()
	require.ErrorContains(t, err, "ARENA_KEYSTORE_PASS")

	s, _, _ = testSource(nil, true, " ")
	_, err = s.Get()
	require.ErrorContains(t, err, "cannot be empty")
}
