package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	require.Equal(t, map[string]string{"authorization": "Bearer x", "team": "arena"},
		ParseHeaders(" authorization=Bearer x, team = arena ,broken,=nokey"))
	require.Empty(t, ParseHeaders(""))
}

func TestInitValidatesAndInstallsPropagators(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
	_, err = Init(context.Background(), Config{ServiceName: "settlerd", SampleRatio: 2})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "settlerd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.NotNil(t, Tracer("settlerd"))
}
