package sequence

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
)

func TestSnowflakeGeneratorIsUnique(t *testing.T) {
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	g := NewSnowflakeGenerator(node)

	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		flow, err := g.NextFlowNo(context.Background())
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(flow, "FL-"))
		require.False(t, seen[flow], "duplicate flow number %s", flow)
		seen[flow] = true
	}

	batch, err := g.NextBatchNo(context.Background(), "CONSIGNMENT_SETTLE")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(batch, "CONSIGNMENT_SETTLE_"))
}

func TestRandomAlphaNumeric(t *testing.T) {
	s, err := randomAlphaNumeric(8)
	require.NoError(t, err)
	require.Len(t, s, 8)
	require.NotContains(t, s, "0")
	require.NotContains(t, s, "O")
}
