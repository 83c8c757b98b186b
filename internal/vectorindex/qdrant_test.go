package vectorindex

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQdrantFilter(t *testing.T) {
	assert.Nil(t, qdrantFilter(Filter{}))

	f := qdrantFilter(Filter{EpisodeID: "E", RunID: 9})
	require.NotNil(t, f)
	require.Len(t, f.Must, 2)
	assert.Equal(t, FieldEpisodeID, f.Must[0].GetField().GetKey())
	assert.Equal(t, "E", f.Must[0].GetField().GetMatch().GetKeyword())
	assert.Equal(t, int64(9), f.Must[1].GetField().GetMatch().GetInteger())
}

func TestPayloadFromQdrant(t *testing.T) {
	m := qdrant.NewValueMap(map[string]any{
		FieldEpisodeID: "E",
		FieldRunID:     int64(3),
		FieldSegNo:     12,
		FieldModelName: "e5",
		FieldText:      "hello",
		FieldStart:     int64(4000),
		FieldEnd:       int64(5500),
	})
	p := payloadFromQdrant(m)
	assert.Equal(t, Payload{EpisodeID: "E", RunID: 3, SegNo: 12, ModelName: "e5", Text: "hello", Start: 4000, End: 5500}, p)
	assert.Equal(t, "E-0012", p.Key())

	// Missing fields decode to zero values.
	assert.Equal(t, Payload{}, payloadFromQdrant(nil))
}
