package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONCodec(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count,omitempty"`
	}

	data, err := JSON.Marshal(payload{Name: "a"})
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"a"}`, string(data))
	require.True(t, Valid(data))
	require.False(t, Valid([]byte(`{"name":`)))

	var out payload
	require.NoError(t, JSON.Unmarshal([]byte(`{"name":"b","count":3}`), &out))
	require.Equal(t, payload{Name: "b", Count: 3}, out)
}
