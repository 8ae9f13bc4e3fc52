package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmq/meshmq/contracts"
)

func TestJSONDecoder(t *testing.T) {
	t.Run("valid json", func(t *testing.T) {
		v, err := JSONDecoder([]byte(`{"id":1,"name":"x"}`), nil)
		require.NoError(t, err)
		m, ok := v.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(1), m["id"])
		assert.Equal(t, "x", m["name"])
	})

	t.Run("invalid json falls back to raw bytes", func(t *testing.T) {
		v, err := JSONDecoder([]byte("plain text"), nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("plain text"), v)
	})

	t.Run("empty payload", func(t *testing.T) {
		v, err := JSONDecoder(nil, nil)
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestStrictJSONDecoder(t *testing.T) {
	t.Run("valid json", func(t *testing.T) {
		v, err := StrictJSONDecoder([]byte(`[1,2]`), nil)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(1), float64(2)}, v)
	})

	t.Run("invalid json fails", func(t *testing.T) {
		_, err := StrictJSONDecoder([]byte("plain text"), nil)
		assert.Error(t, err)
	})
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("single payload", func(t *testing.T) {
		env := &contracts.Envelope[string]{Payload: []byte(`{"ok":true}`)}
		require.NoError(t, decodeEnvelope(env, JSONDecoder))
		m, ok := env.Body.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, m["ok"])
	})

	t.Run("batch decodes item by item in order", func(t *testing.T) {
		env := &contracts.Envelope[string]{
			RawBatch:      []string{"a", "b"},
			BatchPayloads: [][]byte{[]byte(`1`), []byte(`2`)},
		}
		require.NoError(t, decodeEnvelope(env, JSONDecoder))
		assert.Equal(t, []any{float64(1), float64(2)}, env.Body)
	})

	t.Run("batch item failure names the index", func(t *testing.T) {
		env := &contracts.Envelope[string]{
			RawBatch:      []string{"a", "b"},
			BatchPayloads: [][]byte{[]byte(`1`), []byte(`nope`)},
		}
		err := decodeEnvelope(env, StrictJSONDecoder)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "item 1")
	})

	t.Run("nil decoder is a no-op", func(t *testing.T) {
		env := &contracts.Envelope[string]{Payload: []byte("x")}
		require.NoError(t, decodeEnvelope(env, nil))
		assert.Nil(t, env.Body)
	})
}
