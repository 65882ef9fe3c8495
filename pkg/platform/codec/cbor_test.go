package codec

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "exambridge/pkg/domain"
)

type envelope struct {
	Paper    id.PaperID        `cbor:"paper"`
	Labels   map[string]string `cbor:"labels"`
	IssuedAt time.Time         `cbor:"issued_at"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := envelope{
		Paper:    id.PaperID(uuid.MustParse("7b0e8f64-0d4c-4f1e-9f55-cf3a8bfae001")),
		Labels:   map[string]string{"z": "1", "a": "2", "m": "3"},
		IssuedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	first, err := Marshal(v)
	require.NoError(t, err)
	for range 20 {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	var decoded envelope
	require.NoError(t, Unmarshal(first, &decoded))
	assert.Equal(t, v.Paper, decoded.Paper)
	assert.Equal(t, v.Labels, decoded.Labels)
	assert.True(t, v.IssuedAt.Equal(decoded.IssuedAt))
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var decoded envelope
	assert.Error(t, Unmarshal([]byte{0xff, 0x00, 0x13}, &decoded))
}
