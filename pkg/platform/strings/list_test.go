package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []string
	}{
		{"empty", "", nil},
		{"blank", "  ,  , ", nil},
		{"single", "kafka-1:9092", []string{"kafka-1:9092"}},
		{"trims and drops empties", " kafka-1:9092 ,, kafka-2:9092 ", []string{"kafka-1:9092", "kafka-2:9092"}},
		{"keeps first of duplicates", "b,a,b,a", []string{"b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.raw, ","))
		})
	}
}

func TestUnique(t *testing.T) {
	assert.Equal(t, []string{"DEL-01", "BOM-02"}, Unique([]string{" del-01", "BOM-02", "Del-01 ", ""}, UpperCode))
	assert.Equal(t, []string{"x", " x"}, Unique([]string{"x", " x", "x"}, nil))
	assert.Nil(t, Unique(nil, UpperCode))
}
