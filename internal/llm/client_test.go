package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rooneydude/kalshibot/internal/domain"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  rawRelationship
		want domain.Relationship
		ok   bool
	}{
		{
			name: "subset",
			raw:  rawRelationship{Type: "SUBSET", SubsetTicker: "A", SupersetTicker: "B", Confidence: 0.9, Reasoning: "a implies b"},
			want: domain.Relationship{Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.9, Reasoning: "a implies b"},
			ok:   true,
		},
		{
			name: "threshold lowercase type",
			raw:  rawRelationship{Type: "threshold", TickersAscending: []string{"T3", "T4", "T5"}, Confidence: 0.8},
			want: domain.Relationship{Type: domain.RelationshipThreshold, Tickers: []string{"T3", "T4", "T5"}, Confidence: 0.8},
			ok:   true,
		},
		{
			name: "partition",
			raw:  rawRelationship{Type: "PARTITION", Tickers: []string{"A", "B", "C"}, Confidence: 0.7},
			want: domain.Relationship{Type: domain.RelationshipPartition, Tickers: []string{"A", "B", "C"}, Confidence: 0.7},
			ok:   true,
		},
		{
			name: "implication with conditional prob",
			raw:  rawRelationship{Type: "IMPLICATION", IfTicker: "IF", ThenTicker: "THEN", CondProb: 0.92, Confidence: 0.85},
			want: domain.Relationship{Type: domain.RelationshipImplication, Tickers: []string{"IF", "THEN"}, Kappa: 0.92, Confidence: 0.85},
			ok:   true,
		},
		{
			name: "implication defaults kappa",
			raw:  rawRelationship{Type: "IMPLICATION", IfTicker: "IF", ThenTicker: "THEN", Confidence: 0.85},
			want: domain.Relationship{Type: domain.RelationshipImplication, Tickers: []string{"IF", "THEN"}, Kappa: 0.8, Confidence: 0.85},
			ok:   true,
		},
		{name: "subset missing ticker", raw: rawRelationship{Type: "SUBSET", SubsetTicker: "A"}, ok: false},
		{name: "threshold too short", raw: rawRelationship{Type: "THRESHOLD", TickersAscending: []string{"A"}}, ok: false},
		{name: "unknown type", raw: rawRelationship{Type: "CAUSATION", Tickers: []string{"A", "B"}}, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalize(tt.raw)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	plain := `[{"type":"SUBSET"}]`
	assert.Equal(t, plain, stripFences(plain))
	assert.Equal(t, plain, stripFences("```json\n"+plain+"\n```"))
	assert.Equal(t, plain, stripFences("```\n"+plain+"\n```"))
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, testLogger())
	assert.Error(t, err)
}
