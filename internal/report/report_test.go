package report

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoundsAndDedups(t *testing.T) {
	r := New("efficientnet-b0", 0.123456, 1.7, Rejected, []string{"b", "a", "b"})

	assert.Equal(t, 0.1235, r.ModelScore)
	assert.Equal(t, 1.0, r.FinalScore)
	assert.Equal(t, []string{"a", "b"}, r.Signals)
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("c"))
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	r := New("efficientnet-b0", 0.05, 0.0225, Approved, nil)
	require.NoError(t, Encode(&buf, r))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "APPROVED", got["verdict"])
	assert.Equal(t, 0.0225, got["final_score"])
	assert.Equal(t, []any{}, got["signals"])
}

func TestValidateRejectsBadReports(t *testing.T) {
	bad := Report{Model: "m", ModelScore: 0.2, FinalScore: 0.2, Verdict: "MAYBE"}
	assert.Error(t, Validate(bad))

	outOfRange := Report{Model: "m", ModelScore: 2, FinalScore: 0.2, Verdict: Approved}
	assert.Error(t, Validate(outOfRange))

	assert.Error(t, Validate(Report{Verdict: Approved}))
}

func TestSeverityOrdering(t *testing.T) {
	assert.Less(t, Approved.Severity(), Rejected.Severity())
}
