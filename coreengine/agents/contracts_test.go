package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// STATUS TESTS
// =============================================================================

func TestStatusFromString(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"success", StatusSuccess},
		{"  SUCCESS ", StatusSuccess},
		{"ok", StatusSuccess},
		{"failed", StatusFailure},
		{"Error", StatusFailure},
		{"needs_review", StatusNeedsReview},
		{"review", StatusNeedsReview},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := StatusFromString(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := StatusFromString("maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stage status 'maybe'")
}

func TestFailureKindFromString(t *testing.T) {
	tests := []struct {
		in   string
		want FailureKind
	}{
		{"compile", FailureCompile},
		{"BUILD", FailureCompile},
		{"tests", FailureTest},
		{"lint", FailureLint},
		{"layer-boundary", FailureLayerBoundary},
		{"consistency", FailureLayerBoundary},
		{"timeout", FailureTimeout},
		{"review_rejected", FailureReviewRejected},
		{"segfault", FailureUnknown},
		{"", FailureUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FailureKindFromString(tt.in), tt.in)
	}
	assert.NotContains(t, FailureKinds(), FailureReviewRejected, "agents never report review rejections")
}

// =============================================================================
// STAGE RESULT TESTS
// =============================================================================

func TestStageResult_IsCrossStage(t *testing.T) {
	boundary := Failure("lint", FailureLayerBoundary)
	assert.False(t, boundary.IsCrossStage())

	boundary.AffectedStages = []string{"implement", "implement"}
	assert.False(t, boundary.IsCrossStage(), "duplicates count once")

	boundary.AffectedStages = []string{"implement", "diagnose"}
	assert.True(t, boundary.IsCrossStage())

	compile := Failure("lint", FailureCompile)
	compile.AffectedStages = []string{"implement", "diagnose"}
	assert.False(t, compile.IsCrossStage())
}

func TestStageResult_Summary(t *testing.T) {
	assert.Equal(t, "build succeeded", Success("build", nil).Summary())
	assert.Equal(t, "build failed (compile)", Failure("build", FailureCompile).Summary())
	assert.Equal(t, "build failed (compile): x.go:1", Failure("build", FailureCompile, "x.go:1").Summary())
	assert.Equal(t, "build needs review", NeedsReview("build", nil).Summary())
}

func TestStageResult_Normalize(t *testing.T) {
	t.Run("fills stage", func(t *testing.T) {
		r, err := StageResult{Status: "ok"}.Normalize("test")
		require.NoError(t, err)
		assert.Equal(t, "test", r.Stage)
		assert.Equal(t, StatusSuccess, r.Status)
	})

	t.Run("mismatched stage", func(t *testing.T) {
		_, err := StageResult{Stage: "lint", Status: StatusSuccess}.Normalize("test")
		assert.Error(t, err)
	})

	t.Run("missing status", func(t *testing.T) {
		_, err := StageResult{}.Normalize("test")
		assert.Error(t, err)
	})

	t.Run("failure without kind is unknown", func(t *testing.T) {
		r, err := StageResult{Status: "failed"}.Normalize("test")
		require.NoError(t, err)
		assert.Equal(t, FailureUnknown, r.FailureKind)
	})

	t.Run("kind cleared on success", func(t *testing.T) {
		r, err := StageResult{Status: StatusSuccess, FailureKind: FailureTest}.Normalize("test")
		require.NoError(t, err)
		assert.Empty(t, r.FailureKind)
	})
}

func TestParseResult(t *testing.T) {
	r, err := ParseResult("test", []byte(`{
		"status": "failure",
		"failure_kind": "tests",
		"diagnostics": ["TestCart failed"],
		"registry_updates": [{"kind": "module", "key": "cart", "value": {"owner": "shop"}}],
		"memories": [{"category": "lesson", "title": "nil maps"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "test", r.Stage)
	assert.Equal(t, FailureTest, r.FailureKind)
	assert.Equal(t, []string{"TestCart failed"}, r.Diagnostics)
	require.Len(t, r.RegistryUpdates, 1)
	assert.Equal(t, "shop", r.RegistryUpdates[0].Value["owner"])
	require.Len(t, r.Memories, 1)

	_, err = ParseResult("test", []byte("not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `stage "test"`)
}
