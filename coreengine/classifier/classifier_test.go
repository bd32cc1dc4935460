package classifier

import (
	"errors"
	"testing"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(t *testing.T, in task.Intake) *task.Task {
	t.Helper()
	tk, err := task.New(in)
	require.NoError(t, err)
	return tk
}

// =============================================================================
// CLASSIFY TESTS
// =============================================================================

func TestClassify(t *testing.T) {
	c := New(1.0)

	tests := []struct {
		name     string
		intake   task.Intake
		expected task.TaskType
	}{
		{
			name:     "bug fix from title alone",
			intake:   task.Intake{Title: "Fix crash on save"},
			expected: task.TypeBugFix,
		},
		{
			name:     "feature",
			intake:   task.Intake{Title: "Add dark mode toggle to settings"},
			expected: task.TypeFeature,
		},
		{
			name:     "refactor",
			intake:   task.Intake{Title: "Refactor and simplify the storage layer"},
			expected: task.TypeRefactor,
		},
		{
			name:     "design link",
			intake:   task.Intake{Title: "Onboarding flow", Links: []string{"https://www.figma.com/file/abc/onboarding"}},
			expected: task.TypeDesignImplementation,
		},
		{
			name: "sprint batch from sub-task list",
			intake: task.Intake{
				Title:       "Sprint 14",
				Description: "- A: login screen\n- B: session storage\n- C: logout (needs A)",
			},
			expected: task.TypeSprintBatch,
		},
		{
			name:     "dependency update",
			intake:   task.Intake{Title: "Bump lodash to 4.17.21"},
			expected: task.TypeDependencyUpdate,
		},
		{
			name:     "review response",
			intake:   task.Intake{Title: "Address review comments", Links: []string{"https://github.com/acme/app/pull/42"}},
			expected: task.TypeReviewResponse,
		},
		{
			name:     "release",
			intake:   task.Intake{Title: "Release v2.3.0"},
			expected: task.TypeRelease,
		},
		{
			name:     "diagnostic only",
			intake:   task.Intake{Title: "Investigate slow startup and profile memory"},
			expected: task.TypeDiagnosticOnly,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Classify(newTask(t, tt.intake))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res.Type)
			assert.Greater(t, res.Confidence, 0.0)
			assert.LessOrEqual(t, res.Confidence, 1.0)
			assert.NotEmpty(t, res.Signals)
		})
	}
}

func TestClassifyOverrideShortCircuits(t *testing.T) {
	c := New(1.0)
	res, err := c.Classify(newTask(t, task.Intake{Title: "Fix crash on save", TypeOverride: "release"}))
	require.NoError(t, err)
	assert.Equal(t, task.TypeRelease, res.Type)
	assert.Equal(t, 1.0, res.Confidence)
	assert.True(t, res.Overridden)
	assert.Empty(t, res.Scores)
}

func TestClassifyAmbiguous(t *testing.T) {
	c := New(1.0)

	t.Run("tied keywords", func(t *testing.T) {
		_, err := c.Classify(newTask(t, task.Intake{Title: "Investigate and fix"}))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrClassificationAmbiguous))

		var amb *AmbiguousError
		require.ErrorAs(t, err, &amb)
		assert.Equal(t, []task.TaskType{task.TypeBugFix, task.TypeDiagnosticOnly}, amb.Candidates)
		assert.Equal(t, "Which kind of task is this? 1) bug_fix, 2) diagnostic_only", amb.Question())
	})

	t.Run("no signals", func(t *testing.T) {
		_, err := c.Classify(newTask(t, task.Intake{Title: "Settings screen"}))
		var amb *AmbiguousError
		require.ErrorAs(t, err, &amb)
		assert.Equal(t, task.AllTypes(), amb.Candidates)
	})

	t.Run("lead within margin", func(t *testing.T) {
		// issue link adds 1.5 to bug_fix, not enough over a keyword tie
		_, err := New(2.0).Classify(newTask(t, task.Intake{Title: "Investigate the bug in #12"}))
		var amb *AmbiguousError
		require.ErrorAs(t, err, &amb)
		assert.Contains(t, amb.Candidates, task.TypeBugFix)
		assert.Contains(t, amb.Candidates, task.TypeDiagnosticOnly)
	})
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := New(1.0)
	tk := newTask(t, task.Intake{Title: "Upgrade SDK and release 1.4.0"})
	first, firstErr := c.Classify(tk)
	for i := 0; i < 20; i++ {
		res, err := c.Classify(tk)
		assert.Equal(t, first, res)
		assert.Equal(t, firstErr, err)
	}
}

func TestScoresKeywordCap(t *testing.T) {
	c := New(1.0)
	scores := c.Scores(newTask(t, task.Intake{Title: "fix bug crash broken regression defect"}))
	assert.Equal(t, keywordCap*keywordWeight, scores[task.TypeBugFix])
}

// =============================================================================
// RESOLVE TESTS
// =============================================================================

func TestResolve(t *testing.T) {
	c := New(1.0)
	candidates := []task.TaskType{task.TypeBugFix, task.TypeDiagnosticOnly}

	tests := []struct {
		answer   string
		expected task.TaskType
	}{
		{"2", task.TypeDiagnosticOnly},
		{"bug fix", task.TypeBugFix},
		{"BugFix", task.TypeBugFix},
		{"just find the root cause", task.TypeDiagnosticOnly},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			res, err := c.Resolve(candidates, tt.answer)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res.Type)
		})
	}

	_, err := c.Resolve(candidates, "7")
	assert.Error(t, err)

	_, err = c.Resolve(candidates, "")
	assert.ErrorIs(t, err, ErrClassificationAmbiguous)

	_, err = c.Resolve(candidates, "not sure")
	assert.ErrorIs(t, err, ErrClassificationAmbiguous)
}
