package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paul-chambers/templatefs/internal/anchor"
)

func setupPair(t *testing.T) *anchor.Pair {
	t.Helper()
	pair, err := anchor.SetupPair(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { pair.Close() })
	return pair
}

func TestNewTrackerStartsHealthy(t *testing.T) {
	tr := NewTracker(3)
	assert.Equal(t, StateHealthy, tr.Overall())

	c, ok := tr.GetComponentHealth("mount")
	require.True(t, ok)
	assert.Equal(t, StateHealthy, c.State)
}

func TestProbeRecordsSuccessAgainstRealAnchors(t *testing.T) {
	tr := NewTracker(3)
	pair := setupPair(t)

	tr.Probe(pair)

	mount, _ := tr.GetComponentHealth("mount")
	templates, _ := tr.GetComponentHealth("templates")
	assert.Equal(t, StateHealthy, mount.State)
	assert.Equal(t, StateHealthy, templates.State)
	assert.Equal(t, 0, mount.ConsecutiveErrors)
}

func TestRecordErrorBelowThresholdStaysHealthy(t *testing.T) {
	tr := NewTracker(3)
	tr.recordError("mount", assertErr("boom"))
	tr.recordError("mount", assertErr("boom"))

	c, _ := tr.GetComponentHealth("mount")
	assert.Equal(t, StateHealthy, c.State)
	assert.Equal(t, 2, c.ConsecutiveErrors)
}

func TestRecordErrorAtThresholdBecomesUnavailable(t *testing.T) {
	tr := NewTracker(2)
	tr.recordError("mount", assertErr("boom"))
	tr.recordError("mount", assertErr("boom"))

	c, _ := tr.GetComponentHealth("mount")
	assert.Equal(t, StateUnavailable, c.State)
	assert.Equal(t, StateUnavailable, tr.Overall())
}

func TestRecordSuccessResetsConsecutiveErrors(t *testing.T) {
	tr := NewTracker(5)
	tr.recordError("mount", assertErr("boom"))
	tr.recordError("mount", assertErr("boom"))
	tr.recordSuccess("mount")

	c, _ := tr.GetComponentHealth("mount")
	assert.Equal(t, 0, c.ConsecutiveErrors)
	assert.Equal(t, StateHealthy, c.State)
}

func TestHandlerReturns200WhenHealthy(t *testing.T) {
	tr := NewTracker(3)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	tr.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestHandlerReturns503WhenUnavailable(t *testing.T) {
	tr := NewTracker(1)
	tr.recordError("templates", assertErr("boom"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	tr.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type testError string

func (e testError) Error() string { return string(e) }

func assertErr(msg string) error { return testError(msg) }
