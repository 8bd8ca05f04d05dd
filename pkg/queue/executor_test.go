package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentops/triage/pkg/config"
	"github.com/incidentops/triage/pkg/masking"
	"github.com/incidentops/triage/pkg/models"
)

type fakeRunner struct {
	lastReq *models.AnalysisRequest
	resp    *models.AnalysisResponse
	err     error
}

func (f *fakeRunner) RunWithID(ctx context.Context, analysisID string, req *models.AnalysisRequest) (*models.AnalysisResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	f.resp.AnalysisID = analysisID
	return f.resp, nil
}

type fakeRecorder struct {
	savedQuery string
	saved      *models.AnalysisResponse
	err        error
}

func (f *fakeRecorder) SaveResponse(ctx context.Context, query string, resp *models.AnalysisResponse) error {
	f.savedQuery = query
	f.saved = resp
	return f.err
}

func TestExecutorMasksLogsAndEvidence(t *testing.T) {
	runner := &fakeRunner{resp: &models.AnalysisResponse{
		Status:    models.DecisionAnswer,
		RootCause: "deploy used password=hunter2 against prod",
		Evidence: &models.EvidenceBundle{
			Logs: []models.Evidence{{
				Source:  models.SourceLog,
				Content: "auth failed with api_key=sk-ant-abc123def456ghi",
			}},
		},
	}}
	recorder := &fakeRecorder{}
	masker := masking.NewService(config.MaskingConfig{Enabled: true}, nil)
	exec := NewAnalysisExecutor(runner, masker, recorder, nil)

	req := &models.AnalysisRequest{
		Query: "login failures",
		Logs:  []models.LogRecord{{Content: "connect with password=s3cret failed"}},
	}
	resp, err := exec.Execute(context.Background(), "run-test1234", req)
	require.NoError(t, err)

	assert.NotContains(t, runner.lastReq.Logs[0].Content, "s3cret")
	assert.NotContains(t, resp.RootCause, "hunter2")
	assert.NotContains(t, resp.Evidence.Logs[0].Content, "sk-ant-")

	require.NotNil(t, recorder.saved)
	assert.Equal(t, "login failures", recorder.savedQuery)
	assert.Equal(t, "run-test1234", recorder.saved.AnalysisID)
}

func TestExecutorWithoutStoreOrMasker(t *testing.T) {
	runner := &fakeRunner{resp: &models.AnalysisResponse{Status: models.DecisionRefuse}}
	exec := NewAnalysisExecutor(runner, nil, nil, nil)

	resp, err := exec.Execute(context.Background(), "run-bare", &models.AnalysisRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRefuse, resp.Status)
}

func TestExecutorPropagatesRunError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("invalid analysis request: query is required")}
	recorder := &fakeRecorder{}
	exec := NewAnalysisExecutor(runner, nil, recorder, nil)

	_, err := exec.Execute(context.Background(), "run-bad", &models.AnalysisRequest{})
	require.Error(t, err)
	assert.Nil(t, recorder.saved)
}

func TestExecutorToleratesPersistFailure(t *testing.T) {
	runner := &fakeRunner{resp: &models.AnalysisResponse{Status: models.DecisionAnswer}}
	recorder := &fakeRecorder{err: errors.New("db down")}
	exec := NewAnalysisExecutor(runner, nil, recorder, nil)

	resp, err := exec.Execute(context.Background(), "run-persist", &models.AnalysisRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAnswer, resp.Status)
}
