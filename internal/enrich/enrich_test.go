package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance13c/browzer/internal/config"
	"github.com/lance13c/browzer/internal/types"
)

func recording() *types.Recording {
	return &types.Recording{
		ID: "rec-1",
		Actions: []types.RecordedAction{
			{Seq: 1, Type: types.ActionNavigate, URL: "https://app.test/signup"},
			{Seq: 2, Type: types.ActionInput, Value: "ada@example.com", Target: &types.ElementTarget{Selector: "#mail", TagName: "INPUT"}},
			{Seq: 3, Type: types.ActionInput, Value: "Ada", Target: &types.ElementTarget{Selector: "#first", TagName: "INPUT"}},
			{Seq: 4, Type: types.ActionClick, Target: &types.ElementTarget{Selector: "#submit", TagName: "BUTTON"}},
		},
		EnrichmentVariables: []types.EnrichmentVariable{{ActionIndex: 2, Name: "first", Confidence: 0.6}},
	}
}

func TestApplyRecordsHintsAndErrors(t *testing.T) {
	var calls atomic.Int32
	a := AnnotatorFunc(func(_ context.Context, action *types.RecordedAction, _ []byte, actx Context) (*Annotation, error) {
		calls.Add(1)
		switch actx.Index {
		case 1:
			assert.Equal(t, 1, actx.Previous.Seq)
			return &Annotation{Variable: &VariableDetection{Name: "email", Format: "email"}, Confidence: 0.9}, nil
		case 2:
			return &Annotation{Variable: &VariableDetection{Name: "first_name"}, Confidence: 0.8}, nil
		case 3:
			assert.Nil(t, actx.Next)
			return &Annotation{
				Variable:   &VariableDetection{Name: "not_a_value"},
				Error:      &ErrorDetection{Message: "Password too short"},
				Confidence: 0.7,
			}, nil
		}
		return nil, errors.New("unexpected action")
	})

	rec := recording()
	report := Apply(context.Background(), a, rec, Options{Concurrency: 2, MinConfidence: 0.5}, nil)

	assert.EqualValues(t, 3, calls.Load(), "navigation is not annotated")
	assert.Equal(t, Report{Annotated: 3, Variables: 2, Errors: 1}, report)
	assert.Equal(t, []types.EnrichmentVariable{
		{ActionIndex: 1, Name: "email", Format: "email", Confidence: 0.9},
		{ActionIndex: 2, Name: "first_name", Confidence: 0.8},
	}, rec.EnrichmentVariables)
	assert.Equal(t, "Password too short", rec.Actions[3].Metadata[MetaError])
	assert.Equal(t, "3", rec.Metadata[MetaAnnotated])
	assert.NotEmpty(t, rec.Metadata[MetaEnrichedAt])
}

func TestApplyDegradesSilently(t *testing.T) {
	a := AnnotatorFunc(func(_ context.Context, _ *types.RecordedAction, _ []byte, actx Context) (*Annotation, error) {
		if actx.Index == 1 {
			return &Annotation{Variable: &VariableDetection{Name: "email"}, Confidence: 0.2}, nil
		}
		return nil, errors.New("service unavailable")
	})

	rec := recording()
	report := Apply(context.Background(), a, rec, Options{MinConfidence: 0.5}, nil)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Annotated)
	// low-confidence hint dropped, earlier hint kept
	assert.Equal(t, []types.EnrichmentVariable{{ActionIndex: 2, Name: "first", Confidence: 0.6}}, rec.EnrichmentVariables)

	assert.Equal(t, Report{}, Apply(context.Background(), nil, recording(), Options{}, nil))
}

func TestApplyPassesScreenshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0002-input.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0644))
	rec := recording()
	rec.Actions[1].SnapshotPath = path

	var got atomic.Value
	a := AnnotatorFunc(func(_ context.Context, _ *types.RecordedAction, shot []byte, actx Context) (*Annotation, error) {
		if actx.Index == 1 {
			got.Store(string(shot))
		} else {
			assert.Nil(t, shot)
		}
		return &Annotation{}, nil
	})
	Apply(context.Background(), a, rec, Options{}, nil)
	assert.Equal(t, "png-bytes", got.Load())
}

func TestHTTPAnnotator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Context.Index == 9 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, []byte("img"), req.Screenshot)
		json.NewEncoder(w).Encode(Annotation{Variable: &VariableDetection{Name: "email", Format: "email"}, Confidence: 0.95})
	}))
	defer srv.Close()

	a, opts := FromConfig(config.EnrichConfig{Endpoint: srv.URL, APIKey: "secret", Timeout: time.Second, Concurrency: 3})
	require.NotNil(t, a)
	assert.Equal(t, 3, opts.Concurrency)

	action := &types.RecordedAction{Seq: 2, Type: types.ActionInput, Value: "a@b.c"}
	ann, err := a.Analyze(context.Background(), action, []byte("img"), Context{Index: 1})
	require.NoError(t, err)
	assert.Equal(t, "email", ann.Variable.Name)
	assert.InDelta(t, 0.95, ann.Confidence, 1e-9)

	_, err = a.Analyze(context.Background(), action, []byte("img"), Context{Index: 9})
	assert.ErrorContains(t, err, "503")

	none, _ := FromConfig(config.EnrichConfig{})
	assert.Nil(t, none)
}
