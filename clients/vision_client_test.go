package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture_1.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not-a-real-jpeg"), 0644))
	return path
}

func chatServer(t *testing.T, content string, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":` + content + `}}]}`))
	}))
}

func TestDescribePerson(t *testing.T) {
	svr := chatServer(t, `"{\"visual_summary\":\"adult walking a dog\",\"tags\":[\"outdoor\"],\"environment\":\"street\",\"clothing_level\":\"casual\",\"visible_biometrics\":{\"face_visible\":true,\"tattoos_visible\":false,\"scars_visible\":false,\"distinctive_marks\":[]},\"context_indicators\":[],\"age_group\":\"adult\",\"confidence\":0.9}"`, nil)
	defer svr.Close()

	c := NewVisionClient(svr.URL, "test-model")
	desc := c.DescribePerson(context.Background(), "vid-1", writeTestImage(t))
	require.False(t, desc.Mock)
	require.Equal(t, "adult walking a dog", desc.VisualSummary)
	require.Equal(t, "adult", desc.AgeGroup)
	require.True(t, desc.VisibleBiometrics.FaceVisible)
	require.Equal(t, 0.9, desc.Confidence)
}

func TestDescribePersonMockFallback(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer svr.Close()

	c := NewVisionClient(svr.URL, "test-model")
	desc := c.DescribePerson(context.Background(), "vid-1", writeTestImage(t))
	require.True(t, desc.Mock)
	require.LessOrEqual(t, desc.Confidence, 0.75)
	require.NotEmpty(t, desc.VisualSummary)
}

func TestClassifyCachesByImagePath(t *testing.T) {
	var calls int32
	svr := chatServer(t, `"Here is the answer: {\"type\":\"id_document\",\"confidence\":0.88} hope that helps"`, &calls)
	defer svr.Close()

	c := NewVisionClient(svr.URL, "test-model")
	path := writeTestImage(t)

	typ, conf := c.Classify(context.Background(), "vid-1", path)
	require.Equal(t, "id_document", typ)
	require.Equal(t, 0.88, conf)

	typ, _ = c.Classify(context.Background(), "vid-1", path)
	require.Equal(t, "id_document", typ)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUnmarshalLoose(t *testing.T) {
	var out struct {
		Type string `json:"type"`
	}
	require.NoError(t, unmarshalLoose(`{"type":"face"}`, &out))
	require.Equal(t, "face", out.Type)

	require.NoError(t, unmarshalLoose("```json\n{\"type\":\"person\"}\n```", &out))
	require.Equal(t, "person", out.Type)

	require.Error(t, unmarshalLoose("no json here", &out))
}
