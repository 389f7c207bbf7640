package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverlab/api/internal/config"
	"github.com/coverlab/api/internal/model"
	"github.com/coverlab/api/internal/pipeline"
)

func newReplicate(t *testing.T, handler http.HandlerFunc) *ReplicateClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewReplicateClient(&config.ReplicateConfig{
		APIToken:      "r8_test",
		BaseURL:       srv.URL,
		PortraitModel: "black-forest-labs/flux-schnell",
		VoiceModel:    "zsxkib/realistic-voice-cloning:abc123",
	}, nil)
}

func TestReplicateSubmitVersioned(t *testing.T) {
	var body map[string]interface{}
	c := newReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/predictions", r.URL.Path)
		assert.Equal(t, "Bearer r8_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred-1","status":"starting"}`))
	})

	id, err := c.Submit(context.Background(), pipeline.ModelVoiceClone, map[string]interface{}{"rvc_model": "Squidward"}, "http://cb/webhooks/replicate?secret=s")
	require.NoError(t, err)
	assert.Equal(t, "pred-1", id)
	assert.Equal(t, "abc123", body["version"])
	assert.Equal(t, "http://cb/webhooks/replicate?secret=s", body["webhook"])
	assert.Equal(t, []interface{}{"completed"}, body["webhook_events_filter"])
	assert.Equal(t, map[string]interface{}{"rvc_model": "Squidward"}, body["input"])
}

func TestReplicateSubmitModelEndpoint(t *testing.T) {
	c := newReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/black-forest-labs/flux-schnell/predictions", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"pred-2","status":"starting"}`))
	})

	id, err := c.Submit(context.Background(), pipeline.ModelPortrait, map[string]interface{}{"prompt": "x"}, "")
	require.NoError(t, err)
	assert.Equal(t, "pred-2", id)
}

func TestReplicateErrors(t *testing.T) {
	c := newReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"detail":"insufficient credit"}`))
	})

	_, err := c.Submit(context.Background(), pipeline.ModelPortrait, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
	assert.Contains(t, err.Error(), "insufficient credit")

	_, err = c.Submit(context.Background(), pipeline.ModelLipSync, nil, "")
	assert.ErrorContains(t, err, "no model configured")
}

func TestReplicateCancel(t *testing.T) {
	var path string
	c := newReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"id":"pred-9","status":"canceled"}`))
	})

	require.NoError(t, c.Cancel(context.Background(), "pred-9"))
	assert.Equal(t, "/predictions/pred-9/cancel", path)
}

func TestPredictionErrorMessage(t *testing.T) {
	var p Prediction
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","status":"failed","error":"CUDA out of memory"}`), &p))
	assert.Equal(t, "CUDA out of memory", p.ErrorMessage())

	p = Prediction{}
	assert.Equal(t, "", p.ErrorMessage())
}

func newProcessing(t *testing.T, handler http.HandlerFunc) *ProcessingClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewProcessingClient(&config.ProcessingConfig{ServiceURL: srv.URL, Timeout: 5})
}

func TestProcessingDownload(t *testing.T) {
	c := newProcessing(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/download-youtube", r.URL.Path)
		var req DownloadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "job1", req.JobID)
		_ = json.NewEncoder(w).Encode(FileResponse{
			Success:  true,
			FileData: base64.StdEncoding.EncodeToString([]byte("audio")),
			FileName: "job1_audio.mp3",
		})
	})

	resp, err := c.DownloadYouTube(context.Background(), "https://youtu.be/x", "job1")
	require.NoError(t, err)
	data, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("audio"), data)
}

func TestProcessingError(t *testing.T) {
	c := newProcessing(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to download YouTube audio: private video"}`))
	})

	_, err := c.DownloadYouTube(context.Background(), "https://youtu.be/x", "job1")
	assert.ErrorContains(t, err, "private video")
}

func TestAudioSourceAndStitcher(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/download-youtube", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(FileResponse{Success: true, FileData: base64.StdEncoding.EncodeToString([]byte("yt"))})
	})
	mux.HandleFunc("/stitch-video-audio", func(w http.ResponseWriter, r *http.Request) {
		var req StitchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		audio, _ := base64.StdEncoding.DecodeString(req.AudioData)
		assert.Equal(t, "mix", string(audio))
		_ = json.NewEncoder(w).Encode(FileResponse{Success: true, FileData: base64.StdEncoding.EncodeToString([]byte("final"))})
	})
	mux.HandleFunc("/files/upload.mp3", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("uploaded"))
	})
	mux.HandleFunc("/files/mix.mp3", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mix"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	proc := NewProcessingClient(&config.ProcessingConfig{ServiceURL: srv.URL, Timeout: 5})
	fetcher := NewFetcher(5 * time.Second)
	src := NewAudioSource(proc, fetcher)

	data, err := src.Fetch(context.Background(), model.SourceKindLink, "https://youtu.be/x", "job")
	require.NoError(t, err)
	assert.Equal(t, "yt", string(data))

	data, err = src.Fetch(context.Background(), model.SourceKindUpload, srv.URL+"/files/upload.mp3", "job")
	require.NoError(t, err)
	assert.Equal(t, "uploaded", string(data))

	_, err = src.Fetch(context.Background(), model.SourceKind("ftp"), "x", "job")
	assert.Error(t, err)

	out, err := NewVideoStitcher(proc, fetcher).Stitch(context.Background(), "https://v", srv.URL+"/files/mix.mp3", "job")
	require.NoError(t, err)
	assert.Equal(t, "final", string(out))

	_, err = fetcher.Get(context.Background(), srv.URL+"/files/missing")
	assert.Error(t, err)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "audio/mpeg", ContentTypeFor("job/audio.mp3"))
	assert.Equal(t, "video/mp4", ContentTypeFor("job/final.MP4"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("job/blob"))
}
