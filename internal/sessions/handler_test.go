package sessions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/north-brook/replaysync/internal/models"
	"github.com/north-brook/replaysync/pkg/storage"
)

type fakeStore struct {
	byID map[uuid.UUID]*models.Session
}

func (f *fakeStore) ListByProject(_ context.Context, _ uuid.UUID) ([]models.Session, error) {
	return nil, nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	return f.byID[id], nil
}

func testS3(t *testing.T) *storage.S3 {
	t.Helper()
	s3, err := storage.NewS3(context.Background(), storage.S3Config{
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		ArchiveBucket:   "replay-archive",
	}, nil)
	require.NoError(t, err)
	return s3
}

func getVideoURL(t *testing.T, h *Handler, id string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/sessions/:id/video-url", h.GenerateVideoURL)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/video-url", nil)
	router.ServeHTTP(w, req)
	return w
}

func videoURLFrom(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data.URL
}

func TestVideoURLPassesThroughUnarchivedVideo(t *testing.T) {
	id := uuid.New()
	// A render-service URL that happens to contain the bucket name must
	// not be mistaken for an archived object.
	renderURL := "https://render.internal/out/replay-archive/" + id.String() + ".mp4"
	store := &fakeStore{byID: map[uuid.UUID]*models.Session{
		id: {ID: id, Status: models.SessionStatusAnalyzed, VideoURL: renderURL},
	}}

	h := NewHandler(store, testS3(t), nil)
	w := getVideoURL(t, h, id.String())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, renderURL, videoURLFrom(t, w))
}

func TestVideoURLPresignsArchivedVideo(t *testing.T) {
	id := uuid.New()
	s3 := testS3(t)
	store := &fakeStore{byID: map[uuid.UUID]*models.Session{
		id: {
			ID:       id,
			Status:   models.SessionStatusAnalyzed,
			VideoURL: s3.ObjectURL(storage.VideoKey(id.String())),
		},
	}}

	h := NewHandler(store, s3, nil)
	w := getVideoURL(t, h, id.String())

	require.Equal(t, http.StatusOK, w.Code)
	url := videoURLFrom(t, w)
	assert.Contains(t, url, storage.VideoKey(id.String()))
	assert.Contains(t, url, "X-Amz-Signature")
}

func TestVideoURLWithoutS3FallsBackToStoredURL(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{byID: map[uuid.UUID]*models.Session{
		id: {ID: id, Status: models.SessionStatusAnalyzed, VideoURL: "https://render.internal/out/v.mp4"},
	}}

	h := NewHandler(store, nil, nil)
	w := getVideoURL(t, h, id.String())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://render.internal/out/v.mp4", videoURLFrom(t, w))
}

func TestVideoURLConflictBeforeAnalyzed(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{byID: map[uuid.UUID]*models.Session{
		id: {ID: id, Status: models.SessionStatusProcessing},
	}}

	h := NewHandler(store, nil, nil)
	w := getVideoURL(t, h, id.String())
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestVideoURLUnknownSessionIs404(t *testing.T) {
	h := NewHandler(&fakeStore{byID: map[uuid.UUID]*models.Session{}}, nil, nil)
	w := getVideoURL(t, h, uuid.New().String())
	assert.Equal(t, http.StatusNotFound, w.Code)
}
