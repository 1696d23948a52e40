package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/image"
	"qa-image-collector/src/core/notify"
	"qa-image-collector/src/core/utils"
	"qa-image-collector/src/models"
	"qa-image-collector/src/settings"
	"qa-image-collector/src/task"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type serviceEnv struct {
	svc     *Service
	engine  *gin.Engine
	fixture *fixture
	tasks   *task.TaskManager
	store   *settings.Store
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	log := utils.NewConsoleLogger(io.Discard, "info")

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "svc.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	store := settings.NewStore(db, log)

	f := newFixture()
	tasks := task.NewTaskManager(context.Background(), configs.TaskConfig{MaxWorkers: 1}, log)
	t.Cleanup(tasks.Stop)

	history := notify.NewHistory(10)
	history.Sink()(notify.Notification{Level: notify.LevelProgress, Message: "正在下载图片..."})

	svc := NewService(ServiceOptions{
		Collector: f.collector,
		Store:     store,
		Tasks:     tasks,
		History:   history,
	}, log)
	tasks.Start()

	engine, api := NewRouter(false)
	require.NoError(t, svc.Start(context.Background(), engine, api))
	return &serviceEnv{svc: svc, engine: engine, fixture: f, tasks: tasks, store: store}
}

func (e *serviceEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func TestService_Settings(t *testing.T) {
	env := newServiceEnv(t)

	w := env.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Settings settings.UploadSettings `json:"settings"`
		Complete bool                    `json:"complete"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "数学", got.Settings.Category)
	assert.False(t, got.Complete)

	in := map[string]string{
		"apiBase":           "https://api.example.com",
		"token":             "abcd12345678wxyz",
		"category":          "数学",
		"collectorType":     "手动采集",
		"questionDirection": "应用题",
	}
	w = env.do(t, http.MethodPost, "/api/settings", in)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/settings", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Complete)
	assert.Equal(t, "abcd********wxyz", got.Settings.Token)

	// 回传掩码token时保留原token
	in["token"] = got.Settings.Token
	in["questionDirection"] = "计算题"
	w = env.do(t, http.MethodPost, "/api/settings", in)
	require.Equal(t, http.StatusOK, w.Code)
	stored, err := env.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abcd12345678wxyz", stored.Token)
	assert.Equal(t, "计算题", stored.QuestionDirection)

	in["category"] = ""
	w = env.do(t, http.MethodPost, "/api/settings", in)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestService_CollectRunsInBackground(t *testing.T) {
	env := newServiceEnv(t)

	w := env.do(t, http.MethodPost, "/api/collect", CollectRequest{SrcURL: "https://cdn.example.com/a.gif", PageID: "tab-1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.TaskID)

	require.Eventually(t, func() bool {
		info, ok := env.tasks.Get(accepted.TaskID)
		return ok && info.Status == task.TaskStatusComplete
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return env.svc.CollectStats() == CollectStats{Completed: 1}
	}, 3*time.Second, 10*time.Millisecond)

	w = env.do(t, http.MethodGet, "/api/collect/"+accepted.TaskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"record_id":42`)
	assert.Contains(t, env.fixture.rec.list(), "mark:tab-1:https://cdn.example.com/a.gif")

	w = env.do(t, http.MethodGet, "/api/collect/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestService_CollectRejectsEmptyURL(t *testing.T) {
	env := newServiceEnv(t)
	w := env.do(t, http.MethodPost, "/api/collect", CollectRequest{SrcURL: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.fixture.rec.list())
}

func TestService_CollectAcceptsInlineImage(t *testing.T) {
	env := newServiceEnv(t)
	src := "data:image/png;base64,iVBORw0KGgo="

	w := env.do(t, http.MethodPost, "/api/collect", CollectRequest{SrcURL: src, PageID: "tab-1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		return env.svc.CollectStats().Completed == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, env.fixture.rec.list(), "mark:tab-1:"+src)
}

func TestService_Upload(t *testing.T) {
	tests := []struct {
		name        string
		imageURL    string
		acquireErr  error
		wantStatus  int
		wantSuccess bool
	}{
		{name: "上传成功", imageURL: "https://cdn.example.com/a.png", wantStatus: http.StatusOK, wantSuccess: true},
		{name: "地址无效", imageURL: "a.png", wantStatus: http.StatusBadRequest},
		{name: "内联图片", imageURL: "data:image/png;base64,iVBORw0KGgo=", wantStatus: http.StatusOK, wantSuccess: true},
		{name: "下载失败", imageURL: "https://cdn.example.com/a.png", acquireErr: &image.AcquisitionFailedError{}, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newServiceEnv(t)
			env.fixture.acquirer.err = tt.acquireErr

			w := env.do(t, http.MethodPost, "/api/upload", UploadRequest{ImageURL: tt.imageURL})
			require.Equal(t, tt.wantStatus, w.Code)

			var resp UploadResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantSuccess, resp.Success)
			if !tt.wantSuccess {
				assert.NotEmpty(t, resp.Error)
			}
		})
	}
}

func TestService_MetricsAndNotifications(t *testing.T) {
	env := newServiceEnv(t)

	w := env.do(t, http.MethodGet, "/api/collect/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"workers":1`)

	w = env.do(t, http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "正在下载图片...")

	w = env.do(t, http.MethodGet, "/api/pages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/pages/image-info?url=https://cdn.example.com/a.png", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestService_CollectFailureCounted(t *testing.T) {
	env := newServiceEnv(t)
	env.fixture.acquirer.err = &image.AcquisitionFailedError{}

	w := env.do(t, http.MethodPost, "/api/collect", CollectRequest{SrcURL: "https://cdn.example.com/a.png"})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		return env.svc.CollectStats() == CollectStats{Failed: 1}
	}, 3*time.Second, 10*time.Millisecond)

	w = env.do(t, http.MethodGet, "/api/collect/metrics", nil)
	assert.Contains(t, w.Body.String(), `"collect":{"completed":0,"failed":1}`)
}

func TestService_AgentScript(t *testing.T) {
	env := newServiceEnv(t)
	w := env.do(t, http.MethodGet, "/agent.js", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "javascript")
	assert.Contains(t, w.Body.String(), "'/ws/page'")
	assert.Contains(t, w.Body.String(), "downloadImageInPage")
}

func TestService_CORSPreflight(t *testing.T) {
	env := newServiceEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/upload", nil)
	req.Header.Set("Origin", "chrome-extension://abcdef")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
