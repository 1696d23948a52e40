package collector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	stdimage "image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/annotate"
	"qa-image-collector/src/core/catalog"
	"qa-image-collector/src/core/image"
	"qa-image-collector/src/core/notify"
	"qa-image-collector/src/core/utils"
	"qa-image-collector/src/models"
	"qa-image-collector/src/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func sampleImage() *stdimage.RGBA {
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, 12, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 20), G: uint8(y * 25), B: 90, A: 255})
		}
	}
	return img
}

func sampleGIF(t *testing.T) []byte {
	t.Helper()
	src := sampleImage()
	p := stdimage.NewPaletted(src.Bounds(), palette.Plan9)
	for y := 0; y < 9; y++ {
		for x := 0; x < 12; x++ {
			p.Set(x, y, src.At(x, y))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, p, nil))
	return buf.Bytes()
}

func sampleJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, sampleImage(), &jpeg.Options{Quality: 85}))
	return buf.Bytes()
}

// uploadedFile 题库接口收到的上传内容
type uploadedFile struct {
	imageID     string
	filename    string
	contentType string
	data        []byte
}

// fakeCatalogAPI 模拟题库接口，记录调用顺序
type fakeCatalogAPI struct {
	mu       sync.Mutex
	calls    []string
	auth     []string
	recordID int64
	uploads  []uploadedFile
	server   *httptest.Server
}

func newFakeCatalogAPI(t *testing.T, recordID int64) *fakeCatalogAPI {
	api := &fakeCatalogAPI{recordID: recordID}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/image/", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.calls = append(api.calls, "create")
		api.auth = append(api.auth, r.Header.Get("Authorization"))
		api.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    200,
			"message": "ok",
			"data":    map[string]interface{}{"id": recordID},
		})
	})
	mux.HandleFunc("/api/image/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)

		api.mu.Lock()
		api.calls = append(api.calls, "upload")
		api.auth = append(api.auth, r.Header.Get("Authorization"))
		api.uploads = append(api.uploads, uploadedFile{
			imageID:     r.FormValue("image_id"),
			filename:    header.Filename,
			contentType: header.Header.Get("Content-Type"),
			data:        data,
		})
		api.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 200, "message": "上传成功"})
	})
	api.server = httptest.NewServer(mux)
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakeCatalogAPI) snapshot() ([]string, []string, []uploadedFile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...), append([]string(nil), a.auth...), append([]uploadedFile(nil), a.uploads...)
}

type pageJPEG struct {
	data  []byte
	calls int32
}

func (p *pageJPEG) DownloadInPage(ctx context.Context, pageID string, sourceURL string) (*image.PageImage, error) {
	atomic.AddInt32(&p.calls, 1)
	return &image.PageImage{
		DataURI:  "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(p.data),
		MimeType: image.MimeJPEG,
		Width:    12,
		Height:   9,
	}, nil
}

type e2eEnv struct {
	collector *Collector
	store     *settings.Store
	history   *notify.History
	annotator *annotate.Annotator
	acquirer  *image.ImageAcquirer
}

func newE2EEnv(t *testing.T, channel image.PageChannel) *e2eEnv {
	t.Helper()
	log := utils.NewConsoleLogger(io.Discard, "debug")

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "e2e.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	store := settings.NewStore(db, log)

	notifier := notify.NewNotifier()
	history := notify.NewHistory(20)
	require.NoError(t, notifier.Subscribe(history.Sink()))

	annotator := annotate.NewAnnotator(nil, log)
	acquirer := image.NewDefaultImageAcquirer(configs.AcquireConfig{}, nil, channel, log)
	client := catalog.NewClient(configs.CatalogConfig{}, log)

	return &e2eEnv{
		collector: NewCollector(store, acquirer, client, notifier, annotator, log),
		store:     store,
		history:   history,
		annotator: annotator,
		acquirer:  acquirer,
	}
}

func (e *e2eEnv) saveSettings(t *testing.T, apiBase string) {
	t.Helper()
	s := settings.Defaults()
	s.APIBase = apiBase
	s.Token = "secret-token"
	_, err := e.store.Save(context.Background(), &s)
	require.NoError(t, err)
}

func TestE2E_GIFIsTranscodedAndUploaded(t *testing.T) {
	gifData := sampleGIF(t)
	imageHost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		w.Write(gifData)
	}))
	defer imageHost.Close()

	api := newFakeCatalogAPI(t, 77)
	env := newE2EEnv(t, nil)
	env.saveSettings(t, api.server.URL)

	req := image.AcquisitionRequest{SourceURL: imageHost.URL + "/anim.gif", PageID: "tab-1"}
	result, err := env.collector.Collect(context.Background(), req, TriggerContextMenu)
	require.NoError(t, err)
	assert.Equal(t, int64(77), result.RecordID)
	assert.Equal(t, image.MimeJPEG, result.MimeType)
	assert.Equal(t, image.StrategyNetwork, result.Strategy)

	calls, auth, uploads := api.snapshot()
	assert.Equal(t, []string{"create", "upload"}, calls)
	assert.Equal(t, []string{"Bearer secret-token", "Bearer secret-token"}, auth)
	require.Len(t, uploads, 1)
	assert.Equal(t, "77", uploads[0].imageID)
	assert.Equal(t, "image.jpg", uploads[0].filename)
	assert.Equal(t, image.MimeJPEG, uploads[0].contentType)

	decoded, err := jpeg.Decode(bytes.NewReader(uploads[0].data))
	require.NoError(t, err)
	assert.Equal(t, 12, decoded.Bounds().Dx())
	assert.Equal(t, 9, decoded.Bounds().Dy())

	assert.True(t, env.annotator.IsProcessed("tab-1", req.SourceURL))

	var messages []string
	for _, n := range env.history.Recent() {
		messages = append([]string{n.Message}, messages...)
	}
	assert.Equal(t, []string{"正在下载图片...", "正在添加图片信息...", "正在上传图片...", "图片已成功下载并上传到数据库！"}, messages)
}

func TestE2E_ProtectedImageFallsBackToPage(t *testing.T) {
	var hits int32
	imageHost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer imageHost.Close()

	page := &pageJPEG{data: sampleJPEG(t)}
	api := newFakeCatalogAPI(t, 5)
	env := newE2EEnv(t, page)
	env.saveSettings(t, api.server.URL)

	req := image.AcquisitionRequest{SourceURL: imageHost.URL + "/protected.jpg", PageID: "tab-9"}
	result, err := env.collector.Collect(context.Background(), req, TriggerContextMenu)
	require.NoError(t, err)
	assert.Equal(t, image.StrategyPage, result.Strategy)

	// 直接下载一次，备用配置三次
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&page.calls))

	calls, _, uploads := api.snapshot()
	assert.Equal(t, []string{"create", "upload"}, calls)
	require.Len(t, uploads, 1)
	assert.Equal(t, page.data, uploads[0].data)
	assert.Equal(t, "5", uploads[0].imageID)

	metrics := env.acquirer.GetMetrics()
	assert.Equal(t, int64(1), metrics.StrategySuccesses[image.StrategyPage])
	assert.Equal(t, int64(0), metrics.StrategySuccesses[image.StrategyNetwork])
}

func TestE2E_MissingTokenMakesNoNetworkRequest(t *testing.T) {
	var hits int32
	imageHost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer imageHost.Close()

	api := newFakeCatalogAPI(t, 1)
	page := &pageJPEG{data: sampleJPEG(t)}
	env := newE2EEnv(t, page)

	_, err := env.collector.Collect(context.Background(), image.AcquisitionRequest{SourceURL: imageHost.URL + "/a.png"}, TriggerManual)
	require.ErrorIs(t, err, ErrConfigurationIncomplete)

	calls, _, _ := api.snapshot()
	assert.Empty(t, calls)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
	assert.Equal(t, int32(0), atomic.LoadInt32(&page.calls))

	recent := env.history.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, notify.LevelError, recent[0].Level)
	assert.Equal(t, ErrConfigurationIncomplete.Error(), recent[0].Message)
}

func TestE2E_AllStrategiesFail(t *testing.T) {
	imageHost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer imageHost.Close()

	api := newFakeCatalogAPI(t, 1)
	env := newE2EEnv(t, nil)
	env.saveSettings(t, api.server.URL)

	_, err := env.collector.Collect(context.Background(), image.AcquisitionRequest{SourceURL: imageHost.URL + "/a.png"}, TriggerContextMenu)
	require.ErrorIs(t, err, image.ErrAcquisitionFailed)

	calls, _, _ := api.snapshot()
	assert.Empty(t, calls)

	recent := env.history.Recent()
	require.NotEmpty(t, recent)
	assert.Equal(t, notify.LevelError, recent[0].Level)
	assert.Contains(t, recent[0].Message, "所有下载方法都失败了")
}
