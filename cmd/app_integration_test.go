package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cptzeroo/toaster-ai/dataset"
	"github.com/cptzeroo/toaster-ai/dataset/testutil"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const salesCSV = "region,amount\nnorth,10\nsouth,20\neast,30\n"

type appEnvelope[T any] struct {
	Success   bool   `json:"success"`
	Data      T      `json:"data"`
	Timestamp string `json:"timestamp"`
}

type appTestEnv struct {
	baseURL string
	harness *dataset.TestHarness
	s3      *testutil.MockS3
}

func setupAppIntegration(t *testing.T, cfg AppConfig) *appTestEnv {
	t.Helper()
	s3Mock := testutil.StartMockS3(t, "toaster-archive")

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = redisClient.Close()
	})

	leaseMgr, err := dataset.NewRedisUserLeaseManager(redisClient, "test:lease:")
	require.NoError(t, err)

	h := dataset.NewTestHarness(t).
		WithOptions(
			dataset.WithUserLeaseManager(leaseMgr),
			dataset.WithUserLeaseTTL(3*time.Second),
			dataset.WithArchive(dataset.NewS3ArchiveStore(s3Mock.Client, s3Mock.Bucket, "")),
			dataset.WithMetrics(dataset.NewInMemAppMetrics()),
		).
		Setup()

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	app := NewApp(h.Service(), cfg)
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		_ = app.Stop(context.Background())
		_ = app.Wait()
	})
	require.Eventually(t, func() bool { return app.Readiness().Status == ReadinessReady }, 5*time.Second, 10*time.Millisecond)

	return &appTestEnv{baseURL: "http://" + app.Address(), harness: h, s3: s3Mock}
}

func TestAppAnalytics(t *testing.T) {
	t.Run("upload_query_delete", testAppUploadQueryDelete)
	t.Run("upload_validation", testAppUploadValidation)
	t.Run("upload_body_limit", testAppUploadBodyLimit)
	t.Run("query_validation", testAppQueryValidation)
	t.Run("sync_discovers_manual_files", testAppSyncDiscovers)
	t.Run("users_are_isolated", testAppUsersIsolated)
}

func testAppUploadQueryDelete(t *testing.T) {
	env := setupAppIntegration(t, AppConfig{})

	resp := uploadFile(t, env.baseURL, "alice", "sales.csv", salesCSV)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var uploaded appEnvelope[dataset.FileRecord]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
	require.True(t, uploaded.Success)
	rec := uploaded.Data
	assert.Equal(t, "sales.csv", rec.OriginalName)
	assert.True(t, rec.IsLoaded)
	assert.Equal(t, []string{"region", "amount"}, rec.Columns)
	assert.EqualValues(t, 3, rec.RowCount)
	assert.Equal(t, dataset.DeriveTableName("sales.csv", "alice"), rec.TableName)

	assert.Equal(t, []string{"alice/" + rec.StoredName}, env.s3.Keys())

	var files appEnvelope[[]dataset.FileRecord]
	getJSON(t, env.baseURL+apiPrefix+"/files", "alice", http.StatusOK, &files)
	require.Len(t, files.Data, 1)
	assert.Equal(t, rec.ID, files.Data[0].ID)

	var one appEnvelope[dataset.FileRecord]
	getJSON(t, env.baseURL+apiPrefix+"/files/"+rec.ID, "alice", http.StatusOK, &one)
	assert.Equal(t, rec.StoredName, one.Data.StoredName)

	var queried appEnvelope[dataset.QueryResult]
	queryResp := postUserJSON(t, env.baseURL+apiPrefix+"/query", "alice", map[string]any{
		"sql":   "SELECT region, amount FROM " + rec.TableName + " ORDER BY region",
		"limit": 2,
	})
	defer queryResp.Body.Close()
	require.Equal(t, http.StatusOK, queryResp.StatusCode)
	require.NoError(t, json.NewDecoder(queryResp.Body).Decode(&queried))
	assert.Equal(t, []string{"region", "amount"}, queried.Data.Columns)
	assert.Equal(t, 2, queried.Data.RowCount)
	assert.Equal(t, []any{"east", "30"}, queried.Data.Rows[0])

	var schema appEnvelope[map[string]string]
	getJSON(t, env.baseURL+apiPrefix+"/schema", "alice", http.StatusOK, &schema)
	assert.True(t, strings.HasPrefix(schema.Data["schema"], fmt.Sprintf("Table: \"%s\" (from file: \"sales.csv\", 3 rows)", rec.TableName)))

	req, err := http.NewRequest(http.MethodDelete, env.baseURL+apiPrefix+"/files/"+rec.ID, nil)
	require.NoError(t, err)
	req.Header.Set(userIDHeader, "alice")
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)
	var deleted appEnvelope[map[string]bool]
	require.NoError(t, json.NewDecoder(delResp.Body).Decode(&deleted))
	assert.True(t, deleted.Data["deleted"])

	getJSON(t, env.baseURL+apiPrefix+"/schema", "alice", http.StatusOK, &schema)
	assert.Equal(t, dataset.NoDataSchema, schema.Data["schema"])

	assert.Empty(t, env.s3.Keys())

	var snapshot dataset.MetricsSnapshot
	resp2, err := http.Get(env.baseURL + "/metrics/app")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&snapshot))
	assert.EqualValues(t, 1, snapshot.Uploads["alice"].Count)
	assert.EqualValues(t, 1, snapshot.Queries["alice"].Count)
	assert.NotEmpty(t, snapshot.Routes)
}

func testAppUploadValidation(t *testing.T) {
	env := setupAppIntegration(t, AppConfig{})

	t.Run("unsupported_extension", func(t *testing.T) {
		resp := uploadFile(t, env.baseURL, "alice", "notes.txt", "hello")
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body errorEnvelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, dataset.MsgUnsupportedFormat, body.Message)
	})

	t.Run("missing_file_field", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("other", "x"))
		require.NoError(t, mw.Close())

		req, err := http.NewRequest(http.MethodPost, env.baseURL+apiPrefix+"/files", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set(userIDHeader, "alice")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("not_multipart", func(t *testing.T) {
		resp := postUserJSON(t, env.baseURL+apiPrefix+"/files", "alice", map[string]any{"file": "x"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func testAppUploadBodyLimit(t *testing.T) {
	env := setupAppIntegration(t, AppConfig{MaxUploadSize: "1K"})

	resp := uploadFile(t, env.baseURL, "alice", "big.csv", "a\n"+strings.Repeat("1\n", 2048))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	recs, err := env.harness.Records().FindByUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testAppQueryValidation(t *testing.T) {
	env := setupAppIntegration(t, AppConfig{})

	tests := []struct {
		name        string
		body        map[string]any
		wantStatus  int
		wantMessage string
	}{
		{name: "missing_sql", body: map[string]any{}, wantStatus: http.StatusBadRequest, wantMessage: "sql is required"},
		{name: "limit_zero", body: map[string]any{"sql": "SELECT 1", "limit": 0}, wantStatus: http.StatusBadRequest, wantMessage: "limit must be between 1 and 10000"},
		{name: "limit_too_large", body: map[string]any{"sql": "SELECT 1", "limit": 10001}, wantStatus: http.StatusBadRequest, wantMessage: "limit must be between 1 and 10000"},
		{name: "engine_error", body: map[string]any{"sql": "SELECT * FROM missing_table"}, wantStatus: http.StatusBadRequest},
		{name: "ok", body: map[string]any{"sql": "SELECT 42 AS answer", "limit": 10000}, wantStatus: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postUserJSON(t, env.baseURL+apiPrefix+"/query", "alice", tc.body)
			defer resp.Body.Close()
			require.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.wantStatus == http.StatusOK {
				return
			}
			var body errorEnvelope
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			if tc.wantMessage != "" {
				assert.Equal(t, tc.wantMessage, body.Message)
			} else {
				assert.True(t, strings.HasPrefix(body.Message, "Query error: "), body.Message)
			}
		})
	}
}

func testAppSyncDiscovers(t *testing.T) {
	env := setupAppIntegration(t, AppConfig{})
	dir := filepath.Join(env.harness.DataDir(), "alice")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manual.csv"), []byte(salesCSV), 0o644))

	resp := postUserJSON(t, env.baseURL+apiPrefix+"/files/sync", "alice", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body appEnvelope[syncResponse]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data.Files, 1)
	assert.Equal(t, "manual.csv", body.Data.Files[0].StoredName)
	assert.True(t, body.Data.Files[0].IsLoaded)
	require.NotNil(t, body.Data.Report)
	assert.Equal(t, 1, body.Data.Report.Discovered)
}

func testAppUsersIsolated(t *testing.T) {
	env := setupAppIntegration(t, AppConfig{})

	resp := uploadFile(t, env.baseURL, "alice", "sales.csv", salesCSV)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var uploaded appEnvelope[dataset.FileRecord]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))

	var files appEnvelope[[]dataset.FileRecord]
	getJSON(t, env.baseURL+apiPrefix+"/files", "bob", http.StatusOK, &files)
	assert.Empty(t, files.Data)

	var notFound errorEnvelope
	getJSON(t, env.baseURL+apiPrefix+"/files/"+uploaded.Data.ID, "bob", http.StatusNotFound, &notFound)
	assert.Equal(t, dataset.MsgFileNotFound, notFound.Message)
}

func uploadFile(t *testing.T, baseURL, userID, name, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(uploadFormField, name)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, baseURL+apiPrefix+"/files", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(userIDHeader, userID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func getJSON(t *testing.T, url, userID string, wantStatus int, out any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set(userIDHeader, userID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func postUserJSON(t *testing.T, url, userID string, body any) *http.Response {
	t.Helper()
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, userID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
