package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/models"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := config.OpenSQLite(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	previous := config.GetDB()
	config.UseDB(conn)
	t.Cleanup(func() {
		config.UseDB(previous)
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

func bearer(t *testing.T, companyId string) string {
	t.Helper()
	token, err := utils.JwtGenerate(3, "Floor Lead", companyId, "staff")
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	return "Bearer " + token
}

func doJSON(r http.Handler, method, url, auth string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func TestReadinessGate(t *testing.T) {
	previous := config.GetDB()
	config.UseDB(nil)
	defer config.UseDB(previous)

	r := newRouter(config.GetLogger())
	if w := doJSON(r, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("healthz: expected 204, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodGet, "/print-jobs", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the database is ready, got %d", w.Code)
	}
}

func TestPrintJobRoutes_StageLifecycle(t *testing.T) {
	openTestDB(t)
	r := newRouter(config.GetLogger())
	auth := bearer(t, "company-http")

	if w := doJSON(r, http.MethodGet, "/print-jobs", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", w.Code)
	}

	w := doJSON(r, http.MethodPost, "/print-jobs", auth, map[string]interface{}{
		"title":    "Spring flyers",
		"job_type": "flyers",
		"quantity": 1000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Data models.PrintJob `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if len(created.Data.Stages) != 7 {
		t.Fatalf("expected 7 template stages, got %d", len(created.Data.Stages))
	}
	first := created.Data.Stages[0]
	stageURL := "/production-stages/" + strconv.Itoa(first.ID)

	w = doJSON(r, http.MethodPost, stageURL+"/transition", auth, map[string]interface{}{"status": "completed"})
	var rejected errorBody
	_ = json.Unmarshal(w.Body.Bytes(), &rejected)
	if w.Code != http.StatusUnprocessableEntity || rejected.Code != "INVALID_TRANSITION" {
		t.Fatalf("pending -> completed: expected 422 INVALID_TRANSITION, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodPost, stageURL+"/transition", auth, map[string]interface{}{"status": "in_progress"})
	if w.Code != http.StatusOK {
		t.Fatalf("start stage: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var started struct {
		Data models.StageTransitionResult `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode transition: %v", err)
	}
	if started.Data.Stage.StageStatus != models.StageStatusInProgress || started.Data.Stage.StartedAt == nil {
		t.Fatalf("unexpected stage after start: %+v", started.Data.Stage)
	}
	if started.Data.PrintJob.ProductionStatus != models.ProductionStatusInProgress {
		t.Fatalf("expected job in_progress, got %s", started.Data.PrintJob.ProductionStatus)
	}

	w = doJSON(r, http.MethodPost, stageURL+"/transition", auth, map[string]interface{}{"status": "on_hold"})
	rejected = errorBody{}
	_ = json.Unmarshal(w.Body.Bytes(), &rejected)
	if w.Code != http.StatusUnprocessableEntity || rejected.Code != "MISSING_REASON" {
		t.Fatalf("hold without reason: expected 422 MISSING_REASON, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodPost, stageURL+"/transition", auth, map[string]interface{}{"status": "shipped"})
	rejected = errorBody{}
	_ = json.Unmarshal(w.Body.Bytes(), &rejected)
	if w.Code != http.StatusUnprocessableEntity || rejected.Code != "UNKNOWN_STATUS" {
		t.Fatalf("unknown status: expected 422 UNKNOWN_STATUS, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodGet, stageURL+"/allowed-transitions", auth, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("allowed-transitions: expected 200, got %d", w.Code)
	}
	var allowed struct {
		Data models.StageAllowedTransitions `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &allowed); err != nil {
		t.Fatalf("decode allowed: %v", err)
	}
	if allowed.Data.Current != models.StageStatusInProgress || len(allowed.Data.Allowed) == 0 {
		t.Fatalf("unexpected projection: %+v", allowed.Data)
	}

	w = doJSON(r, http.MethodGet, "/print-jobs/"+strconv.Itoa(created.Data.ID)+"/history", auth, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", w.Code)
	}
}

func TestPrintJobRoutes_ErrorMapping(t *testing.T) {
	openTestDB(t)
	r := newRouter(config.GetLogger())
	auth := bearer(t, "company-http")

	if w := doJSON(r, http.MethodGet, "/print-jobs/424242", auth, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing job: expected 404, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodGet, "/print-jobs/abc", auth, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", w.Code)
	}
	w := doJSON(r, http.MethodPost, "/print-jobs", auth, map[string]interface{}{"title": "No quantity", "job_type": "flyers"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("validation: expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if w := doJSON(r, http.MethodGet, "/print-jobs?priority=whenever", auth, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter: expected 400, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodGet, "/nowhere", auth, nil); w.Code != http.StatusNotFound {
		t.Fatalf("no route: expected 404, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, "/internal/ops/outbox/replay", auth, map[string]interface{}{"company_id": "company-http"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("replay as staff: expected 401, got %d", w.Code)
	}
}

func TestOutboxOps_StayWithinSessionCompany(t *testing.T) {
	db := openTestDB(t)
	r := newRouter(config.GetLogger())
	token, err := utils.JwtGenerate(1, "Shop Owner", "company-http", "admin")
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	admin := "Bearer " + token

	foreign := models.ProductionEventRecord{
		CompanyId:     "company-other",
		EventType:     models.ProductionEventJobCompleted,
		ReferenceId:   1,
		PublishStatus: models.OutboxPublishStatusDead,
		OccurredAt:    time.Now().UTC(),
	}
	if err := db.Create(&foreign).Error; err != nil {
		t.Fatalf("insert outbox row: %v", err)
	}

	w := doJSON(r, http.MethodPost, "/internal/ops/outbox/replay", admin, map[string]interface{}{"company_id": "company-other"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("replay for another company: expected 403, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodGet, "/internal/ops/outbox?company_id=company-other", admin, nil); w.Code != http.StatusForbidden {
		t.Fatalf("list for another company: expected 403, got %d", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/internal/ops/outbox/replay", admin, map[string]interface{}{})
	if w.Code != http.StatusOK {
		t.Fatalf("replay own company: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		CompanyId string `json:"company_id"`
		Replayed  int64  `json:"replayed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.CompanyId != "company-http" || body.Replayed != 0 {
		t.Fatalf("expected 0 replayed for company-http, got %+v", body)
	}

	var stored models.ProductionEventRecord
	if err := db.Where("company_id = ? AND id = ?", "company-other", foreign.ID).First(&stored).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.PublishStatus != models.OutboxPublishStatusDead {
		t.Fatalf("foreign row was touched: %s", stored.PublishStatus)
	}
}

func TestDecodePushEnvelope(t *testing.T) {
	event, _ := json.Marshal(config.PubSubMessage{ID: 9, CompanyId: "company-1", EventType: "JOB_COMPLETED", ReferenceId: 4})
	body, _ := json.Marshal(map[string]interface{}{
		"message":      map[string]interface{}{"data": event, "id": "m-1"},
		"subscription": "projects/p/subscriptions/production",
	})

	envelope, m, err := decodePushEnvelope(body)
	if err != nil {
		t.Fatalf("decodePushEnvelope: %v", err)
	}
	if envelope.Message.ID != "m-1" || m.ID != 9 || m.CompanyId != "company-1" || m.EventType != "JOB_COMPLETED" {
		t.Fatalf("unexpected decode: %+v %+v", envelope, m)
	}

	if _, _, err := decodePushEnvelope([]byte("{not json")); err == nil {
		t.Fatalf("expected error for malformed body")
	}
	empty, _ := json.Marshal(map[string]interface{}{"message": map[string]interface{}{"data": []byte(`{"id":1}`), "id": "m-2"}})
	if _, _, err := decodePushEnvelope(empty); err != errPoisonMessage {
		t.Fatalf("expected errPoisonMessage, got %v", err)
	}
}

func TestPubSubHandler_AcksMalformedMessages(t *testing.T) {
	openTestDB(t)
	r := newRouter(config.GetLogger())

	req := httptest.NewRequest(http.MethodPost, "/pubsub", strings.NewReader("garbage"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a poison message, got %d", w.Code)
	}
}

func TestCheckUpload(t *testing.T) {
	cases := []struct {
		name    string
		req     uploadSignRequest
		wantExt string
		wantErr bool
	}{
		{"jpeg", uploadSignRequest{FileName: "proof.jpeg", MimeType: "image/jpeg", Size: 1024}, ".jpg", false},
		{"pdf", uploadSignRequest{FileName: "proof.pdf", MimeType: "application/pdf", Size: models.MaxAttachmentSize}, ".pdf", false},
		{"too large", uploadSignRequest{FileName: "big.png", MimeType: "image/png", Size: models.MaxAttachmentSize + 1}, "", true},
		{"wrong type", uploadSignRequest{FileName: "a.gif", MimeType: "image/gif", Size: 10}, "", true},
		{"missing size", uploadSignRequest{FileName: "a.png", MimeType: "image/png"}, "", true},
	}
	for _, tc := range cases {
		ext, err := checkUpload(tc.req)
		if (err != nil) != tc.wantErr || ext != tc.wantExt {
			t.Fatalf("%s: got ext=%q err=%v", tc.name, ext, err)
		}
	}

	key := uploadObjectKey("company-1", "../../etc", ".png")
	if !strings.HasPrefix(key, "company-1/production_stages/") || !utils.ValidObjectKeyForCompany(key, "company-1") {
		t.Fatalf("unexpected object key %q", key)
	}
	if got := thumbnailObjectKey("company-1/production_stages/abc.png"); got != "company-1/production_stages/thumbnails/abc.jpg" {
		t.Fatalf("unexpected thumbnail key %q", got)
	}
}

func TestRenderThumbnail(t *testing.T) {
	src := imaging.New(800, 400, color.NRGBA{R: 200, G: 30, B: 30, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.PNG); err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := renderThumbnail(buf.Bytes())
	if err != nil {
		t.Fatalf("renderThumbnail: %v", err)
	}
	img, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if format != "jpeg" || img.Bounds().Dx() != 200 || img.Bounds().Dy() != 100 {
		t.Fatalf("unexpected thumbnail %s %v", format, img.Bounds())
	}

	if _, err := renderThumbnail([]byte("%PDF-1.4")); err == nil {
		t.Fatalf("expected decode error for a pdf")
	}
}
