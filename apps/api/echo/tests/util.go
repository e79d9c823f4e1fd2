package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	. "github.com/trezcool/masomo-billing/apps/api/echo"
	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
	exportsvc "github.com/trezcool/masomo-billing/services/export"
	metricsvc "github.com/trezcool/masomo-billing/services/metrics"
	inmemdb "github.com/trezcool/masomo-billing/storage/database/inmem"
	testutil "github.com/trezcool/masomo-billing/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type schoolWriter interface {
	PutSchool(s billing.School)
}

type testApp struct {
	*Server
	conf    *core.Config
	repo    billing.Repository
	schools schoolWriter
}

func setup(t *testing.T) *testApp {
	conf := &core.Config{
		TestMode:  true,
		AppName:   "Masomo",
		SecretKey: "billing-test-secret",
	}
	conf.Server.DisableReqLogs = true

	// set up DB & repos
	db := inmemdb.Open()
	repo := inmemdb.NewBillingRepository(db)
	schools := inmemdb.NewSchoolDirectory(db)

	// set up services
	validate, translator := testutil.NewValidator()
	billingSvc := billing.NewService(
		repo, schools, inmemdb.NewSequencer(db), testutil.NopLogger{}, billing.Options{},
		billing.WithExporter(exportsvc.NewExporter()),
	)

	// set up server
	srv := NewServer(conf, testutil.NopLogger{}, billingSvc, validate, translator, metricsvc.NewCollector())
	t.Cleanup(func() { _ = srv.Close() })

	return &testApp{Server: srv, conf: conf, repo: repo, schools: schools}
}

func (app *testApp) token(t *testing.T, isAdmin bool, roles ...string) string {
	claims := NewAdminClaims(app.conf, "usr-1", time.Hour, roles...)
	claims.IsAdmin = isAdmin
	token, err := GenerateToken(app.conf, claims)
	if err != nil {
		t.Fatalf("token() failed: %v", err)
	}
	return token
}

func (app *testApp) do(method, path, token string, data ...[]byte) *httptest.ResponseRecorder {
	req, rec := newAuthRequest(method, path, token, data...)
	app.ServeHTTP(rec, req)
	return rec
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func unmarchall(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("unmarchall() failed: %v; body %s", err, rec.Body.String())
	}
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	if j1 == nil || j2 == nil {
		return false, nil
	}
	return assert.ElementsMatch(t, j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
