package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/batch"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/metrics"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/nonce"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/service"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/source"
)

type fakeChecker struct {
	res    service.Result
	err    error
	conf   model.Confirmation
	stErr  error
	lastID string
}

func (f *fakeChecker) CheckByID(_ context.Context, id string) (service.Result, error) {
	f.lastID = id
	return f.res, f.err
}

func (f *fakeChecker) Status(context.Context, string) (model.Confirmation, error) {
	return f.conf, f.stErr
}

type fakeBatch struct{ got []source.Record }

func (f *fakeBatch) Run(_ context.Context, recs []source.Record) (batch.Result, error) {
	f.got = recs
	res := batch.Result{BatchID: "b-1", Processed: len(recs)}
	for _, r := range recs {
		it := batch.Item{Row: r.Row, Kind: batch.KindSkipped, TransactionID: r.Tx.ID}
		if r.Err != nil {
			it.Kind = batch.KindError
			res.Errors++
		} else {
			res.Skipped++
		}
		res.Items = append(res.Items, it)
	}
	return res, nil
}

type fakeResync struct{ calls int }

func (f *fakeResync) Resync(context.Context) (nonce.State, error) {
	f.calls++
	return nonce.State{Next: 7}, nil
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCheck(t *testing.T) {
	ok := service.Result{TransactionID: "C100", Fingerprint: strings.Repeat("ab", 32), Fraud: true, Confidence: 0.87, SubmissionID: "0x01", LedgerLink: "https://x/tx/0x01", Status: "Pending"}
	cases := []struct {
		name       string
		body       string
		res        service.Result
		err        error
		wantStatus int
		wantCode   fault.Code
	}{
		{"ok", `{"txn_id":" C100 "}`, ok, nil, http.StatusOK, ""},
		{"new field name", `{"transaction_id":"C100"}`, ok, nil, http.StatusOK, ""},
		{"bad json", `{`, ok, nil, http.StatusBadRequest, fault.CodeInvalidInput},
		{"not found", `{"txn_id":"C9"}`, service.Result{}, fmt.Errorf("x: %w", fault.ErrNotFound), http.StatusNotFound, fault.CodeNotFound},
		{"ledger down", `{"txn_id":"C9"}`, service.Result{}, fmt.Errorf("x: %w", fault.ErrTransientUnavailable), http.StatusServiceUnavailable, fault.CodeTransientUnavailable},
		{"outcome unknown keeps handle", `{"txn_id":"C100"}`, ok, fmt.Errorf("x: %w: %w", service.ErrOutcomeUnknown, fault.ErrTransientUnavailable), http.StatusAccepted, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc := &fakeChecker{res: tc.res, err: tc.err}
			s := New(fc, &fakeBatch{}, nil, nil, Config{}, nil, nil)
			rec := serve(s, httptest.NewRequest(http.MethodPost, "/check_txn", strings.NewReader(tc.body)))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status %d want %d: %s", rec.Code, tc.wantStatus, rec.Body)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("body: %v", err)
			}
			if tc.wantCode != "" {
				if body["code"] != string(tc.wantCode) || body["trace_id"] == "" {
					t.Fatalf("error body: %v", body)
				}
				return
			}
			if body["fingerprint"] != ok.Fingerprint || body["hashed_value"] != ok.Fingerprint || body["submission_id"] != "0x01" || body["blockchain_link"] != ok.LedgerLink {
				t.Fatalf("result body: %v", body)
			}
		})
	}
}

func TestInternalErrorIsNotEchoed(t *testing.T) {
	fc := &fakeChecker{err: fmt.Errorf("db password is hunter2")}
	s := New(fc, &fakeBatch{}, nil, nil, Config{}, nil, nil)
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/check_txn", strings.NewReader(`{"txn_id":"C1"}`)))
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("internal error: %d %s", rec.Code, rec.Body)
	}
}

func multipartBody(t *testing.T, field, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatalf("form: %v", err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	csv := "type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest\n" +
		"PAYMENT,10,C1,100,90,M1,0,0\n" +
		"PAYMENT,-1,C2,100,90,M1,0,0\n"

	fb := &fakeBatch{}
	s := New(&fakeChecker{}, fb, nil, nil, Config{}, nil, nil)
	body, ct := multipartBody(t, "file", "batch.csv", csv)
	req := httptest.NewRequest(http.MethodPost, "/upload_csv", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp uploadResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ProcessedCount != 2 || len(resp.Results) != 2 || resp.Errors != 1 || resp.Results[0].TransactionID != "C1" {
		t.Fatalf("response: %+v", resp)
	}
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"processed_count", "processed"} {
		if v, ok := raw[k].(float64); !ok || v != 2 {
			t.Fatalf("%s: %v", k, raw[k])
		}
	}
	if len(fb.got) != 2 || fb.got[1].Err == nil {
		t.Fatalf("runner input: %+v", fb.got)
	}
}

func TestUploadRejects(t *testing.T) {
	header := "type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest\n"
	cases := []struct {
		name    string
		field   string
		content string
		max     int64
	}{
		{"no file field", "other", header, 0},
		{"empty file", "file", "", 0},
		{"bad header", "file", "a,b,c\n1,2,3\n", 0},
		{"too large", "file", header + strings.Repeat("PAYMENT,10,C1,100,90,M1,0,0\n", 200), 1024},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fb := &fakeBatch{}
			s := New(&fakeChecker{}, fb, nil, nil, Config{UploadMaxBytes: tc.max}, nil, nil)
			body, ct := multipartBody(t, tc.field, "x.csv", tc.content)
			req := httptest.NewRequest(http.MethodPost, "/upload_csv", body)
			req.Header.Set("Content-Type", ct)
			rec := serve(s, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d: %s", rec.Code, rec.Body)
			}
			if fb.got != nil {
				t.Fatalf("runner called")
			}
		})
	}
}

func TestStatusNeverFails(t *testing.T) {
	cases := []struct {
		name string
		fc   *fakeChecker
		want string
	}{
		{"mined", &fakeChecker{conf: model.Confirmation{Mined: true, BlockNumber: 12}}, `{"mined":true,"blockNumber":12}`},
		{"pending", &fakeChecker{}, `{"mined":false}`},
		{"error", &fakeChecker{conf: model.Confirmation{Mined: true}, stErr: fault.ErrTransientUnavailable}, `{"mined":false}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(tc.fc, &fakeBatch{}, nil, nil, Config{}, nil, nil)
			rec := serve(s, httptest.NewRequest(http.MethodGet, "/txn_status/0xabc", nil))
			if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != tc.want {
				t.Fatalf("got %d %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestTestMetricsAndCORS(t *testing.T) {
	m := metrics.New()
	rs := &fakeResync{}
	s := New(&fakeChecker{}, &fakeBatch{}, rs, func() int { return 42 }, Config{CORSOrigins: []string{"http://localhost:3000"}, ModelReady: true}, nil, m)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := serve(s, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"data_samples":42`) {
		t.Fatalf("test: %d %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("cors origin: %q", got)
	}

	if rec := serve(s, httptest.NewRequest(http.MethodPost, "/nonce/resync", nil)); rec.Code != http.StatusOK || rs.calls != 1 {
		t.Fatalf("resync: %d calls=%d", rec.Code, rs.calls)
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `fraudpipe_http_requests_total{route="/test",status="200"} 1`) {
		t.Fatalf("metrics exposition missing /test:\n%s", rec.Body)
	}
}
