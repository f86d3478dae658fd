package emulator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/observability"
)

func newServer(t *testing.T, cfg Config) (*Emulator, *httptest.Server) {
	t.Helper()
	cfg.Logger = logging.Discard()
	emu := New(cfg)
	srv := httptest.NewServer(emu.Handler(nil))
	t.Cleanup(srv.Close)
	return emu, srv
}

func postForm(t *testing.T, url string, fields map[string]string, file []byte) map[string]any {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if file != nil {
		part, err := mw.CreateFormFile("datafile", "input.bin")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		part.Write(file)
	}
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s: status %d: %s", url, resp.StatusCode, data)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestEchoProcess(t *testing.T) {
	emu, srv := newServer(t, Config{ProcessPolls: 1})

	created := postForm(t, srv.URL+"/configure", map[string]string{"parameters": `{"app":{"specific":{}}}`}, nil)
	if !strings.HasSuffix(created["url"].(string), "/configure/1") {
		t.Fatalf("unexpected configuration url %v", created["url"])
	}

	proc := postForm(t, srv.URL+"/process", map[string]string{
		"parameters":    `{"app":{"specific":{"mode":"echo"}}}`,
		"configuration": created["url"].(string),
	}, []byte("hello"))
	if proc["processed"] != false {
		t.Fatalf("expected pending process, got %v", proc)
	}

	path := srv.URL + "/process/2"
	if first := getJSON(t, path); first["processed"] != false {
		t.Fatalf("expected first read to be pending, got %v", first)
	}
	done := getJSON(t, path)
	if done["processed"] != true || done["inerror"] != false {
		t.Fatalf("expected finished process, got %v", done)
	}
	if !strings.Contains(done["parametersresult"].(string), `"mode":"echo"`) {
		t.Fatalf("expected specific echoed back, got %v", done["parametersresult"])
	}

	resp, err := http.Get(srv.URL + done["datafileresult"].(string))
	if err != nil {
		t.Fatalf("download result: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(data) != "hello" {
		t.Fatalf("expected echoed input, got %q", data)
	}

	req, _ := http.NewRequest(http.MethodDelete, path, nil)
	if _, err := http.DefaultClient.Do(req); err != nil {
		t.Fatalf("delete process: %v", err)
	}
	if emu.Processes() != 0 {
		t.Fatalf("expected process to be deleted, %d left", emu.Processes())
	}

	list := getJSON(t, srv.URL+"/configure")
	results := list["results"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["used"].(float64) != 1 {
		t.Fatalf("expected one used configuration, got %v", results)
	}
}

func TestConfigureFailure(t *testing.T) {
	_, srv := newServer(t, Config{})
	created := postForm(t, srv.URL+"/configure", map[string]string{"parameters": `{"app":{"specific":{"fail":"bad bitstream"}}}`}, nil)
	result := created["parametersresult"].(string)
	if !strings.Contains(result, `"status":1`) || !strings.Contains(result, "bad bitstream") {
		t.Fatalf("expected failed status in result, got %s", result)
	}
	if list := getJSON(t, srv.URL+"/configure"); len(list["results"].([]any)) != 0 {
		t.Fatalf("failed configuration must not be listed, got %v", list)
	}
}

func TestStop(t *testing.T) {
	emu, srv := newServer(t, Config{})
	out := getJSON(t, srv.URL+"/stop")
	app := out["app"].(map[string]any)
	if app["status"].(float64) != 0 {
		t.Fatalf("unexpected stop result %v", out)
	}
	if !emu.Stopped() || emu.Calls("GET /stop") != 1 {
		t.Fatal("expected stop to be recorded")
	}
}

func TestRateLimit(t *testing.T) {
	_, srv := newServer(t, Config{RateLimit: 0.001, Burst: 1})
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/")
		if err != nil {
			t.Fatalf("GET /: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status codes %v", codes)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics, err := observability.InitMetrics(false)
	if err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	defer metrics.Shutdown(context.Background())

	emu := New(Config{Meter: metrics.Meter("emulator"), Logger: logging.Discard()})
	srv := httptest.NewServer(emu.Handler(metrics.Handler))
	defer srv.Close()

	getJSON(t, srv.URL+"/stop")
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "accelhost_emulator_requests") {
		t.Fatalf("expected request counter, got:\n%s", body)
	}
}

func TestConfigurationRef(t *testing.T) {
	for ref, want := range map[string]int{"7": 7, "http://h/configure/12": 12} {
		got, err := configurationRef(ref)
		if err != nil || got != want {
			t.Fatalf("configurationRef(%q) = %d, %v", ref, got, err)
		}
	}
	if _, err := configurationRef("http://h/configure/"); err == nil {
		t.Fatal("expected error for missing id")
	}
}
