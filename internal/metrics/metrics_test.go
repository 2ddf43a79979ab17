package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrument(t *testing.T) {
	m := New()

	h := m.Instrument("/teapot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/teapot", nil))
	}

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/teapot", "418")); got != 3 {
		t.Errorf("requests = %v, want 3", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Windows.WithLabelValues("ok").Add(2)
	m.Cursor.Set(1234)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`racefeed_ingest_windows_total{status="ok"} 2`,
		`racefeed_ingest_cursor_block 1234`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
