package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(m string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureSink) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]string(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink never saw %d messages", n)
	return nil
}

type failingSink struct{}

func (failingSink) Send(string) error { return errors.New("boom") }

func TestNotifierDeliversWithInstancePrefix(t *testing.T) {
	sink := &captureSink{}
	n := NewNotifier(sink)
	defer n.Close()

	n.Alert("Order rejected", "BTC/USDT BUY qty=1")
	got := sink.wait(t, 1)[0]

	if !strings.HasPrefix(got, "[") {
		t.Errorf("message %q lacks instance prefix", got)
	}
	if !strings.HasSuffix(got, "] Order rejected: BTC/USDT BUY qty=1") {
		t.Errorf("message = %q", got)
	}
}

func TestNotifierCloseDrainsQueue(t *testing.T) {
	sink := &captureSink{}
	n := NewNotifier(sink)
	for i := 0; i < 5; i++ {
		n.Alert("Cancel abandoned", "order")
	}
	n.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.msgs) != 5 {
		t.Errorf("delivered %d of 5", len(sink.msgs))
	}
}

func TestNotifierSurvivesFailingSink(t *testing.T) {
	sink := &captureSink{}
	n := NewNotifier(failingSink{}, sink)
	defer n.Close()

	n.Alert("Memory usage high", "heap")
	n.Alert("Queue backpressure", "depth")

	got := sink.wait(t, 2)
	if len(got) != 2 {
		t.Errorf("second sink saw %d messages", len(got))
	}
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(200)
	for i := 1; i <= 100; i++ {
		h.Record(float64(i))
	}

	s := h.Stats()
	if s.Count != 100 || s.Min != 1 || s.Max != 100 {
		t.Fatalf("stats = %+v", s)
	}
	if s.P50 != 51 || s.P95 != 96 || s.P99 != 100 {
		t.Errorf("percentiles = p50 %v p95 %v p99 %v", s.P50, s.P95, s.P99)
	}
	if s.Avg != 50.5 {
		t.Errorf("avg = %v", s.Avg)
	}

	// Cached until the next sample.
	if again := h.Stats(); again != s {
		t.Errorf("cached stats changed: %+v", again)
	}
}

func TestLatencyHistogramWindowEvictsOldest(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{1, 2, 3, 4} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 || s.Min != 2 || s.Max != 4 {
		t.Errorf("stats = %+v", s)
	}
}

func TestLatencyHistogramEmpty(t *testing.T) {
	if s := NewLatencyHistogram(10).Stats(); s.Count != 0 || s.Max != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestTimerRecordsIntoHistogram(t *testing.T) {
	h := NewLatencyHistogram(10)
	tm := NewTimer(h)
	time.Sleep(2 * time.Millisecond)
	if tm.Stop() <= 0 {
		t.Error("elapsed not positive")
	}
	if h.Stats().Count != 1 {
		t.Error("sample not recorded")
	}
}

func TestSystemStatsSnapshot(t *testing.T) {
	s := NewSystemStats()
	s.RequestLatency.Record(12)
	s.WebhookLatency.Record(34)

	snap := s.Snapshot()
	if snap.RequestLatency.Count != 1 || snap.WebhookLatency.Count != 1 {
		t.Errorf("latency windows = %+v", snap)
	}
	if snap.Goroutines <= 0 || snap.HeapAllocBytes == 0 {
		t.Errorf("runtime numbers missing: %+v", snap)
	}
}

func TestTelegramSinkPostsToBotAPI(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &TelegramSink{
		http:   resty.New().SetBaseURL(srv.URL),
		token:  "TOKEN",
		chatID: "42",
	}
	if err := sink.Send("hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/botTOKEN/sendMessage" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody["chat_id"] != "42" || gotBody["text"] != "hello" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestTelegramSinkSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink := &TelegramSink{http: resty.New().SetBaseURL(srv.URL), token: "BAD", chatID: "42"}
	if err := sink.Send("hello"); err == nil {
		t.Error("expected error for 401")
	}
}
