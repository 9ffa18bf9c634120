package flaskcompat

import (
	"bufio"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestCompatVideoFeed(t *testing.T) {
	client := newCompatClient(t)
	resp := client.getResponse(t, "/video_feed")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /video_feed status = %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "multipart/x-mixed-replace") ||
		!strings.Contains(contentType, "boundary=frame") {
		t.Fatalf("GET /video_feed content-type = %q", contentType)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read first part: %v", err)
	}
	if strings.TrimSpace(line) != "--frame" {
		t.Fatalf("expected --frame boundary, got %q", line)
	}
}

func TestCompatEvents(t *testing.T) {
	client := newCompatClient(t)
	block, headers, err := readSSEBlock(client.baseURL+"/api/events", 3*time.Second)
	if err != nil {
		t.Fatalf("events stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("events content-type = %q", headers.Get("Content-Type"))
	}
	if !strings.HasPrefix(block, ":") && !strings.HasPrefix(block, "event:") {
		t.Fatalf("unexpected first sse block %q", block)
	}
}
