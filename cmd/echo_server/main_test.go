package main

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

func TestDescribe(t *testing.T) {
	labels := types.DefaultLabels()
	tests := []struct {
		in   string
		want string
	}{
		{"4", "4 (paper)"},
		{"1\n2\n", "1 (bottle), 2 (glass_bottle)"},
		{"9", "9 (unknown)"},
		{"hello", `"hello"`},
		{"", `""`},
	}
	for _, tt := range tests {
		if got := describe(tt.in, labels); got != tt.want {
			t.Fatalf("describe(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestServeEchoes(t *testing.T) {
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		serve(server, types.DefaultLabels(), 1024)
		close(done)
	}()

	if _, err := client.Write([]byte("3")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "Server received: 3"
	buf := make([]byte, len(want))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(buf) != want {
		t.Fatalf("expected %q, got %q", want, buf)
	}

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after peer close")
	}
}
