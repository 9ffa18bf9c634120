package webmonitor

import "time"

// Config defines the runtime configuration for the presenter.
type Config struct {
	Addr           string
	CaptureDir     string
	CaptureURL     string // URL prefix saved snapshots are served under
	StreamInterval time.Duration
	JPEGQuality    int
	Overlay        bool
	KeepAlive      time.Duration
	MessageLog     int // server messages kept for /api/status
	HistoryLimit   int // default page size for /api/history
}

// DefaultConfig returns a config aligned with the original Flask app.
func DefaultConfig() Config {
	return Config{
		Addr:           ":5000",
		CaptureDir:     "static/captures",
		CaptureURL:     "/static/captures/",
		StreamInterval: 100 * time.Millisecond,
		JPEGQuality:    75,
		Overlay:        true,
		KeepAlive:      30 * time.Second,
		MessageLog:     50,
		HistoryLimit:   20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CaptureURL == "" {
		c.CaptureURL = def.CaptureURL
	}
	if c.StreamInterval <= 0 {
		c.StreamInterval = def.StreamInterval
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.MessageLog <= 0 {
		c.MessageLog = def.MessageLog
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	return c
}
