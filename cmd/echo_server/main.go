// Command echo_server stands in for the sorting controller. It logs every
// chunk it receives and answers "Server received: <msg>".
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

var (
	listenAddr = flag.String("listen", ":65432", "TCP listen address")
	readSize   = flag.Int("read-buffer", 1024, "Bytes per read")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *listenAddr, err)
	}
	logger.Info("Echo", "Listening on %s", ln.Addr())

	labels := types.DefaultLabels()
	var wg sync.WaitGroup
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					logger.Warn("Echo", "Accept failed: %v", err)
				}
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				serve(conn, labels, *readSize)
			}()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Echo", "Shutting down...")
	_ = ln.Close()
	wg.Wait()
}

// serve echoes until the peer closes.
func serve(conn net.Conn, labels *types.LabelSet, size int) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	logger.Info("Echo", "Connected by %s", peer)

	buf := make([]byte, size)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msg := string(buf[:n])
			logger.Info("Echo", "Received from %s: %s", peer, describe(msg, labels))
			if _, werr := fmt.Fprintf(conn, "Server received: %s", msg); werr != nil {
				logger.Warn("Echo", "Reply to %s failed: %v", peer, werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("Echo", "Read from %s failed: %v", peer, err)
			}
			logger.Info("Echo", "Disconnected %s", peer)
			return
		}
	}
}

// describe renders a payload with label names next to numeric codes.
func describe(msg string, labels *types.LabelSet) string {
	fields := strings.Fields(msg)
	if len(fields) == 0 {
		return strconv.Quote(msg)
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		code, err := strconv.Atoi(f)
		if err != nil {
			parts = append(parts, strconv.Quote(f))
			continue
		}
		if l, err := labels.ByCode(code); err == nil {
			parts = append(parts, fmt.Sprintf("%d (%s)", code, l.Name))
		} else {
			parts = append(parts, fmt.Sprintf("%d (unknown)", code))
		}
	}
	return strings.Join(parts, ", ")
}
