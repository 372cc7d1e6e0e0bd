// Command sophia-backend runs the stub orchestration backend: the envelope
// protocol over WebSocket, the chunked fallback stream and the REST session
// surface. Intended for local development of the dashboard client.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/backend"
	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
)

func main() {
	port := flag.Int("port", 8090, "listen port")
	tokenDelay := flag.Duration("token-delay", 40*time.Millisecond, "delay between streamed tokens")
	statusEvery := flag.Duration("status-every", 15*time.Second, "interval between unsolicited status pushes (0 disables)")
	flag.Parse()

	srv := backend.NewServer(nil)
	srv.TokenDelay = *tokenDelay

	if *statusEvery > 0 {
		go func() {
			ticker := time.NewTicker(*statusEvery)
			defer ticker.Stop()
			for range ticker.C {
				srv.PushStatus(protocol.StatusPayload{
					ConnectionPool: &protocol.ConnectionPool{
						Active: srv.Hub().Count(),
						Idle:   8,
						Total:  srv.Hub().Count() + 8,
						Max:    50,
					},
				})
			}
		}()
	}

	go func() {
		addr := fmt.Sprintf(":%d", *port)
		log.Printf("Stub backend listening on %s", addr)
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start backend: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Backend stopped")
}
