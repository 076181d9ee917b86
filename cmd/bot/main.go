// bot is a scripted terminal client for poking a running relay: it connects
// with the given identity, optionally sends a few lines, and prints every
// frame it receives.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		role  = flag.String("role", "subject", "role: subject | operator | observer")
		unit  = flag.Int("unit", 1, "unit number (1..8 for subject/operator)")
		name  = flag.String("name", "bot", "display name")
		say   = flag.String("say", "", "lines to send after connect, separated by |")
		pause = flag.Duration("pause", 2*time.Second, "delay between scripted lines")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	full := fmt.Sprintf("%s?role=%s&unit=%d&name=%s", *url, *role, *unit, *name)
	conn, _, err := websocket.DefaultDialer.Dial(full, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	if *say != "" {
		go func() {
			for _, line := range strings.Split(*say, "|") {
				b, _ := json.Marshal(map[string]string{"type": "chat", "content": line})
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					logger.Printf("send: %v", err)
					return
				}
				logger.Printf("sent: %s", line)
				time.Sleep(*pause)
			}
		}()
	}

	go func() {
		<-stop
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		logger.Printf("recv: %s", msg)
	}
}
