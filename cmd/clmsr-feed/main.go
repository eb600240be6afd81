package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

type message struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
}

type subscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8081/ws", "clmsrd WebSocket URL")
		channels = flag.String("channels", "markets,market:1", "Comma separated channels")
		timeout  = flag.Duration("timeout", 0, "Exit after this long, 0 runs until interrupted")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	u, err := url.Parse(*wsURL)
	if err != nil {
		logger.Error("Invalid URL", "error", err)
		os.Exit(1)
	}

	logger.Info("Connecting to clmsrd feed", "url", u.String())
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Error("Dial failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	sub := subscribeRequest{Type: "subscribe", Channels: strings.Split(*channels, ",")}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Error("Failed to send subscription", "error", err)
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg message
			if err := conn.ReadJSON(&msg); err != nil {
				logger.Warn("Read error", "error", err)
				return
			}
			switch msg.Type {
			case "trade", "prices", "market", "settled":
				fmt.Printf("%-8s %-12s #%d %s\n", msg.Type, msg.Channel, msg.Sequence, msg.Data)
			case "error":
				logger.Warn("Server error", "data", string(msg.Data))
			default:
				logger.Debug("Message received", "type", msg.Type)
			}
		}
	}()

	var deadline <-chan time.Time
	if *timeout > 0 {
		deadline = time.After(*timeout)
	}

	select {
	case <-done:
		logger.Info("Connection closed")
	case <-interrupt:
		logger.Info("Interrupt received, closing connection")
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			logger.Warn("Failed to send close message", "error", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-deadline:
		logger.Info("Timeout reached")
	}
}
