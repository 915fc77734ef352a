package gsi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSubscriberBuffer is the outbound buffer of a WebSocket peer
// when [HTTPServerConfig.SubscriberBuffer] is zero.
const DefaultSubscriberBuffer = 256

var upgrader = websocket.Upgrader{
	// Peers are agents, not browsers; there is no origin to protect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the request and registers the socket as a broadcast peer.
// Every inbound text frame is submitted as a transaction message,
// and every broadcast payload is written back as a text frame.
func handleWebSocket(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade has already written an error response.
			log.Debug("Failed to upgrade WebSocket", "remote_addr", req.RemoteAddr, "err", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(req.Context())
		defer cancel()

		// Unblocks ReadMessage on shutdown or when the writer fails.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()

		peer := cfg.Engine.Subscribe(cfg.SubscriberBuffer)
		defer cfg.Engine.Unsubscribe(peer)

		log := log.With("remote_addr", req.RemoteAddr, "peer_id", peer.ID())
		log.Info("WebSocket peer connected")

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			defer cancel()

			for {
				select {
				case <-ctx.Done():
					_ = conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
						time.Now().Add(time.Second),
					)
					return
				case <-peer.Done():
					return
				case p := <-peer.Outbound():
					if err := conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)); err != nil {
						return
					}
					if err := conn.WriteMessage(websocket.TextMessage, p); err != nil {
						log.Info("Failed to write to WebSocket peer", "err", err)
						return
					}
				}
			}
		}()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Info("WebSocket read failed", "err", err)
				}
				break
			}
			if mt != websocket.TextMessage {
				continue
			}

			if _, err := cfg.Engine.Submit(ctx, data); err != nil {
				log.Info("Transaction dropped", "err", err)
			}
		}

		cancel()
		<-writerDone

		log.Info("WebSocket peer disconnected")
	}
}
