package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mirror-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamed are the bus topics forwarded to websocket clients.
var streamed = []events.Event{
	events.EventTradeObserved,
	events.EventDecision,
	events.EventOrderFilled,
	events.EventOrderRejected,
	events.EventDriftAlert,
}

type wsFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, cancel := s.Bus.SubscribeMany(100, streamed...)
	defer cancel()

	for frame := range stream {
		if err := conn.WriteJSON(wsFrame{Topic: string(frame.Topic), Payload: frame.Payload}); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
