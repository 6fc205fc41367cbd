package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API already allows any origin via CORS; the socket follows.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// apiStreamEvents streams a task's live events as server-sent events.
// The stream ends when the task's event channel closes or the client
// disconnects; already-terminal tasks get an immediate end-of-stream.
func (s *Server) apiStreamEvents(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.orchestrator.GetTask(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"task_id\":%q,\"state\":%q}\n\n", id, rec.State)
	flusher.Flush()

	if rec.State.Terminal() {
		fmt.Fprintf(c.Writer, "event: end\ndata: {\"state\":%q}\n\n", rec.State)
		flusher.Flush()
		return
	}

	sub := s.orchestrator.Bus().Subscribe(id, 0)
	defer sub.Cancel()

	// The task may have turned terminal between the lookup and the
	// subscription; its channel would never close, so re-check.
	if rec, err := s.orchestrator.GetTask(id); err == nil && rec.State.Terminal() {
		fmt.Fprintf(c.Writer, "event: end\ndata: {\"state\":%q}\n\n", rec.State)
		flusher.Flush()
		return
	}

	// The ticker backstops the stream: if the terminal transition raced
	// past the subscription, the state poll still ends the stream.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if rec, err := s.orchestrator.GetTask(id); err == nil && rec.State.Terminal() {
				fmt.Fprintf(c.Writer, "event: end\ndata: {\"state\":%q}\n\n", rec.State)
				flusher.Flush()
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				rec, _ := s.orchestrator.GetTask(id)
				state := ""
				if rec != nil {
					state = string(rec.State)
				}
				fmt.Fprintf(c.Writer, "event: end\ndata: {\"state\":%q}\n\n", state)
				flusher.Flush()
				return
			}
			c.SSEvent("message", ev)
			flusher.Flush()
		}
	}
}

// wsTaskEvents streams a task's live events over a WebSocket.
func (s *Server) wsTaskEvents(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.orchestrator.GetTask(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if rec.State.Terminal() {
		conn.WriteJSON(gin.H{"type": "end", "state": rec.State})
		return
	}

	sub := s.orchestrator.Bus().Subscribe(id, 0)
	defer sub.Cancel()

	if rec, err := s.orchestrator.GetTask(id); err == nil && rec.State.Terminal() {
		conn.WriteJSON(gin.H{"type": "end", "state": rec.State})
		return
	}

	// Reader goroutine: surfaces client disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if rec, err := s.orchestrator.GetTask(id); err == nil && rec.State.Terminal() {
				conn.WriteJSON(gin.H{"type": "end", "state": rec.State})
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				rec, _ := s.orchestrator.GetTask(id)
				state := ""
				if rec != nil {
					state = string(rec.State)
				}
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, state),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
