package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/makeasinger/rhythmdeck/internal/model"
)

// AllProjects is the topic of clients following every project.
const AllProjects = "*"

// Client represents a WebSocket client
type Client struct {
	Topic string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans run events out to WebSocket clients subscribed by project.
type Hub struct {
	// Clients grouped by topic
	clients map[string]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Broadcast messages to topic subscribers
	broadcast chan *BroadcastMessage

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	Project string
	Message []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.Topic] == nil {
				h.clients[client.Topic] = make(map[*Client]bool)
			}
			h.clients[client.Topic][client] = true
			h.mu.Unlock()
			log.Printf("Client subscribed to %s", client.Topic)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			log.Printf("Client unsubscribed from %s", client.Topic)

		case msg := <-h.broadcast:
			h.mu.Lock()
			h.deliver(msg.Project, msg.Message)
			if msg.Project != AllProjects {
				h.deliver(AllProjects, msg.Message)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) deliver(topic string, message []byte) {
	for client := range h.clients[topic] {
		select {
		case client.Send <- message:
		default:
			// Slow consumer.
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.Topic]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
		if len(clients) == 0 {
			delete(h.clients, client.Topic)
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// RunStarted announces that a run acquired the gate.
func (h *Hub) RunStarted(runID, project string, at time.Time) {
	h.publish(project, model.WSStartedMessage{
		Type:      model.WSMessageTypeStarted,
		RunID:     runID,
		Project:   project,
		StartedAt: at,
	})
}

// RunFinished sends the run result, successful or not.
func (h *Hub) RunFinished(runID, project string, result *model.RunResult) {
	h.publish(project, model.WSCompleteMessage{
		Type:    model.WSMessageTypeComplete,
		RunID:   runID,
		Project: project,
		Result:  result,
	})
}

// RunFailed sends an error message for a run that could not complete.
func (h *Hub) RunFailed(runID, project, code, message string) {
	h.publish(project, model.WSErrorMessage{
		Type:    model.WSMessageTypeError,
		RunID:   runID,
		Project: project,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

func (h *Hub) publish(project string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal websocket message: %v", err)
		return
	}

	// Never block a run on event delivery.
	select {
	case h.broadcast <- &BroadcastMessage{Project: project, Message: data}:
	default:
		log.Printf("Dropping websocket event for %s: broadcast queue full", project)
	}
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, project string) {
	if project == "" {
		project = AllProjects
	}
	client := &Client{
		Topic: project,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	done := make(chan struct{})
	defer close(done)

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteMessage(messageType, data)
	}

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					write(websocket.CloseMessage, []byte{})
					return
				}
				if err := write(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}

			case <-done:
				return
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		// Handle client messages (ping/pong)
		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			if err := write(websocket.TextMessage, data); err != nil {
				break
			}
		}
	}
}
