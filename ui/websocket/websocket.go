package websocket

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/AzielCF/az-publisher/infrastructure/valkey"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	valkeylib "github.com/valkey-io/valkey-go"
)

type client struct{}

// directMessage is a reply to a single connection, written by the hub so that
// only one goroutine writes to a connection.
type directMessage struct {
	conn *websocket.Conn
	msg  BroadcastMessage
}

type BroadcastMessage struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Token    string `json:"token,omitempty"`
	Result   any    `json:"result"`
	SenderID string `json:"sender_id,omitempty"`
}

// EventSource serves the recent job events a client asks for on connect.
type EventSource interface {
	Filter(platform string, limit int) []queue.Event
}

var (
	Clients    = make(map[*websocket.Conn]client)
	Register   = make(chan *websocket.Conn)
	Broadcast  = make(chan BroadcastMessage, 256)
	Unregister = make(chan *websocket.Conn)
	direct     = make(chan directMessage, 16)

	vkClient *valkey.Client
	wsChan   = "ws_broadcast"
	localID  string
)

// SetValkeyClient initializes the distributed broadcast system
func SetValkeyClient(client *valkey.Client, serverID string) {
	vkClient = client
	localID = serverID
	if client != nil {
		wsChan = client.Key("ws_broadcast")
	}
}

// JobEvents forwards queue job events to connected clients. It implements
// queue.Observer and drops events when the hub is saturated.
type JobEvents struct{}

func (JobEvents) OnJobEvent(e queue.Event) {
	msg := BroadcastMessage{
		Code:    "JOB_" + string(e.Type),
		Message: e.Reason,
		Result:  e,
	}
	select {
	case Broadcast <- msg:
	default:
		logrus.Debug("[WS] Broadcast buffer full, dropping job event")
	}
}

func handleRegister(conn *websocket.Conn) {
	Clients[conn] = client{}
	logrus.Debug("[WS] Connection registered")
}

func handleUnregister(conn *websocket.Conn) {
	delete(Clients, conn)
	logrus.Debug("[WS] Connection unregistered")
}

func broadcastToLocal(message BroadcastMessage) {
	marshalMessage, err := json.Marshal(message)
	if err != nil {
		logrus.Errorf("[WS] Marshal error: %v", err)
		return
	}

	for conn := range Clients {
		if err := conn.WriteMessage(websocket.TextMessage, marshalMessage); err != nil {
			logrus.Errorf("[WS] Write error: %v", err)
			closeConnection(conn)
		}
	}
}

func publishToValkey(message BroadcastMessage) {
	if vkClient == nil {
		return
	}

	message.SenderID = localID

	data, err := json.Marshal(message)
	if err != nil {
		return
	}

	ctx := context.Background()
	cmd := vkClient.Inner().B().Publish().Channel(wsChan).Message(string(data)).Build()
	if err := vkClient.Inner().Do(ctx, cmd).Error(); err != nil {
		logrus.Errorf("[WS] Failed to publish to Valkey: %v", err)
	}
}

func startValkeySubscriber(ctx context.Context) {
	logrus.Info("[WS] Starting Valkey Pub/Sub subscriber for distributed job events")
	go func() {
		err := vkClient.Inner().Receive(ctx, vkClient.Inner().B().Subscribe().Channel(wsChan).Build(), func(msg valkeylib.PubSubMessage) {
			var broadcastMsg BroadcastMessage
			if err := json.Unmarshal([]byte(msg.Message), &broadcastMsg); err == nil {
				// ignore our own messages
				if broadcastMsg.SenderID == localID {
					return
				}
				broadcastMsg.SenderID = localID
				select {
				case Broadcast <- broadcastMsg:
				default:
				}
			}
		})
		if err != nil && ctx.Err() == nil {
			logrus.Errorf("[WS] Valkey subscriber failed: %v", err)
		}
	}()
}

func closeConnection(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	_ = conn.Close()
	delete(Clients, conn)
}

// RunHub serves register, unregister and broadcast until ctx is done.
func RunHub(ctx context.Context) {
	if vkClient != nil {
		startValkeySubscriber(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			for conn := range Clients {
				closeConnection(conn)
			}
			return

		case conn := <-Register:
			handleRegister(conn)

		case conn := <-Unregister:
			handleUnregister(conn)

		case d := <-direct:
			if _, ok := Clients[d.conn]; !ok {
				continue
			}
			data, err := json.Marshal(d.msg)
			if err != nil {
				continue
			}
			if err := d.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				closeConnection(d.conn)
			}

		case message := <-Broadcast:
			broadcastToLocal(message)

			// relayed messages already carry our id; only originate once
			if vkClient != nil && message.SenderID == "" {
				publishToValkey(message)
			}
		}
	}
}

func RegisterRoutes(app fiber.Router, events EventSource) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})

	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		defer func() {
			Unregister <- conn
			_ = conn.Close()
		}()

		Register <- conn

		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logrus.Debugf("[WS] read error: %v", err)
				}
				return
			}

			if messageType != websocket.TextMessage {
				logrus.Debugf("[WS] unsupported message type: %d", messageType)
				continue
			}
			var messageData BroadcastMessage
			if err := json.Unmarshal(message, &messageData); err != nil {
				logrus.Debugf("[WS] unmarshal error: %v", err)
				return
			}

			// Token carries the platform filter; empty means all platforms.
			if messageData.Code == "FETCH_EVENTS" && events != nil {
				direct <- directMessage{conn: conn, msg: BroadcastMessage{
					Code:    "LIST_EVENTS",
					Message: "Recent job events",
					Token:   messageData.Token,
					Result:  events.Filter(messageData.Token, 50),
				}}
			}
		}
	}))
}
