package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// Client message types.
const (
	TypeApprovalDecision = "approval_decision"
	TypeCancel           = "cancel"
	TypeAck              = "ack"
	TypeError            = "error"
)

// ClientMessage is a command sent by a viewer.
type ClientMessage struct {
	Type         string `json:"type"`
	GenerationID string `json:"generation_id"`
	ToolUseID    string `json:"tool_use_id,omitempty"`
	Decision     string `json:"decision,omitempty"`
}

// ReplyMessage answers a ClientMessage.
type ReplyMessage struct {
	Type         string `json:"type"`
	GenerationID string `json:"generation_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Commands are the generation controls a viewer may use.
type Commands interface {
	DecideApproval(ctx context.Context, generationID, toolUseID string, req domain.ApprovalDecisionRequest) error
	CancelGeneration(ctx context.Context, generationID string) (*domain.Generation, error)
}

// DaemonServer accepts user daemon connections.
type DaemonServer interface {
	Serve(daemonID string, ws *websocket.Conn)
}

// Options configures the websocket server.
type Options struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// DaemonToken, when set, must be presented by connecting daemons.
	DaemonToken string
}

// Server upgrades HTTP requests to websockets.
type Server struct {
	hub      *Hub
	commands Commands
	daemons  DaemonServer
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewServer creates a websocket server. daemons may be nil when the daemon
// provider is not in use.
func NewServer(h *Hub, commands Commands, daemons DaemonServer, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		hub:      h,
		commands: commands,
		daemons:  daemons,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With(zap.String("component", "ws")),
	}
}

// HandleConversation streams a conversation's transcript updates.
func (s *Server) HandleConversation(c echo.Context) error {
	conversationID := c.Param("id")
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}

	conn := s.hub.NewConnection(ws, conversationID)
	s.hub.Register(conn)
	if s.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(s.opts.MaxMessageSize)
	}

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// HandleDaemon hands a daemon connection to the daemon provider.
func (s *Server) HandleDaemon(c echo.Context) error {
	if s.daemons == nil {
		return c.JSON(http.StatusNotFound, domain.ErrorResponse{Error: "daemon provider disabled", Code: "NOT_FOUND"})
	}
	daemonID := c.QueryParam("daemon_id")
	if daemonID == "" {
		return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "daemon_id is required", Code: "BAD_REQUEST"})
	}
	if s.opts.DaemonToken != "" && c.Request().Header.Get("Authorization") != "Bearer "+s.opts.DaemonToken {
		return c.JSON(http.StatusUnauthorized, domain.ErrorResponse{Error: "unauthorized", Code: "UNAUTHORIZED"})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade daemon websocket", zap.Error(err))
		return nil
	}
	s.daemons.Serve(daemonID, ws)
	return nil
}

func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug("websocket read failed", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
		s.handleMessage(conn, data)
	}
}

func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug("websocket write failed", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(conn *Connection, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(conn, ReplyMessage{Type: TypeError, Error: "invalid JSON message"})
		return
	}

	ctx := context.Background()
	var err error
	switch msg.Type {
	case TypeApprovalDecision:
		err = s.commands.DecideApproval(ctx, msg.GenerationID, msg.ToolUseID, domain.ApprovalDecisionRequest{Decision: msg.Decision})
	case TypeCancel:
		_, err = s.commands.CancelGeneration(ctx, msg.GenerationID)
	default:
		s.reply(conn, ReplyMessage{Type: TypeError, Error: "unknown message type: " + msg.Type})
		return
	}

	if err != nil {
		s.reply(conn, ReplyMessage{Type: TypeError, GenerationID: msg.GenerationID, Error: err.Error()})
		return
	}
	s.reply(conn, ReplyMessage{Type: TypeAck, GenerationID: msg.GenerationID})
}

func (s *Server) reply(conn *Connection, msg ReplyMessage) {
	if err := s.hub.SendJSON(conn, msg); err != nil {
		s.log.Warn("failed to reply", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}
