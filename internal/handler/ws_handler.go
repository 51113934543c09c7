package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/aditya/tow-dispatch/internal/errors"
	"github.com/aditya/tow-dispatch/internal/service"
	"github.com/aditya/tow-dispatch/pkg/utils"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxMessage   = 4096
	commandTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Inbound socket commands.
const (
	CommandLocation = "location"
	CommandAccept   = "accept"
	CommandReject   = "reject"
)

type SocketCommand struct {
	Type  string  `json:"type"`
	JobID string  `json:"job_id,omitempty"`
	Lat   float64 `json:"lat,omitempty"`
	Lng   float64 `json:"lng,omitempty"`
}

type SocketReply struct {
	Kind    string `json:"kind"`
	Command string `json:"command"`
	JobID   string `json:"job_id,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// DriverCommands runs the subset of driver operations a driver app may send
// over its socket.
type DriverCommands struct {
	presence service.PresenceService
	dispatch service.DispatchService
}

func NewDriverCommands(presence service.PresenceService, dispatch service.DispatchService) *DriverCommands {
	return &DriverCommands{presence: presence, dispatch: dispatch}
}

func (c *DriverCommands) Handle(ctx context.Context, driverID string, cmd SocketCommand) SocketReply {
	reply := SocketReply{Kind: "ack", Command: cmd.Type, JobID: cmd.JobID}

	var err error
	switch cmd.Type {
	case CommandLocation:
		_, err = c.presence.UpdateLocation(ctx, driverID, cmd.Lat, cmd.Lng)
	case CommandAccept, CommandReject:
		if !utils.IsValidUUID(cmd.JobID) {
			return SocketReply{Kind: "error", Command: cmd.Type, JobID: cmd.JobID, Error: "not_found", Message: "job not found"}
		}
		if cmd.Type == CommandAccept {
			_, err = c.dispatch.Accept(ctx, cmd.JobID, driverID)
		} else {
			_, err = c.dispatch.Reject(ctx, cmd.JobID, driverID)
		}
	default:
		return SocketReply{Kind: "error", Command: cmd.Type, Error: "bad_request", Message: "unknown command"}
	}

	if err != nil {
		apiErr := apperrors.FromError(err)
		reply.Kind = "error"
		reply.Error = apiErr.Code
		reply.Message = apiErr.Message
	}
	return reply
}

// GET /v1/drivers/{id}/ws
func (h *StreamHandler) DriverSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := driverID(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	sub := h.hub.SubscribeDriver(id)
	defer sub.Close()

	conn.SetReadLimit(wsMaxMessage)
	pongWait := 2*h.heartbeat + wsWriteWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	replies := make(chan SocketReply, 8)
	readDone := make(chan struct{})
	go h.readCommands(r.Context(), conn, id, replies, readDone)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case msg, ok := <-sub.C:
			if !ok {
				h.closeSocket(conn)
				return
			}
			if err := h.write(conn, msg); err != nil {
				return
			}
		case reply := <-replies:
			if err := h.write(conn, reply); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readCommands owns the read side of the socket. Every reply goes back
// through the writer loop since a connection allows one writer at a time.
func (h *StreamHandler) readCommands(ctx context.Context, conn *websocket.Conn, driverID string, replies chan<- SocketReply, done chan<- struct{}) {
	defer close(done)
	for {
		var cmd SocketCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", slog.String("driver_id", driverID), slog.Any("error", err))
			}
			return
		}

		var reply SocketReply
		if h.driverCmd == nil {
			reply = SocketReply{Kind: "error", Command: cmd.Type, Error: "bad_request", Message: "commands not accepted"}
		} else {
			cmdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commandTimeout)
			reply = h.driverCmd.Handle(cmdCtx, driverID, cmd)
			cancel()
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (h *StreamHandler) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

func (h *StreamHandler) closeSocket(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
}
