package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Roomcall/internal/app/orch"
	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 65536
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

type SignalWSController struct {
	Orch *orch.Orchestrator
	opts Options
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	return &SignalWSController{Orch: o, opts: opts.withDefaults()}
}

// WsSignalConn is the server end of one participant's WebSocket.
type WsSignalConn struct {
	conn  *websocket.Conn
	codec protocol.Codec
	send  chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(msg protocol.Message) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- data:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves one participant until the
// socket closes or ctx ends. Every connection gets a fresh participant id.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	codec, err := protocol.CodecByName(c.Query("codec"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	clientKey := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client", clientKey).Str("codec", codec.Name()).Msg("new WS connection")

	conn := &WsSignalConn{
		conn:  ws,
		codec: codec,
		send:  make(chan core.Frame, ctl.opts.SendBuffer),
	}
	meta := domain.NewMember(domain.ParticipantID(sid))
	sess := core.NewMemberSession(meta, conn)

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(sess, cancel, clientKey)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
