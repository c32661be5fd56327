package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/peerhub/peerhub/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024 // enough for any SDP payload
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPingInterval + defaultPongGrace == is how long we give client to respond
	defaultPingInterval = 30 * time.Second
	defaultPongGrace    = 5 * time.Second

	defaultSendTimeout = time.Second
	defaultTxBuffer    = 64
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// Router consumes inbound frames and disconnect events. The server
	// never looks inside a frame beyond handing it over.
	Router interface {
		HandleMessage(cl *model.Client, peer model.Peer, frame []byte)
		HandleDisconnect(cl *model.Client)
	}

	Config struct {
		Logger       *zerolog.Logger
		Router       Router
		ListenAddr   string
		PingInterval time.Duration
	}

	Server struct {
		router       Router
		ws           *websocket.Upgrader
		pingInterval time.Duration
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:       cfg.Logger.With().Str("component", "websocket-server").Logger(),
		router:       cfg.Router,
		pingInterval: cfg.PingInterval,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.pingInterval <= 0 {
		srv.pingInterval = defaultPingInterval
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// peer is the send handle registered with the room registry for one
// connection. Messages enqueued here are drained by a single sender
// goroutine, which preserves per-client delivery order.
type peer struct {
	ctx context.Context
	tx  chan model.Message
}

func newPeer(ctx context.Context) *peer {
	return &peer{
		ctx: ctx,
		tx:  make(chan model.Message, defaultTxBuffer),
	}
}

// Send enqueues msg for delivery. It reports false when the client is gone
// or stopped draining within the send timeout.
func (p *peer) Send(msg model.Message) bool {
	tCh := time.NewTimer(defaultSendTimeout)
	defer tCh.Stop()
	select {
	case p.tx <- msg:
		return true
	case <-p.ctx.Done():
	case <-tCh.C:
	}
	return false
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	cl := &model.Client{ID: uuid.NewString()}
	srv.logger.Debug().
		Str("clientID", cl.ID).
		Str("remote", conn.RemoteAddr().String()).
		Msg("client connected")

	go srv.handleWSConn(conn, cl)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, cl *model.Client) {
	ctx, cancel := context.WithCancel(context.Background()) // long-living connection context
	defer cancel()

	logger := srv.logger.With().Str("clientID", cl.ID).Logger()

	p := newPeer(ctx)
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, conn, cl, p, &logger)
		cancel()
		wg.Done()
	}()
	go func() {
		srv.webSocketSender(ctx, conn, p.tx, &logger)
		cancel()
		wg.Done()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)

	// Runs exactly once per connection, after both pumps have exited.
	// Equivalent to an explicit leave if the client never sent one.
	srv.router.HandleDisconnect(cl)
	logger.Debug().Msg("client disconnected")
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	conn *websocket.Conn,
	tx <-chan model.Message,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				// Probe failure means the connection is dead.
				logger.Warn().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg := <-tx:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteJSON(&msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	conn *websocket.Conn,
	cl *model.Client,
	p *peer,
	logger *zerolog.Logger,
) {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	pongWait := srv.pingInterval + defaultPongGrace
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(pongWait)
	})
	err := readDeadLineFunc(pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, frame, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			srv.router.HandleMessage(cl, p, frame)
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
