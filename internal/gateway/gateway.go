// Package gateway terminates the client websocket: it authenticates the
// first frame, binds a session, relays inbound audio and control frames
// into the pipeline controller, and drains the controller's outbound
// queue back onto the socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mirrortalk/mirrortalk/internal/asr"
	"github.com/mirrortalk/mirrortalk/internal/auth"
	"github.com/mirrortalk/mirrortalk/internal/pipeline"
	"github.com/mirrortalk/mirrortalk/internal/session"
	"github.com/mirrortalk/mirrortalk/internal/twerr"
)

// Config tunes the websocket endpoint.
type Config struct {
	// BindTimeout bounds the time from socket accept to a bound session
	// (auth frame included). Expiry closes with SESSION_CREATE_FAILED.
	BindTimeout time.Duration

	// PingInterval is the cadence of server pings used for RTT
	// estimation.
	PingInterval time.Duration

	// ReadLimit caps one inbound frame's size in bytes.
	ReadLimit int64

	// OriginPatterns is passed through to the websocket accept check.
	// Empty restricts to same-origin.
	OriginPatterns []string
}

func (c *Config) applyDefaults() {
	if c.BindTimeout <= 0 {
		c.BindTimeout = 3 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

// Recorder receives connection telemetry. Implementations must not block.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
	ConnectTime(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened()         {}
func (nopRecorder) ConnectionClosed(string)   {}
func (nopRecorder) ConnectTime(time.Duration) {}

// ControllerFactory builds the pipeline controller for a freshly bound
// session. Called once per session; reconnects reuse the controller.
type ControllerFactory func(sess *session.Session) *pipeline.Controller

// Gateway is the /ws HTTP handler.
type Gateway struct {
	cfg       Config
	validator *auth.Validator
	sessions  *session.Manager
	build     ControllerFactory
	rec       Recorder
	logger    *slog.Logger

	mu          sync.Mutex
	controllers map[string]*pipeline.Controller
}

// New wires the gateway and installs its eviction hook on the session
// manager.
func New(validator *auth.Validator, sessions *session.Manager, build ControllerFactory, cfg Config, rec Recorder, logger *slog.Logger) *Gateway {
	cfg.applyDefaults()
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:         cfg,
		validator:   validator,
		sessions:    sessions,
		build:       build,
		rec:         rec,
		logger:      logger,
		controllers: make(map[string]*pipeline.Controller),
	}
	sessions.OnEvict = g.onEvict
	return g
}

func (g *Gateway) onEvict(s *session.Session) {
	g.mu.Lock()
	ctrl := g.controllers[s.ID]
	delete(g.controllers, s.ID)
	g.mu.Unlock()
	if ctrl != nil {
		ctrl.Close()
	}
}

// controller returns the session's controller, building it on first
// bind.
func (g *Gateway) controller(s *session.Session) *pipeline.Controller {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ctrl, ok := g.controllers[s.ID]; ok {
		return ctrl
	}
	ctrl := g.build(s)
	g.controllers[s.ID] = ctrl
	return ctrl
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accepted := time.Now()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(g.cfg.ReadLimit)
	g.rec.ConnectionOpened()

	wsc := newWSConn(conn)
	closeReason := "client_disconnect"
	defer func() {
		wsc.CloseWithReason(closeReason)
		g.rec.ConnectionClosed(closeReason)
	}()

	ctx := r.Context()

	sess, ctrl, err := g.handshake(ctx, wsc, r)
	if err != nil {
		g.writeErrorFrame(ctx, wsc, "", err)
		closeReason = string(twerr.CodeOf(err))
		return
	}
	g.rec.ConnectTime(time.Since(accepted))

	ready, err := json.Marshal(outboundFrame{
		Type:      typeSessionReady,
		SessionID: sess.ID,
		UserID:    sess.UserID,
	})
	if err == nil {
		err = wsc.write(ctx, ready)
	}
	if err != nil {
		closeReason = "write_failed"
		if g.sessions.Unbind(sess.ID, wsc) {
			ctrl.HandleDisconnect(context.WithoutCancel(ctx))
		}
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		g.writeLoop(connCtx, wsc, ctrl, sess.ID)
	}()
	go func() {
		defer loops.Done()
		g.pingLoop(connCtx, wsc)
	}()

	g.readLoop(ctx, wsc, sess, ctrl)

	// Stop this connection's writer before settling the session, so the
	// disconnect epilogue's events stay queued for a reconnect instead
	// of dying on the dead socket.
	cancel()
	loops.Wait()

	// The socket is gone; keep the session for the reconnect grace but
	// settle it to idle, interrupting any in-flight reply. Skipped when
	// this connection was already replaced by a newer bind.
	if g.sessions.Unbind(sess.ID, wsc) {
		ctrl.HandleDisconnect(context.WithoutCancel(ctx))
	}
}

// handshake authenticates the connection and binds its session, all
// within the bind timeout. The token comes from the Authorization header
// or, failing that, the first frame (type "auth").
func (g *Gateway) handshake(ctx context.Context, wsc *wsConn, r *http.Request) (*session.Session, *pipeline.Controller, error) {
	bindCtx, cancel := context.WithTimeout(ctx, g.cfg.BindTimeout)
	defer cancel()

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		frame, err := readFrame(bindCtx, wsc)
		if err != nil {
			return nil, nil, twerr.New(twerr.CodeSessionCreateFailed, fmt.Errorf("gateway: read auth frame: %w", err))
		}
		if frame.Type != typeAuth {
			return nil, nil, twerr.New(twerr.CodeAuthRequired, fmt.Errorf("gateway: first frame %q, want auth", frame.Type))
		}
		token = frame.Token
	}

	identity, err := g.validator.Validate(token)
	if err != nil {
		return nil, nil, err
	}

	sess, err := g.sessions.Bind(bindCtx, identity.UserID, wsc)
	if err != nil {
		return nil, nil, err
	}
	return sess, g.controller(sess), nil
}

// readLoop dispatches inbound frames until the socket closes.
func (g *Gateway) readLoop(ctx context.Context, wsc *wsConn, sess *session.Session, ctrl *pipeline.Controller) {
	for {
		frame, err := readFrame(ctx, wsc)
		if err != nil {
			var malformed *malformedFrameError
			if errors.As(err, &malformed) {
				// One bad frame does not cost the connection.
				g.writeErrorFrame(ctx, wsc, sess.ID,
					twerr.Newf(twerr.CodeWebsocketError, err, "malformed frame"))
				continue
			}
			return
		}

		if frame.SessionID != "" && frame.SessionID != sess.ID {
			g.writeErrorFrame(ctx, wsc, sess.ID,
				twerr.Newf(twerr.CodeWebsocketError, nil, "frame for unknown session"))
			continue
		}

		switch frame.Type {
		case typeAudioChunk:
			err := ctrl.HandleAudio(ctx, asr.Frame{
				Seq:        frame.Seq,
				Bytes:      frame.Audio,
				CapturedAt: time.Now(),
			})
			if err != nil {
				g.logger.Debug("audio frame rejected", "session", sess.ID, "seq", frame.Seq, "error", err)
			}
		case typeEndUtterance:
			if err := ctrl.HandleEndUtterance(ctx); err != nil {
				g.logger.Debug("end_utterance rejected", "session", sess.ID, "error", err)
			}
		case typeInterruption:
			if err := ctrl.HandleInterrupt(ctx); err != nil {
				g.logger.Debug("interruption rejected", "session", sess.ID, "error", err)
			}
		case typePong:
			if frame.T > 0 {
				ctrl.Estimator().ObserveRTT(time.Since(time.UnixMilli(frame.T)))
			}
			if frame.DroppedFrames > 0 {
				ctrl.Estimator().ObserveClientDrops(frame.DroppedFrames)
			}
		case typeAuth:
			// Already authenticated; ignore.
		default:
			g.writeErrorFrame(ctx, wsc, sess.ID,
				twerr.Newf(twerr.CodeWebsocketError, nil, "unknown frame type %q", frame.Type))
		}
	}
}

// writeLoop drains the controller's outbound queue onto this socket. It
// ends when the connection or the queue dies; the queue itself survives
// for a reconnect.
func (g *Gateway) writeLoop(ctx context.Context, wsc *wsConn, ctrl *pipeline.Controller, sessionID string) {
	q := ctrl.Out()
	for {
		e, err := q.Pop(ctx)
		if err != nil {
			return
		}
		b, err := encodeEvent(sessionID, e)
		if err != nil {
			g.logger.Error("outbound encode failed", "session", sessionID, "error", err)
			continue
		}
		if err := wsc.write(ctx, b); err != nil {
			return
		}
	}
}

// pingLoop measures RTT; the client echoes t back in a pong frame.
func (g *Gateway) pingLoop(ctx context.Context, wsc *wsConn) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b, err := json.Marshal(outboundFrame{Type: typePing, T: time.Now().UnixMilli()})
			if err != nil {
				return
			}
			if err := wsc.write(ctx, b); err != nil {
				return
			}
		}
	}
}

// writeErrorFrame best-effort delivers one error frame.
func (g *Gateway) writeErrorFrame(ctx context.Context, wsc *wsConn, sessionID string, err error) {
	e := twerr.New(twerr.CodeInternal, err)
	var te *twerr.Error
	if errors.As(err, &te) {
		e = te
	}
	b, merr := json.Marshal(outboundFrame{
		Type:        typeError,
		SessionID:   sessionID,
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		RetryAfter:  e.RetryAfter.Milliseconds(),
	})
	if merr != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if werr := wsc.write(wctx, b); werr != nil {
		g.logger.Debug("error frame not delivered", "error", werr)
	}
}

// malformedFrameError marks frames that failed to parse, as opposed to
// transport errors.
type malformedFrameError struct{ cause error }

func (e *malformedFrameError) Error() string { return "gateway: malformed frame: " + e.cause.Error() }
func (e *malformedFrameError) Unwrap() error { return e.cause }

// readFrame reads and decodes one inbound frame.
func readFrame(ctx context.Context, wsc *wsConn) (inboundFrame, error) {
	_, data, err := wsc.conn.Read(ctx)
	if err != nil {
		return inboundFrame{}, err
	}
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return inboundFrame{}, &malformedFrameError{cause: err}
	}
	if frame.Type == "" {
		return inboundFrame{}, &malformedFrameError{cause: errors.New("missing type")}
	}
	return frame, nil
}

// wsConn serialises writes on one websocket and implements
// session.Conn so the manager can close a replaced connection.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

var _ session.Conn = (*wsConn)(nil)

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (w *wsConn) write(ctx context.Context, b []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, b)
}

// CloseWithReason implements session.Conn. Safe to call more than once.
func (w *wsConn) CloseWithReason(reason string) error {
	var err error
	w.once.Do(func() {
		err = w.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}
