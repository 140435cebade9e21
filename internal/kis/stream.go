package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/haetae-bot/haetae/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	// readIdleTimeout bounds the silence between frames. The broker pings
	// regularly; a quiet connection is a dead connection.
	readIdleTimeout = 60 * time.Second
)

// Tick is one realtime trade print.
type Tick struct {
	Code      string
	Price     float64
	Volume    int64 // this print
	CumVolume int64 // session cumulative
	At        time.Time
}

// TickHandler receives parsed ticks. Called from the read loop; handlers
// must not block.
type TickHandler func(Tick)

// Stream is a realtime price subscription over the broker websocket.
// A fresh approval key is fetched on every (re)connect and all codes are
// resubscribed.
type Stream struct {
	auth    *AuthClient
	url     string
	handler TickHandler
	log     zerolog.Logger

	mu           sync.RWMutex
	codes        []string
	conn         *websocket.Conn
	connCtx      context.Context
	cancel       context.CancelFunc
	connected    bool
	reconnecting bool
	stopped      bool
	stopChan     chan struct{}
}

// SubscribeRealtime opens the realtime stream for codes. The context bounds
// the initial connect; the stream then lives until Stop. Reconnection with
// backoff and resubscription is automatic.
func (c *Client) SubscribeRealtime(ctx context.Context, codes []string, handler TickHandler) (*Stream, error) {
	for _, code := range codes {
		if err := domain.ValidateCode(code); err != nil {
			return nil, err
		}
	}
	url := c.cfg.WSURL
	if url == "" {
		url = wsURLFor(c.cfg.Env)
	}
	s := &Stream{
		auth:     NewAuthClient(c.cfg, c.log),
		url:      url,
		codes:    append([]string(nil), codes...),
		handler:  handler,
		log:      c.log.With().Str("component", "kis-stream").Logger(),
		stopChan: make(chan struct{}),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	connCtx := s.connCtx
	s.mu.RUnlock()
	go s.readLoop(connCtx)
	return s, nil
}

// Stop closes the stream and halts reconnection.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopChan)
	s.disconnect()
}

// Connected reports the current connection state.
func (s *Stream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Stream) connect(ctx context.Context) error {
	approvalKey, err := s.auth.IssueApprovalKey(ctx)
	if err != nil {
		return fmt.Errorf("fetching approval key: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, s.url+"/tryitout/"+trRealtimePrice, nil)
	if err != nil {
		return fmt.Errorf("dialing broker websocket: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.connCtx = connCtx
	s.cancel = cancel
	s.connected = true
	codes := append([]string(nil), s.codes...)
	s.mu.Unlock()

	for _, code := range codes {
		if err := s.subscribe(connCtx, conn, approvalKey, code); err != nil {
			s.disconnect()
			return fmt.Errorf("subscribing %s: %w", code, err)
		}
	}

	s.log.Info().Int("codes", len(codes)).Msg("Realtime stream connected")
	return nil
}

func (s *Stream) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		s.conn = nil
	}
	s.connCtx = nil
	s.connected = false
}

// subscribeFrame is the broker's registration message.
type subscribeFrame struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

func (s *Stream) subscribe(ctx context.Context, conn *websocket.Conn, approvalKey, code string) error {
	var frame subscribeFrame
	frame.Header.ApprovalKey = approvalKey
	frame.Header.CustType = "P"
	frame.Header.TrType = "1" // register
	frame.Header.ContentType = "utf-8"
	frame.Body.Input.TrID = trRealtimePrice
	frame.Body.Input.TrKey = code

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding subscribe frame: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Stream) readLoop(ctx context.Context) {
	defer func() {
		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, readIdleTimeout)
		_, message, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("Stream read failed; reconnecting")
			s.disconnect()
			return
		}

		s.handleMessage(ctx, message)
	}
}

// handleMessage dispatches one frame. Data frames start with '0' (plain)
// or '1' (encrypted, not requested so ignored); anything else is a JSON
// control message.
func (s *Stream) handleMessage(ctx context.Context, message []byte) {
	if len(message) == 0 {
		return
	}
	switch message[0] {
	case '0':
		s.handleData(string(message))
	case '1':
		s.log.Debug().Msg("Ignoring encrypted frame")
	default:
		s.handleControl(ctx, message)
	}
}

// handleData parses a pipe-delimited data frame:
// 0|H0STCNT0|<count>|code^time^price^...
func (s *Stream) handleData(frame string) {
	parts := strings.SplitN(frame, "|", 4)
	if len(parts) < 4 || parts[1] != trRealtimePrice {
		return
	}
	fields := strings.Split(parts[3], "^")
	if len(fields) < 14 {
		s.log.Warn().Int("fields", len(fields)).Msg("Short realtime frame")
		return
	}
	tick := Tick{
		Code:      fields[0],
		Price:     atof(fields[2]),
		Volume:    atoi(fields[12]),
		CumVolume: atoi(fields[13]),
		At:        time.Now(),
	}
	if s.handler != nil {
		s.handler(tick)
	}
}

type controlFrame struct {
	Header struct {
		TrID string `json:"tr_id"`
	} `json:"header"`
	Body struct {
		RtCd  string `json:"rt_cd"`
		MsgCd string `json:"msg_cd"`
		Msg1  string `json:"msg1"`
	} `json:"body"`
}

// handleControl processes JSON control frames: heartbeats are echoed back
// verbatim, subscription acks are logged.
func (s *Stream) handleControl(ctx context.Context, message []byte) {
	var frame controlFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.log.Debug().Err(err).Msg("Undecodable control frame")
		return
	}

	if frame.Header.TrID == trPingPong {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeWait)
		defer cancel()
		if err := conn.Write(writeCtx, websocket.MessageText, message); err != nil {
			s.log.Warn().Err(err).Msg("Heartbeat echo failed")
		}
		return
	}

	if frame.Body.RtCd != "" && frame.Body.RtCd != "0" {
		s.log.Warn().
			Str("msg_cd", frame.Body.MsgCd).
			Str("msg", frame.Body.Msg1).
			Msg("Stream control error")
		return
	}
	s.log.Debug().Str("tr_id", frame.Header.TrID).Msg("Stream control ack")
}

func (s *Stream) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		select {
		case <-s.stopChan:
			return
		default:
		}

		delay := reconnectBackoff(attempt)
		if attempt > maxReconnectAttempts {
			s.log.Warn().Int("attempt", attempt).Dur("delay", delay).
				Msg("Reconnect attempts exceeded budget; still retrying at cap")
		} else {
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting realtime stream")
		}

		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.connect(context.Background()); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("Stream reconnect failed")
			continue
		}

		s.mu.RLock()
		connCtx := s.connCtx
		s.mu.RUnlock()
		go s.readLoop(connCtx)
		return
	}
}

// reconnectBackoff is base·2^(n-1), capped.
func reconnectBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
