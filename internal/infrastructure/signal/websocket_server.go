package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"passpot/internal/core/domain"
	"passpot/internal/core/services"
	"passpot/internal/infrastructure/monitoring"
	rlog "passpot/pkg/logger"
	"passpot/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketServer is the signaling relay. Peers register with their user id
// and a bearer token; the server routes call signaling messages to the
// addressed peer and broadcasts presence. It owns no call semantics: busy
// handling lives on the clients, the relay only moves envelopes.
type WebSocketServer struct {
	authService services.AuthService
	collector   *monitoring.PrometheusCollector

	connections map[domain.UserID]*peerConn
	mu          sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	messagesPerSecond rate.Limit
	messageBurst      int

	logger *zap.SugaredLogger
}

type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peerConn) writeJSON(timeout time.Duration, v interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteJSON(v)
}

func NewWebSocketServer(authService services.AuthService, collector *monitoring.PrometheusCollector) *WebSocketServer {
	return &WebSocketServer{
		authService:       authService,
		collector:         collector,
		connections:       make(map[domain.UserID]*peerConn),
		pingInterval:      30 * time.Second,
		pongTimeout:       60 * time.Second,
		readTimeout:       60 * time.Second,
		writeTimeout:      10 * time.Second,
		messagesPerSecond: 100,
		messageBurst:      200,
		logger:            rlog.New("info").Sugar(),
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *WebSocketServer) SetPongTimeout(timeout time.Duration) {
	s.pongTimeout = timeout
}

// SetMessageRateLimit overrides the per-connection signaling message budget.
func (s *WebSocketServer) SetMessageRateLimit(perSecond float64, burst int) {
	s.messagesPerSecond = rate.Limit(perSecond)
	s.messageBurst = burst
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := s.authService.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	userID := claims.UserID

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	peer := &peerConn{conn: conn}

	// A reconnecting user displaces their previous connection.
	s.mu.Lock()
	existing, isReconnect := s.connections[userID]
	if isReconnect && existing != nil {
		existing.conn.Close()
		s.logger.Infow("closing old connection for reconnecting user", "user_id", userID)
	}
	s.connections[userID] = peer
	s.mu.Unlock()

	s.logger.Infow("user connected", "user_id", userID, "reconnect", isReconnect)
	if s.collector != nil {
		s.collector.RecordPeerConnected()
	}
	s.broadcastPresence(userID, true)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	limiter := rate.NewLimiter(s.messagesPerSecond, s.messageBurst)

	messageChan := make(chan domain.SignalingMessage, 10)
	errorChan := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)

	go s.readLoop(conn, messageChan, errorChan, readerDone)

	for {
		select {
		case msg := <-messageChan:
			if !limiter.Allow() {
				s.logger.Warnw("message rate limit exceeded", "user_id", userID)
				s.sendError(peer, "rate limit exceeded")
				continue
			}
			if err := s.handleMessage(userID, msg); err != nil {
				s.logger.Infow("error handling message from user", "user_id", userID, "error", err)
				s.sendError(peer, err.Error())
			}

		case <-pingTicker.C:
			peer.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			peer.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "user_id", userID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from user", "user_id", userID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	// Only drop the entry if it is still ours; a reconnect may have
	// replaced it already.
	stillRegistered := false
	if current, ok := s.connections[userID]; ok && current == peer {
		delete(s.connections, userID)
		stillRegistered = true
	}
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.RecordPeerDisconnected()
	}
	// A displaced connection must not announce the user offline; the
	// replacement socket already announced them online.
	if stillRegistered {
		s.broadcastPresence(userID, false)
	}
	s.logger.Infow("user disconnected", "user_id", userID)
}

// readLoop pumps frames from the socket into messageChan until the
// connection fails or done closes. The relay loop can stop consuming before
// the socket dies, so the send must never block past cleanup.
func (s *WebSocketServer) readLoop(conn *websocket.Conn, messageChan chan<- domain.SignalingMessage, errorChan chan<- error, done <-chan struct{}) {
	for {
		var msg domain.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			errorChan <- err
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		select {
		case messageChan <- msg:
		case <-done:
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(from domain.UserID, msg domain.SignalingMessage) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.From != "" && msg.From != from {
		return fmt.Errorf("from mismatch: expected %s, got %s", from, msg.From)
	}

	switch msg.Type {
	case domain.MessageOffer, domain.MessageAnswer, domain.MessageICECandidate,
		domain.MessageReject, domain.MessageEnd:
		return s.route(from, msg)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

// route forwards a signaling envelope to the addressed peer. An offer to a
// disconnected peer is answered with an unreachable reject so the caller
// does not dial forever; other message types fail silently per the
// transport contract.
func (s *WebSocketServer) route(from domain.UserID, msg domain.SignalingMessage) error {
	if msg.To == "" {
		return fmt.Errorf("target user is required")
	}
	if msg.Type == domain.MessageOffer {
		if err := s.validateOffer(msg); err != nil {
			return err
		}
	}

	msg.From = from
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	if s.collector != nil {
		s.collector.RecordSignalingMessage(string(msg.Type))
	}

	err := s.sendToUser(msg.To, msg)
	if err == nil {
		s.logger.Infow("routed signaling message",
			"type", msg.Type,
			"from", from,
			"to", msg.To,
		)
		return nil
	}

	s.logger.Infow("target user not connected", "type", msg.Type, "from", from, "to", msg.To)
	if msg.Type == domain.MessageOffer {
		payload, _ := json.Marshal(domain.RejectPayload{Reason: domain.RejectUnreachable})
		reject := domain.SignalingMessage{
			ID:      domain.MessageID(utils.GenerateMessageID()),
			Type:    domain.MessageReject,
			From:    msg.To,
			To:      from,
			Payload: payload,
			SentAt:  time.Now(),
		}
		if sendErr := s.sendToUser(from, reject); sendErr != nil {
			s.logger.Warnw("error sending unreachable reject", "to", from, "error", sendErr)
		}
	}
	return nil
}

func (s *WebSocketServer) validateOffer(msg domain.SignalingMessage) error {
	var offer domain.SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil {
		return fmt.Errorf("invalid offer payload: %w", err)
	}
	if len(offer.SDP) < 2 || offer.SDP[:2] != "v=" {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	if msg.Media != "" && msg.Media != domain.MediaAudio && msg.Media != domain.MediaVideo {
		return fmt.Errorf("unknown media kind: %s", msg.Media)
	}
	return nil
}

func (s *WebSocketServer) broadcastPresence(userID domain.UserID, online bool) {
	payload, _ := json.Marshal(domain.PresencePayload{UserID: userID, Online: online})
	msg := domain.SignalingMessage{
		ID:      domain.MessageID(utils.GenerateMessageID()),
		Type:    domain.MessagePresence,
		From:    userID,
		Payload: payload,
		SentAt:  time.Now(),
	}

	s.mu.RLock()
	peers := make(map[domain.UserID]*peerConn, len(s.connections))
	for id, peer := range s.connections {
		if id != userID {
			peers[id] = peer
		}
	}
	s.mu.RUnlock()

	for id, peer := range peers {
		if err := peer.writeJSON(s.writeTimeout, msg); err != nil {
			s.logger.Debugw("error broadcasting presence", "to", id, "error", err)
		}
	}
}

func (s *WebSocketServer) sendToUser(userID domain.UserID, msg domain.SignalingMessage) error {
	s.mu.RLock()
	peer, exists := s.connections[userID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("user %s not connected", userID)
	}
	return peer.writeJSON(s.writeTimeout, msg)
}

func (s *WebSocketServer) sendError(peer *peerConn, message string) {
	errorMsg := map[string]interface{}{
		"type":    "error",
		"message": message,
	}
	peer.writeJSON(s.writeTimeout, errorMsg)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ConnectedUsers returns the ids of currently registered users.
func (s *WebSocketServer) ConnectedUsers() []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserID, 0, len(s.connections))
	for userID := range s.connections {
		users = append(users, userID)
	}
	return users
}

func (s *WebSocketServer) IsUserConnected(userID domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[userID]
	return exists
}
