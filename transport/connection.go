// Package transport implements the bridge's ClientConnection (component
// C8): the loopback-bound bidirectional WebSocket message channel, origin
// enforcement, per-connection ordered outbound delivery, and dispatch into
// the session/pairing/plan/execution layers.
package transport

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/prompt-dock/bridge/execution"
	"github.com/prompt-dock/bridge/internal/identity"
	"github.com/prompt-dock/bridge/internal/logger"
	"github.com/prompt-dock/bridge/internal/metrics"
	"github.com/prompt-dock/bridge/pairing"
	"github.com/prompt-dock/bridge/plan"
	"github.com/prompt-dock/bridge/protocol"
	"github.com/prompt-dock/bridge/session"
)

// ProtocolVersion is advertised in the greeting event.
const ProtocolVersion = "1"

const livenessInterval = 30 * time.Second

// unauthenticatedTypes are admitted without an active session.
var unauthenticatedTypes = map[string]struct{}{
	"pair": {}, "authenticate": {}, "health-check": {},
}

// Hub accepts message-channel connections and wires each one into the
// bridge's session/pairing/plan/execution components.
type Hub struct {
	upgrader       websocket.Upgrader
	allowedOrigins map[string]struct{}

	identityPub *rsa.PublicKey
	sessions    *session.Store
	pairingReg  *pairing.Registry
	coord       *execution.Coordinator

	freshness protocol.FreshnessConfig
	log       logger.Logger

	mu         sync.Mutex
	conns      map[string]*Connection
	execOwners map[string]*Connection
}

// NewHub builds a Hub. allowedOrigins is the exhaustive accepted-origin set
// (spec §6's allowedOrigins/customOrigins, pre-merged by the caller).
func NewHub(allowedOrigins []string, identityPub *rsa.PublicKey, sessions *session.Store, pairingReg *pairing.Registry, coord *execution.Coordinator, log logger.Logger) *Hub {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	h := &Hub{
		allowedOrigins: origins,
		identityPub:    identityPub,
		sessions:       sessions,
		pairingReg:     pairingReg,
		coord:          coord,
		log:            log,
		conns:          make(map[string]*Connection),
		execOwners:     make(map[string]*Connection),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	_, ok := h.allowedOrigins[origin]
	return ok
}

// ServeHTTP upgrades the connection, enforcing the origin allow-list
// unconditionally before anything else happens.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		metrics.ConnectionsRejected.Inc()
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.ConnectionsRejected.Inc()
		return
	}

	c := h.newConnection(conn)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	metrics.ConnectionsAccepted.Inc()
	metrics.ConnectionsActive.Inc()

	c.run()

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	metrics.ConnectionsActive.Dec()
}

// registerExecution records which connection owns executionID, so a later
// asynchronous coordinator event can be routed back to the right peer.
func (h *Hub) registerExecution(executionID string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execOwners[executionID] = c
}

func (h *Hub) unregisterExecution(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.execOwners, executionID)
}

// terminalEventTypes are execution.Event types after which the execution
// can no longer produce further events, so its routing entry is dropped.
var terminalEventTypes = map[string]struct{}{
	"execution-complete": {}, "execution-failed": {},
}

// DeliverExecutionEvent is the ExecutionCoordinator's EventFunc: it routes
// an asynchronously emitted event to the connection that owns its
// execution and translates it to the matching bridge→client message type.
func (h *Hub) DeliverExecutionEvent(e execution.Event) {
	h.mu.Lock()
	c, ok := h.execOwners[e.ExecutionID]
	h.mu.Unlock()
	if !ok {
		return
	}

	data := map[string]interface{}{"executionId": e.ExecutionID}
	for k, v := range e.Data {
		data[k] = v
	}

	switch e.Type {
	case "execution-started", "execution-progress":
		data["status"] = e.Type
		data["progress"] = e.Percent
		c.sendEvent("execution-progress", data, "")
	case "execution-complete", "execution-failed":
		c.sendEvent(e.Type, data, "")
	case "file-changed":
		c.sendEvent("file-changed", data, "")
	default:
		c.sendEvent(e.Type, data, "")
	}

	if _, terminal := terminalEventTypes[e.Type]; terminal {
		h.unregisterExecution(e.ExecutionID)
	}
}

// Connection is one live message-channel peer.
type Connection struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	log  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte

	mu              sync.Mutex
	sess            *session.Session
	clientPublicKey *rsa.PublicKey
	ownedExecutions map[string]struct{}
}

func (h *Hub) newConnection(conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:              uuid.NewString(),
		hub:             h,
		conn:            conn,
		log:             h.log,
		ctx:             ctx,
		cancel:          cancel,
		send:            make(chan []byte, 64),
		ownedExecutions: make(map[string]struct{}),
	}
}

func (c *Connection) run() {
	defer c.conn.Close()
	defer c.cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writerLoop() }()
	go func() { defer wg.Done(); c.pingLoop() }()

	c.sendEvent("connected", map[string]interface{}{"version": ProtocolVersion}, "")

	c.readLoop()

	c.cancel()
	if c.coord() != nil {
		c.mu.Lock()
		owned := make([]string, 0, len(c.ownedExecutions))
		for id := range c.ownedExecutions {
			owned = append(owned, id)
		}
		sessID := c.sessionID()
		c.mu.Unlock()
		for _, execID := range owned {
			_ = c.coord().Abort(sessID, execID)
		}
	}

	close(c.send)
	wg.Wait()
}

func (c *Connection) coord() *execution.Coordinator { return c.hub.coord }

func (c *Connection) sessionID() string {
	if c.sess == nil {
		return ""
	}
	return c.sess.ID
}

func (c *Connection) readLoop() {
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		metrics.MessagesInbound.WithLabelValues(env.Type).Inc()

		if err := protocol.ValidateStructure(&env, c.hub.freshness); err != nil {
			c.rejectEnvelope(err)
			continue
		}

		c.handle(&env)
	}
}

func (c *Connection) rejectEnvelope(err error) {
	fault, ok := err.(*protocol.Fault)
	if !ok {
		fault = protocol.NewFault(protocol.FaultInternal, err.Error(), "")
	}
	metrics.MessagesRejected.WithLabelValues(string(fault.Code)).Inc()
	c.sendFault(fault)
}

func (c *Connection) handle(env *protocol.Envelope) {
	_, exempt := unauthenticatedTypes[env.Type]

	var sess *session.Session
	if !exempt {
		c.mu.Lock()
		current := c.sess
		c.mu.Unlock()
		if current == nil {
			c.rejectEnvelope(protocol.NewFault(protocol.FaultNotAuthenticated, "no active session", env.ID))
			return
		}

		resolved, err := c.hub.sessions.ResolveByToken(current.Token)
		if err != nil {
			c.rejectEnvelope(protocol.NewFault(protocol.FaultSessionExpired, "session expired", env.ID))
			return
		}
		sess = resolved

		c.mu.Lock()
		rotated := sess.Token != current.Token
		c.sess = sess
		pub := c.clientPublicKey
		c.mu.Unlock()
		if rotated {
			c.sendEvent("token-rotated", map[string]interface{}{"token": sess.Token}, "")
		}

		if pub != nil && !protocol.VerifySignature(env, pub) {
			c.rejectEnvelope(protocol.NewFault(protocol.FaultInvalidSignature, "signature verification failed", env.ID))
			return
		}

		admit := c.hub.sessions.AdmitCommand(sess, env.ID, env.Data)
		if !admit.Admitted {
			code := protocol.FaultReplayDetected
			if admit.Reason == session.RejectRateLimit {
				code = protocol.FaultRateLimitExceeded
			}
			c.rejectEnvelope(protocol.NewFault(code, "command rejected", env.ID))
			return
		}
	}

	c.dispatch(env, sess)
}

func (c *Connection) dispatch(env *protocol.Envelope, sess *session.Session) {
	switch env.Type {
	case "health-check":
		c.sendEvent("connected", map[string]interface{}{"version": ProtocolVersion}, env.ID)

	case "pair":
		c.handlePair(env)

	case "authenticate":
		c.handleAuthenticate(env)

	case "execute-prompt":
		c.handleExecutePrompt(env, sess)

	case "approve-plan":
		c.handleApprovePlan(env, sess)

	case "reject-plan":
		c.handleRejectPlan(env, sess)

	case "abort-execution":
		c.handleAbortExecution(env, sess)

	case "emergency-kill":
		c.handleEmergencyKill(env, sess)

	default:
		c.sendFault(protocol.NewFault(protocol.FaultInvalidMessageFormat, "unhandled message type: "+env.Type, env.ID))
	}
}

func (c *Connection) handlePair(env *protocol.Envelope) {
	code, _ := env.Data["code"].(string)
	clientKey, _ := env.Data["clientPublicKey"].(string)

	pub, err := identity.ParsePublicKeyPEM(clientKey)
	if err != nil {
		c.sendFault(protocol.NewFault(protocol.FaultInvalidSignature, "invalid client public key", env.ID))
		return
	}
	if !protocol.VerifySignature(env, pub) {
		c.sendFault(protocol.NewFault(protocol.FaultInvalidSignature, "signature verification failed", env.ID))
		return
	}

	redemption, err := c.hub.pairingReg.Redeem(code, clientKey)
	if err != nil {
		c.sendEvent("auth-failed", map[string]interface{}{"reason": "invalid or expired pairing code"}, env.ID)
		return
	}

	sess, err := c.hub.sessions.Create(redemption)
	if err != nil {
		c.sendFault(protocol.NewFault(protocol.FaultInternal, "session creation failed", env.ID))
		return
	}

	c.mu.Lock()
	c.sess = sess
	c.clientPublicKey = pub
	c.mu.Unlock()

	c.sendEvent("pairing-success", map[string]interface{}{
		"sessionId":       sess.ID,
		"token":           sess.Token,
		"bridgePublicKey": redemption.BridgePublicKey,
		"expiresAt":       sess.ExpiresAt,
	}, env.ID)
}

func (c *Connection) handleAuthenticate(env *protocol.Envelope) {
	token, _ := env.Data["token"].(string)
	sess, err := c.hub.sessions.ResolveByToken(token)
	if err != nil {
		c.sendEvent("auth-failed", map[string]interface{}{"reason": "invalid or expired token"}, env.ID)
		return
	}

	pub, err := identity.ParsePublicKeyPEM(sess.ClientPublicKey)
	if err != nil {
		c.sendFault(protocol.NewFault(protocol.FaultInternal, "invalid client public key", env.ID))
		return
	}
	if !protocol.VerifySignature(env, pub) {
		c.sendFault(protocol.NewFault(protocol.FaultInvalidSignature, "signature verification failed", env.ID))
		return
	}

	c.mu.Lock()
	c.sess = sess
	c.clientPublicKey = pub
	c.mu.Unlock()

	c.sendEvent("auth-success", map[string]interface{}{"sessionId": sess.ID, "token": sess.Token}, env.ID)
}

func (c *Connection) handleExecutePrompt(env *protocol.Envelope, sess *session.Session) {
	prompt, _ := env.Data["prompt"].(string)
	workdir, _ := env.Data["workdir"].(string)
	agentKind, _ := env.Data["agentType"].(string)
	if agentKind == "" {
		agentKind = "claude"
	}

	p, err := c.hub.coord.SubmitPlanRequest(c.ctx, sess.ID, prompt, workdir, agentKind, "")
	if err != nil {
		c.sendFault(protocol.NewFault(protocol.FaultAgentNotAvailable, err.Error(), env.ID))
		return
	}

	c.mu.Lock()
	c.ownedExecutions[p.ID] = struct{}{}
	c.mu.Unlock()

	c.sendEvent("agent-plan", map[string]interface{}{
		"id":       p.ID,
		"prompt":   p.Prompt,
		"plan":     p.PlanText,
		"approved": false,
	}, env.ID)
}

func (c *Connection) handleApprovePlan(env *protocol.Envelope, sess *session.Session) {
	planID, _ := env.Data["planId"].(string)
	_, err := c.hub.coord.ApprovePlan(sess.ID, planID)
	if err != nil {
		c.sendFault(c.planErrorFault(err, env.ID))
		return
	}

	exec, err := c.hub.coord.ExecutePlan(c.ctx, sess.ID, planID)
	if err != nil {
		c.sendFault(c.planErrorFault(err, env.ID))
		return
	}

	c.mu.Lock()
	c.ownedExecutions[exec.ID] = struct{}{}
	c.mu.Unlock()
	c.hub.registerExecution(exec.ID, c)

	c.sendEvent("agent-state-change", map[string]interface{}{"executionId": exec.ID, "state": "RUNNING"}, env.ID)
}

func (c *Connection) handleRejectPlan(env *protocol.Envelope, sess *session.Session) {
	planID, _ := env.Data["planId"].(string)
	reason, _ := env.Data["reason"].(string)
	if err := c.hub.coord.RejectPlan(sess.ID, planID, reason); err != nil {
		c.sendFault(c.planErrorFault(err, env.ID))
		return
	}
	c.sendEvent("agent-state-change", map[string]interface{}{"planId": planID, "state": "REJECTED"}, env.ID)
}

func (c *Connection) handleAbortExecution(env *protocol.Envelope, sess *session.Session) {
	executionID, _ := env.Data["executionId"].(string)
	if err := c.hub.coord.Abort(sess.ID, executionID); err != nil {
		c.sendFault(protocol.NewFault(protocol.FaultExecutionNotFound, err.Error(), env.ID))
		return
	}
	c.sendEvent("agent-state-change", map[string]interface{}{"executionId": executionID, "state": "ABORTED"}, env.ID)
}

func (c *Connection) handleEmergencyKill(env *protocol.Envelope, sess *session.Session) {
	reason, _ := env.Data["reason"].(string)
	aborted := c.hub.coord.EmergencyStop(reason)
	terminated := c.hub.sessions.EmergencyKill(reason)
	c.sendEvent("emergency-kill-confirmed", map[string]interface{}{
		"abortedExecutions":   aborted,
		"terminatedSessions": terminated,
	}, env.ID)
}

func (c *Connection) planErrorFault(err error, id string) *protocol.Fault {
	switch err {
	case plan.ErrNotFound:
		return protocol.NewFault(protocol.FaultPlanNotFound, err.Error(), id)
	case plan.ErrOwnershipViolation, execution.ErrOwnershipViolation:
		return protocol.NewFault(protocol.FaultPlanOwnershipViolation, err.Error(), id)
	case plan.ErrAlreadyTerminal:
		return protocol.NewFault(protocol.FaultPlanAlreadyExecuted, err.Error(), id)
	case execution.ErrPlanNotApproved:
		return protocol.NewFault(protocol.FaultPlanNotApproved, err.Error(), id)
	case execution.ErrExecutionNotFound:
		return protocol.NewFault(protocol.FaultExecutionNotFound, err.Error(), id)
	default:
		return protocol.NewFault(protocol.FaultInternal, err.Error(), id)
	}
}

func (c *Connection) pingLoop() {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			select {
			case c.send <- mustMarshalPing():
			default:
			}
		}
	}
}

func mustMarshalPing() []byte {
	b, _ := json.Marshal(map[string]interface{}{"type": "ping", "timestamp": time.Now().UTC().Format(time.RFC3339)})
	return b
}

func (c *Connection) writerLoop() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (c *Connection) sendEvent(eventType string, data map[string]interface{}, replyTo string) {
	msg := map[string]interface{}{
		"id":        uuid.NewString(),
		"type":      eventType,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if replyTo != "" {
		msg["replyTo"] = replyTo
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.ctx.Done():
	}
}

func (c *Connection) sendFault(f *protocol.Fault) {
	c.sendEvent("error", map[string]interface{}{"error": f.Message, "code": string(f.Code)}, f.ID)
}
