package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/SimplyPrint/nfc-agent/internal/core"
	"github.com/SimplyPrint/nfc-agent/internal/logging"
	"github.com/SimplyPrint/nfc-agent/internal/plugin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client. It doubles as a reader
// and plugin observer: once subscribed, reader/plugin events are pushed
// straight onto its send channel as they occur instead of being polled.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu                 sync.Mutex
	subscribedReaders  map[string]subscribedReader
	subscribedPlugins  map[string]observablePlugin
}

type subscribedReader struct {
	pluginName string
	reader     observableReader
}

// observableReader is the subset of plugin.Reader that an observable local
// reader additionally exposes. Subscribing type-asserts a plugin.Reader
// against this to confirm the underlying reader actually supports it.
type observableReader interface {
	plugin.Reader
	AddObserver(observer core.ReaderObserverSpi) error
	RemoveObserver(observer core.ReaderObserverSpi)
	StartCardDetection() error
	StopCardDetection() error
}

// observablePlugin is the subset of registry.Plugin an observable or
// autonomous-observable plugin additionally exposes.
type observablePlugin interface {
	Name() string
	AddObserver(observer core.PluginObserverSpi) error
	RemoveObserver(observer core.PluginObserverSpi)
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Global hub instance
var wsHub *WSHub

// InitWebSocket initializes the WebSocket hub and returns the handler
func InitWebSocket() http.HandlerFunc {
	wsHub = NewWSHub()
	go wsHub.Run()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})

		client := &WSClient{
			conn:              conn,
			send:              make(chan []byte, 256),
			hub:               wsHub,
			subscribedReaders: make(map[string]subscribedReader),
			subscribedPlugins: make(map[string]observablePlugin),
		}

		wsHub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.unsubscribeAll()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "list_plugins":
		c.handleListPlugins(msg.ID)
	case "list_readers":
		c.handleListReaders(msg.ID, msg.Payload)
	case "subscribe_reader":
		c.handleSubscribeReader(msg.ID, msg.Payload)
	case "unsubscribe_reader":
		c.handleUnsubscribeReader(msg.ID, msg.Payload)
	case "subscribe_plugin":
		c.handleSubscribePlugin(msg.ID, msg.Payload)
	case "unsubscribe_plugin":
		c.handleUnsubscribePlugin(msg.ID, msg.Payload)
	case "version":
		c.handleVersion(msg.ID)
	case "health":
		c.handleHealth(msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

func (c *WSClient) handleListPlugins(id string) {
	if reg == nil {
		c.sendResponse(id, "plugins", map[string]interface{}{"plugins": []pluginSummary{}})
		return
	}
	plugins := reg.GetPlugins()
	out := make([]pluginSummary, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, pluginSummary{Name: p.Name(), Registered: p.IsRegistered()})
	}
	c.sendResponse(id, "plugins", map[string]interface{}{"plugins": out})
}

func (c *WSClient) handleListReaders(id string, payload json.RawMessage) {
	var req struct {
		Plugin string `json:"plugin"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	if reg == nil {
		c.sendError(id, "registry not available")
		return
	}

	readers, err := reg.GetPluginReaders(req.Plugin)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	out := make([]readerSummary, 0, len(readers))
	for _, rd := range readers {
		present, err := rd.IsCardPresent()
		sum := readerSummary{Name: rd.Name(), Registered: rd.IsRegistered(), CardPresent: present}
		if err != nil {
			sum.Error = err.Error()
		}
		out = append(out, sum)
	}
	c.sendResponse(id, "readers", map[string]interface{}{"plugin": req.Plugin, "readers": out})
}

// findObservableReader looks up a named reader under a named plugin and
// confirms it supports the observer/detection surface (passive readers
// found on a plain LocalPlugin don't).
func findObservableReader(pluginName, readerName string) (observableReader, error) {
	if reg == nil {
		return nil, core.IllegalStatef("registry not available")
	}
	readers, err := reg.GetPluginReaders(pluginName)
	if err != nil {
		return nil, err
	}
	for _, rd := range readers {
		if rd.Name() != readerName {
			continue
		}
		or, ok := rd.(observableReader)
		if !ok {
			return nil, core.IllegalStatef("reader %q is not observable", readerName)
		}
		return or, nil
	}
	return nil, core.IllegalArgumentf("no reader named %q on plugin %q", readerName, pluginName)
}

// readerEventDTO is the WebSocket-facing shape of a core.ReaderEvent: the
// type enum is rendered as its string form rather than the bare int.
type readerEventDTO struct {
	ID         string `json:"id"`
	PluginName string `json:"pluginName"`
	ReaderName string `json:"readerName"`
	Type       string `json:"type"`
}

func (c *WSClient) OnReaderEvent(event *core.ReaderEvent) {
	c.sendResponse("", "reader_event", readerEventDTO{
		ID:         event.ID,
		PluginName: event.PluginName,
		ReaderName: event.ReaderName,
		Type:       event.Type.String(),
	})
}

type pluginEventDTO struct {
	ID          string   `json:"id"`
	PluginName  string   `json:"pluginName"`
	ReaderNames []string `json:"readerNames"`
	Type        string   `json:"type"`
}

func (c *WSClient) OnPluginEvent(event *core.PluginEvent) {
	c.sendResponse("", "plugin_event", pluginEventDTO{
		ID:          event.ID,
		PluginName:  event.PluginName,
		ReaderNames: event.ReaderNames,
		Type:        event.Type.String(),
	})
}

func (c *WSClient) handleSubscribeReader(id string, payload json.RawMessage) {
	var req struct {
		Plugin string `json:"plugin"`
		Reader string `json:"reader"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	or, err := findObservableReader(req.Plugin, req.Reader)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	key := req.Plugin + "/" + req.Reader
	c.mu.Lock()
	if _, already := c.subscribedReaders[key]; already {
		c.mu.Unlock()
		c.sendResponse(id, "subscribed", map[string]string{"plugin": req.Plugin, "reader": req.Reader})
		return
	}
	c.subscribedReaders[key] = subscribedReader{pluginName: req.Plugin, reader: or}
	c.mu.Unlock()

	if err := or.AddObserver(c); err != nil {
		c.mu.Lock()
		delete(c.subscribedReaders, key)
		c.mu.Unlock()
		c.sendError(id, err.Error())
		return
	}
	if err := or.StartCardDetection(); err != nil {
		c.sendError(id, err.Error())
		return
	}

	logging.Info(logging.CatWebSocket, "Client subscribed to reader", map[string]any{
		"plugin": req.Plugin,
		"reader": req.Reader,
	})
	c.sendResponse(id, "subscribed", map[string]string{"plugin": req.Plugin, "reader": req.Reader})
}

func (c *WSClient) handleUnsubscribeReader(id string, payload json.RawMessage) {
	var req struct {
		Plugin string `json:"plugin"`
		Reader string `json:"reader"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	key := req.Plugin + "/" + req.Reader
	c.mu.Lock()
	sub, ok := c.subscribedReaders[key]
	if ok {
		delete(c.subscribedReaders, key)
	}
	c.mu.Unlock()

	if ok {
		sub.reader.RemoveObserver(c)
	}

	c.sendResponse(id, "unsubscribed", map[string]string{"plugin": req.Plugin, "reader": req.Reader})
}

func (c *WSClient) handleSubscribePlugin(id string, payload json.RawMessage) {
	var req struct {
		Plugin string `json:"plugin"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}
	if reg == nil {
		c.sendError(id, "registry not available")
		return
	}

	p, err := reg.GetPlugin(req.Plugin)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	op, ok := p.(observablePlugin)
	if !ok {
		c.sendError(id, "plugin "+req.Plugin+" is not observable")
		return
	}

	c.mu.Lock()
	if _, already := c.subscribedPlugins[req.Plugin]; already {
		c.mu.Unlock()
		c.sendResponse(id, "subscribed", map[string]string{"plugin": req.Plugin})
		return
	}
	c.subscribedPlugins[req.Plugin] = op
	c.mu.Unlock()

	if err := op.AddObserver(c); err != nil {
		c.mu.Lock()
		delete(c.subscribedPlugins, req.Plugin)
		c.mu.Unlock()
		c.sendError(id, err.Error())
		return
	}

	logging.Info(logging.CatWebSocket, "Client subscribed to plugin", map[string]any{"plugin": req.Plugin})
	c.sendResponse(id, "subscribed", map[string]string{"plugin": req.Plugin})
}

func (c *WSClient) handleUnsubscribePlugin(id string, payload json.RawMessage) {
	var req struct {
		Plugin string `json:"plugin"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	c.mu.Lock()
	op, ok := c.subscribedPlugins[req.Plugin]
	if ok {
		delete(c.subscribedPlugins, req.Plugin)
	}
	c.mu.Unlock()

	if ok {
		op.RemoveObserver(c)
	}
	c.sendResponse(id, "unsubscribed", map[string]string{"plugin": req.Plugin})
}

// unsubscribeAll tears down every reader/plugin observer subscription a
// disconnecting client left registered.
func (c *WSClient) unsubscribeAll() {
	c.mu.Lock()
	readers := c.subscribedReaders
	plugins := c.subscribedPlugins
	c.subscribedReaders = make(map[string]subscribedReader)
	c.subscribedPlugins = make(map[string]observablePlugin)
	c.mu.Unlock()

	for _, sub := range readers {
		sub.reader.RemoveObserver(c)
	}
	for _, op := range plugins {
		op.RemoveObserver(c)
	}
}

func (c *WSClient) handleVersion(id string) {
	c.sendResponse(id, "version", map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (c *WSClient) handleHealth(id string) {
	pluginCount := 0
	if reg != nil {
		pluginCount = len(reg.GetPluginNames())
	}
	c.sendResponse(id, "health", map[string]interface{}{
		"status":      "ok",
		"pluginCount": pluginCount,
	})
}
