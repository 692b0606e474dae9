// Package server exposes the JSON bridge over a local WebSocket for
// host processes that prefer a socket to linking the bridge package.
// Frames mirror the bridge: requests are {id,type,payload}, replies
// are {commandId,status,result|error}, and the payloads are the same
// envelopes the bridge returns.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prism-av/display-agent/internal/bridge"
	"github.com/prism-av/display-agent/internal/logging"
	"github.com/prism-av/display-agent/internal/snapshot"
)

var log = logging.L("server")

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024 * 1024
)

// Command types accepted over the socket.
const (
	CmdVersion         = "version"
	CmdCollectSnapshot = "collect-snapshot"
	CmdBuildKnown      = "build-known"
	CmdResolveIdentity = "resolve-identity"
	CmdValidateProfile = "validate-profile"
	CmdPlanProfile     = "plan-profile"
	CmdApplyPlan       = "apply-plan"
)

// Config holds the bridge server configuration.
type Config struct {
	Listen string
	// SnapshotInterval pushes a snapshot frame per interval when > 0.
	SnapshotInterval time.Duration
}

// Command is one request frame.
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CommandResult is one reply frame. Result carries the bridge envelope
// verbatim.
type CommandResult struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type commandPayload struct {
	Known    json.RawMessage `json:"known,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Pins     json.RawMessage `json:"pins,omitempty"`
	Profile  json.RawMessage `json:"profile,omitempty"`
	Plan     json.RawMessage `json:"plan,omitempty"`
	DryRun   bool            `json:"dry_run,omitempty"`
}

// Server is the WebSocket bridge listener.
type Server struct {
	cfg      *Config
	http     *http.Server
	upgrader websocket.Upgrader
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a bridge server.
func New(cfg *Config) *Server {
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Local-only surface: the listener binds loopback by default
			// and the socket carries no credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.http = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: mux,
	}

	log.Info("bridge server listening", "addr", s.cfg.Listen)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the listener down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.http != nil {
			s.http.Close()
		}
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	log.Info("bridge client connected", "remote", r.RemoteAddr)

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	if s.cfg.SnapshotInterval > 0 {
		go s.pushSnapshots(send)
	}

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("bridge client read error", "error", err)
			}
			return
		}

		result := s.dispatch(cmd)
		if err := send(result); err != nil {
			log.Warn("bridge reply failed", "commandId", cmd.ID, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(cmd Command) CommandResult {
	var payload commandPayload
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return errorResult(cmd.ID, fmt.Sprintf("invalid payload: %v", err))
		}
	}

	var envelope string
	switch cmd.Type {
	case CmdVersion:
		envelope = bridge.Version()
	case CmdCollectSnapshot:
		envelope = bridge.CollectSnapshot()
	case CmdBuildKnown:
		envelope = bridge.BuildKnownFromSnapshot(string(payload.Snapshot))
	case CmdResolveIdentity:
		envelope = bridge.ResolveIdentity(string(payload.Known), string(payload.Snapshot), string(payload.Pins))
	case CmdValidateProfile:
		envelope = bridge.ValidateProfile(string(payload.Profile), string(payload.Snapshot))
	case CmdPlanProfile:
		envelope = bridge.PlanProfile(string(payload.Profile), string(payload.Snapshot), string(payload.Known))
	case CmdApplyPlan:
		envelope = bridge.ApplyPlan(string(payload.Plan), payload.DryRun)
	default:
		return errorResult(cmd.ID, fmt.Sprintf("unknown command type %q", cmd.Type))
	}

	return CommandResult{
		Type:      "command_result",
		CommandID: cmd.ID,
		Status:    "success",
		Result:    json.RawMessage(envelope),
	}
}

// pushSnapshots emits one snapshot frame per configured interval until
// the server stops or the connection's send fails.
func (s *Server) pushSnapshots(send func(v any) error) {
	provider := snapshot.NewOSProvider()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			snap, err := provider.Collect()
			frame := map[string]any{"type": "snapshot"}
			if err != nil {
				frame["error"] = err.Error()
			} else {
				frame["data"] = snap
			}
			if err := send(frame); err != nil {
				return
			}
		}
	}
}

func errorResult(commandID, message string) CommandResult {
	return CommandResult{
		Type:      "command_result",
		CommandID: commandID,
		Status:    "error",
		Error:     message,
	}
}
