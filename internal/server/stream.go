package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/sandbox"
)

const writeWait = 10 * time.Second

// Frame types sent to streaming clients.
const (
	frameOutput = "output"
	frameStatus = "status"
	frameResult = "result"
	frameError  = "error"
)

// streamRequest starts an execution when Code is set and stops the current
// one when Action is "stop".
type streamRequest struct {
	executor.Command
	Language  string          `json:"language,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Config    *limitsOverride `json:"config,omitempty"`
}

type streamFrame struct {
	Type   string           `json:"type"`
	Output *executor.Output `json:"output,omitempty"`
	Status executor.Status  `json:"status,omitempty"`
	Result *executeResponse `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type streamConn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu sync.Mutex
}

func (c *streamConn) send(f streamFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		c.logger.Debug("stream write failed", zap.Error(err))
	}
}

func (c *streamConn) callbacks() executor.Callbacks {
	return executor.Callbacks{
		OnOutput: func(o executor.Output) {
			c.send(streamFrame{Type: frameOutput, Output: &o})
		},
		OnStatusChange: func(st executor.Status) {
			c.send(streamFrame{Type: frameStatus, Status: st})
		},
		OnComplete: func(res executor.Result) {
			resp := newExecuteResponse(res)
			c.send(streamFrame{Type: frameResult, Result: &resp})
		},
	}
}

// handleStream owns one sandbox per connection. A new execution stops the
// previous one, so a connection never runs more than one at a time.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	s.metrics.WSConnections.Inc()
	defer s.metrics.WSConnections.Dec()

	sc := &streamConn{conn: conn, logger: s.logger}
	sb := sandbox.New(s.base.Clone(), sc.callbacks(), s.sbOpts...)
	defer sb.Stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("stream closed", zap.Error(err))
			}
			return
		}

		var req streamRequest
		if err := json.Unmarshal(data, &req); err != nil {
			sc.send(streamFrame{Type: frameError, Error: "invalid json: " + err.Error()})
			continue
		}

		switch {
		case req.Action == executor.ActionStop:
			sb.Stop()
		case req.Action != "":
			sc.send(streamFrame{Type: frameError, Error: "unknown action: " + req.Action})
		case req.Code == "":
			sc.send(streamFrame{Type: frameError, Error: "code is required"})
		default:
			cfg, err := s.configFor(r, req.Language, req.SessionID, req.Config)
			if err != nil {
				sc.send(streamFrame{Type: frameError, Error: err.Error()})
				continue
			}
			sb.SetConfig(patchFor(cfg))
			sb.Execute(r.Context(), req.Code)
		}
	}
}

// patchFor resets the per-execution fields of a connection's sandbox.
func patchFor(cfg executor.Config) executor.ConfigPatch {
	return executor.ConfigPatch{
		Language:  &cfg.Language,
		SessionID: &cfg.SessionID,
		Limits: &executor.LimitsPatch{
			MaxExecutionTime: &cfg.Limits.MaxExecutionTime,
			MaxOutputSize:    &cfg.Limits.MaxOutputSize,
			MaxIterations:    &cfg.Limits.MaxIterations,
		},
	}
}
