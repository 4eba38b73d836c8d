package agent

import (
	"context"

	"proctord/internal/bridge"
	"proctord/internal/session"
	"proctord/internal/violation"
)

var _ bridge.Handler = (*Agent)(nil)

// HandleBridge executes a kiosk request.
func (a *Agent) HandleBridge(ctx context.Context, req bridge.Request) (any, error) {
	switch req.Op {
	case bridge.OpViolation:
		return a.ReportViolation(violation.Kind(req.Kind), req.Data)
	case bridge.OpActivity:
		a.RecordActivity(session.Activity(req.Kind))
		return nil, nil
	case bridge.OpCode:
		return nil, a.UpdateCode(*req.Code, req.Filename)
	case bridge.OpSave:
		return nil, a.SaveCode(*req.Code, req.Filename)
	case bridge.OpComplete:
		return nil, a.Complete()
	case bridge.OpLogin:
		return nil, a.Login(req.Name, req.Class)
	case bridge.OpState:
		a.SetView(*req.State)
		return a.HeartbeatState(), nil
	}
	return nil, bridge.ErrUnknownOp
}
