package signal

import "github.com/dkeye/peercall/internal/core"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleWhoAmI(conn *WsSignalConn) {
	resp := struct {
		Type   string           `json:"type"`
		UserID string           `json:"userId"`
		Online []core.OnlineDTO `json:"online"`
	}{
		Type:   "whoami",
		UserID: string(conn.id),
		Online: ctl.Orch.Online(),
	}
	ctl.sendJSON(conn, resp)
}
