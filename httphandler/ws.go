package httphandler

import (
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"net/http"
)

// serveWS carries the same envelopes as POST /v1/{op}, one response per request, in order
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.Logger().Error("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	for {
		var req Request
		if err := wsjson.Read(ctx, c, &req); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				h.Logger().Debug("websocket read failed", "error", err)
			}
			return
		}

		resp, err := h.dispatch(ctx, &req)
		if err != nil {
			_, resp.Error = errorBody(err)
		}
		if err := wsjson.Write(ctx, c, resp); err != nil {
			h.Logger().Debug("websocket write failed", "error", err)
			return
		}
	}
}
