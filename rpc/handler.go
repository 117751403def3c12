package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/racehost/transactor/checkpoint"
	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/sessionmanager"
	"github.com/racehost/transactor/transport"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	sessions    *sessionmanager.SessionManager
	checkpoints checkpoint.Store
	chain       string // default chain when attach_game omits one
}

// NewHandler creates an RPC Handler.
func NewHandler(sessions *sessionmanager.SessionManager, checkpoints checkpoint.Store, chain string) *Handler {
	return &Handler{sessions: sessions, checkpoints: checkpoints, chain: chain}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "attach_game":
		return h.attachGame(req)

	case "submit_event":
		return h.submitEvent(req)

	case "exit_game":
		return h.exitGame(req)

	case "get_checkpoint":
		return h.getCheckpoint(req)

	case "stop_game":
		return h.stopGame(req)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) attachGame(req Request) Response {
	var params struct {
		GameAddr          string `json:"game_addr"`
		BundleAddr        string `json:"bundle_addr"`
		Chain             string `json:"chain,omitempty"`
		Mode              string `json:"mode,omitempty"`
		InitSettleVersion uint64 `json:"init_settle_version,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if params.GameAddr == "" || params.BundleAddr == "" {
		return errResponse(req.ID, CodeInvalidParams, "game_addr and bundle_addr are required")
	}

	chain := params.Chain
	if chain == "" {
		chain = h.chain
	}
	t, err := transport.Get(chain)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}

	mode := sessionmanager.ModeTransactor
	if params.Mode == string(sessionmanager.ModeValidator) {
		mode = sessionmanager.ModeValidator
	}

	if _, err := h.sessions.Start(context.Background(), t, params.GameAddr, params.BundleAddr, mode, params.InitSettleVersion); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"game_addr": params.GameAddr, "mode": string(mode)})
}

func (h *Handler) submitEvent(req Request) Response {
	var params struct {
		GameAddr string `json:"game_addr"`
		Sender   string `json:"sender"`
		Raw      string `json:"raw"` // base64-encoded handler payload
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if params.GameAddr == "" || params.Sender == "" {
		return errResponse(req.ID, CodeInvalidParams, "game_addr and sender are required")
	}
	raw, err := base64.StdEncoding.DecodeString(params.Raw)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, "raw: "+err.Error())
	}

	if err := h.sessions.SubmitEvent(params.GameAddr, gamectx.NewCustomEvent(params.Sender, raw)); err != nil {
		return submitErrResponse(req.ID, err)
	}
	return okResponse(req.ID, "ok")
}

func (h *Handler) exitGame(req Request) Response {
	var params struct {
		GameAddr string `json:"game_addr"`
		PlayerID uint64 `json:"player_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if params.GameAddr == "" {
		return errResponse(req.ID, CodeInvalidParams, "game_addr is required")
	}

	ev := gamectx.Event{Kind: gamectx.EventLeave, Leave: &gamectx.LeaveEvent{PlayerID: params.PlayerID}}
	if err := h.sessions.SubmitEvent(params.GameAddr, ev); err != nil {
		return submitErrResponse(req.ID, err)
	}
	return okResponse(req.ID, "ok")
}

func (h *Handler) getCheckpoint(req Request) Response {
	var params struct {
		GameAddr      string `json:"game_addr"`
		GameID        uint64 `json:"game_id"`
		SettleVersion uint64 `json:"settle_version,omitempty"` // 0 → latest
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if params.GameAddr == "" {
		return errResponse(req.ID, CodeInvalidParams, "game_addr is required")
	}

	var (
		cp    checkpoint.Checkpoint
		found bool
		err   error
	)
	if params.SettleVersion > 0 {
		cp, found, err = h.checkpoints.LoadAtOrBelow(context.Background(), params.GameAddr, params.GameID, params.SettleVersion)
	} else {
		cp, found, err = h.checkpoints.Load(context.Background(), params.GameAddr, params.GameID)
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if !found {
		return errResponse(req.ID, CodeInternalError, fmt.Sprintf("no checkpoint for game %s/%d", params.GameAddr, params.GameID))
	}

	return okResponse(req.ID, map[string]any{
		"settle_version": cp.SettleVersion,
		"access_version": cp.AccessVersion,
		"digest":         fmt.Sprintf("%x", cp.Digest),
		"state":          base64.StdEncoding.EncodeToString(cp.StateBytes),
	})
}

func (h *Handler) stopGame(req Request) Response {
	var params struct {
		GameAddr string `json:"game_addr"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if err := h.sessions.Stop(params.GameAddr); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, "ok")
}

// submitErrResponse maps a SubmitEvent failure to the right JSON-RPC code:
// an unknown game_addr is the caller's mistake, anything else is ours.
func submitErrResponse(id any, err error) Response {
	if errors.Is(err, errkind.Protocol) {
		return errResponse(id, CodeInvalidParams, err.Error())
	}
	return errResponse(id, CodeInternalError, err.Error())
}
