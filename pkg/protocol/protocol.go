package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/agentctl/agentctl/pkg/errdefs"
)

// MessageType identifies one request on the control socket. The set is
// closed; unknown types get an error reply, never a dropped connection.
type MessageType string

const (
	TypeAuth                      MessageType = "auth"
	TypePing                      MessageType = "ping"
	TypeConfigReload              MessageType = "config_reload"
	TypeConfigSet                 MessageType = "config_set"
	TypeConfigGet                 MessageType = "config_get"
	TypeSendMessage               MessageType = "send_message"
	TypeReadMessages              MessageType = "read_messages"
	TypeCountUnread               MessageType = "count_unread"
	TypeArchiveMessages           MessageType = "archive_messages"
	TypeListAccounts              MessageType = "list_accounts"
	TypeHandoffTask               MessageType = "handoff_task"
	TypeHandoffAccept             MessageType = "handoff_accept"
	TypeReauthorizeDelegation     MessageType = "reauthorize_delegation"
	TypeUpdateTaskStatus          MessageType = "update_task_status"
	TypeReportProgress            MessageType = "report_progress"
	TypeSuggestAssignee           MessageType = "suggest_assignee"
	TypeAdaptiveSLACheck          MessageType = "adaptive_sla_check"
	TypeGetTrust                  MessageType = "get_trust"
	TypeReinstateAgent            MessageType = "reinstate_agent"
	TypeCheckCircuitBreaker       MessageType = "check_circuit_breaker"
	TypePrepareWorktreeForHandoff MessageType = "prepare_worktree_for_handoff"
	TypeGetWorkspaceStatus        MessageType = "get_workspace_status"
	TypeCleanupWorkspace          MessageType = "cleanup_workspace"
	TypeCouncilAnalyze            MessageType = "council_analyze"
	TypeCouncilDiscussion         MessageType = "council_discussion"
	TypeCouncilVerify             MessageType = "council_verify"
	TypeCouncilHistory            MessageType = "council_history"
	TypeTriggerWorkflow           MessageType = "trigger_workflow"
	TypeCancelWorkflow            MessageType = "cancel_workflow"
	TypeRetroReview               MessageType = "retro_review"
	TypeRetroDocument             MessageType = "retro_document"
	TypeRetroStatus               MessageType = "retro_status"
	TypeCollabCreate              MessageType = "collab_create"
	TypeCollabJoin                MessageType = "collab_join"
	TypeCollabUpdate              MessageType = "collab_update"
	TypeCollabGetUpdates          MessageType = "collab_get_updates"
	TypeCollabPing                MessageType = "collab_ping"
	TypeCollabEnd                 MessageType = "collab_end"
	TypeSessionName               MessageType = "session_name"
	TypeListSessions              MessageType = "list_sessions"
	TypeSearchSessions            MessageType = "search_sessions"
	TypeRecentEvents              MessageType = "recent_events"
	TypeSubscribeEvents           MessageType = "subscribe_events"
	TypeDaemonStatus              MessageType = "daemon_status"
)

// Request is the envelope every client frame must carry. The remaining
// fields stay raw until the handler for Type decodes them.
type Request struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Reply is the generic success/error envelope. Typed responses embed their
// payload under the result field.
type Reply struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Result    any         `json:"result,omitempty"`
	Error     *WireError  `json:"error,omitempty"`
}

// WireError is the serialized form of an errdefs.Error.
type WireError struct {
	Kind      errdefs.Kind `json:"kind"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

// Result builds a success reply correlated to req.
func Result(req *Request, payload any) *Reply {
	return &Reply{Type: "result", RequestID: req.RequestID, Result: payload}
}

// Typed builds a success reply with a specific reply type, e.g. auth_ok.
func Typed(req *Request, replyType string, payload any) *Reply {
	return &Reply{Type: replyType, RequestID: req.RequestID, Result: payload}
}

// ErrorReply converts err into an error frame correlated to req.
func ErrorReply(req *Request, err error) *Reply {
	he := errdefs.From(err)
	r := &Reply{
		Type:  "error",
		Error: &WireError{Kind: he.Kind, Message: he.Message, Retryable: he.Retryable},
	}
	if req != nil {
		r.RequestID = req.RequestID
	}
	return r
}

// Encode renders one reply as a newline-terminated JSON frame.
func Encode(r *Reply) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errdefs.Internalf("encode reply: %v", err)
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses one complete frame. Malformed JSON and missing type
// fields surface as validation errors that leave the connection open.
func DecodeRequest(line []byte) (*Request, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errdefs.Validationf("empty frame")
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, errdefs.Validationf("invalid JSON frame: %v", err)
	}
	if req.Type == "" {
		return nil, errdefs.Validationf("frame missing type field")
	}
	req.Raw = append(json.RawMessage(nil), line...)
	return &req, nil
}

// Decode unmarshals the request body into a handler's typed arguments.
func (r *Request) Decode(v any) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return errdefs.Validationf("invalid %s payload: %v", r.Type, err)
	}
	return nil
}
