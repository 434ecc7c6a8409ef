package server

import (
	"context"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/log"
	"github.com/agentctl/agentctl/pkg/protocol"
)

// handlerFunc serves one request. A nil reply with nil error means the
// handler wrote its own frames (streaming).
type handlerFunc func(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error)

type handlerEntry struct {
	// open handlers run before authentication; everything else requires a
	// successful auth frame first.
	open bool
	fn   handlerFunc
}

// router holds the closed dispatch table. Unknown types get an error reply
// and the connection stays up.
type router struct {
	deps  Deps
	table map[protocol.MessageType]handlerEntry
}

func newRouter(deps Deps) *router {
	r := &router{deps: deps}
	r.table = map[protocol.MessageType]handlerEntry{
		protocol.TypeAuth: {open: true, fn: r.handleAuth},
		protocol.TypePing: {open: true, fn: r.handlePing},

		protocol.TypeConfigReload: {fn: r.handleConfigReload},
		protocol.TypeConfigSet:    {fn: r.handleConfigSet},
		protocol.TypeConfigGet:    {fn: r.handleConfigGet},

		protocol.TypeSendMessage:     {fn: r.handleSendMessage},
		protocol.TypeReadMessages:    {fn: r.handleReadMessages},
		protocol.TypeCountUnread:     {fn: r.handleCountUnread},
		protocol.TypeArchiveMessages: {fn: r.handleArchiveMessages},
		protocol.TypeListAccounts:    {fn: r.handleListAccounts},

		protocol.TypeHandoffTask:           {fn: r.handleHandoffTask},
		protocol.TypeHandoffAccept:         {fn: r.handleHandoffAccept},
		protocol.TypeReauthorizeDelegation: {fn: r.handleReauthorizeDelegation},
		protocol.TypeUpdateTaskStatus:      {fn: r.handleUpdateTaskStatus},
		protocol.TypeReportProgress:        {fn: r.handleReportProgress},

		protocol.TypeSuggestAssignee:     {fn: r.handleSuggestAssignee},
		protocol.TypeAdaptiveSLACheck:    {fn: r.handleAdaptiveSLACheck},
		protocol.TypeGetTrust:            {fn: r.handleGetTrust},
		protocol.TypeReinstateAgent:      {fn: r.handleReinstateAgent},
		protocol.TypeCheckCircuitBreaker: {fn: r.handleCheckCircuitBreaker},

		protocol.TypePrepareWorktreeForHandoff: {fn: r.handlePrepareWorktree},
		protocol.TypeGetWorkspaceStatus:        {fn: r.handleWorkspaceStatus},
		protocol.TypeCleanupWorkspace:          {fn: r.handleCleanupWorkspace},

		protocol.TypeCouncilAnalyze:    {fn: r.handleCouncilAnalyze},
		protocol.TypeCouncilDiscussion: {fn: r.handleCouncilDiscussion},
		protocol.TypeCouncilVerify:     {fn: r.handleCouncilVerify},
		protocol.TypeCouncilHistory:    {fn: r.handleCouncilHistory},

		protocol.TypeTriggerWorkflow: {fn: r.handleTriggerWorkflow},
		protocol.TypeCancelWorkflow:  {fn: r.handleCancelWorkflow},
		protocol.TypeRetroReview:     {fn: r.handleRetroReview},
		protocol.TypeRetroDocument:   {fn: r.handleRetroDocument},
		protocol.TypeRetroStatus:     {fn: r.handleRetroStatus},

		protocol.TypeCollabCreate:     {fn: r.handleCollabCreate},
		protocol.TypeCollabJoin:       {fn: r.handleCollabJoin},
		protocol.TypeCollabUpdate:     {fn: r.handleCollabUpdate},
		protocol.TypeCollabGetUpdates: {fn: r.handleCollabGetUpdates},
		protocol.TypeCollabPing:       {fn: r.handleCollabPing},
		protocol.TypeCollabEnd:        {fn: r.handleCollabEnd},

		protocol.TypeSessionName:     {fn: r.handleSessionName},
		protocol.TypeListSessions:    {fn: r.handleListSessions},
		protocol.TypeSearchSessions:  {fn: r.handleSearchSessions},
		protocol.TypeRecentEvents:    {fn: r.handleRecentEvents},
		protocol.TypeSubscribeEvents: {fn: r.handleSubscribeEvents},
		protocol.TypeDaemonStatus:    {fn: r.handleDaemonStatus},
	}
	return r
}

// dispatch routes one decoded request. A panicking handler is contained to
// its request: the client sees an internal error and the connection lives on.
func (r *router) dispatch(ctx context.Context, c *conn, req *protocol.Request) (reply *protocol.Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			logger := log.WithConn(c.id)
			logger.Error().
				Str("msg_type", string(req.Type)).
				Any("panic", rec).
				Msg("handler panicked")
			reply = protocol.ErrorReply(req, errdefs.Internalf("internal error handling %s", req.Type))
		}
	}()

	entry, ok := r.table[req.Type]
	if !ok {
		return protocol.ErrorReply(req, errdefs.Validationf("unknown message type %q", req.Type))
	}
	if !entry.open && !c.authed {
		return protocol.ErrorReply(req, errdefs.Authf("authenticate before sending %s", req.Type))
	}
	result, err := entry.fn(ctx, c, req)
	if err != nil {
		return protocol.ErrorReply(req, err)
	}
	return result
}
