package server

import (
	"context"
	"crypto/subtle"
	"os"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/log"
	"github.com/agentctl/agentctl/pkg/protocol"
	"github.com/agentctl/agentctl/pkg/types"
)

// handleAuth checks the first-frame credentials against the account's token
// file. Failure leaves the connection open but unauthenticated.
func (r *router) handleAuth(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		Account string `json:"account"`
		Token   string `json:"token"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Account == "" || p.Token == "" {
		return nil, errdefs.Validationf("auth needs an account and a token")
	}
	want, err := r.deps.Layout.ReadToken(p.Account)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Authf("unknown account %s", p.Account)
		}
		return nil, errdefs.Internalf("read token for %s: %v", p.Account, err)
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(p.Token)) != 1 {
		return nil, errdefs.Authf("invalid token for %s", p.Account)
	}
	c.account = p.Account
	c.authed = true
	logger := log.WithConn(c.id)
	logger.Info().Str("account", p.Account).Msg("authenticated")
	return protocol.Typed(req, "auth_ok", map[string]any{"account": p.Account}), nil
}

func (r *router) handlePing(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	return protocol.Typed(req, "pong", map[string]any{"ts": types.Timestamp(time.Now())}), nil
}

func (r *router) handleConfigReload(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	if _, err := r.deps.Config.Reload(); err != nil {
		return nil, errdefs.Validationf("reload config: %v", err)
	}
	logger := log.WithComponent("server")
	logger.Info().Msg("configuration reloaded")
	return protocol.Result(req, map[string]any{"reloaded": true}), nil
}

func (r *router) handleConfigSet(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, errdefs.Validationf("config_set needs a key")
	}
	if err := r.deps.Config.Set(p.Key, p.Value); err != nil {
		return nil, errdefs.Validationf("%v", err)
	}
	return protocol.Result(req, map[string]any{"key": p.Key, "value": p.Value}), nil
}

func (r *router) handleConfigGet(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		Key string `json:"key"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, errdefs.Validationf("config_get needs a key")
	}
	value, err := r.deps.Config.Get(p.Key)
	if err != nil {
		return nil, errdefs.NotFoundf("%v", err)
	}
	return protocol.Result(req, map[string]any{"key": p.Key, "value": value}), nil
}

func (r *router) handleSendMessage(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		To        string `json:"to"`
		Type      string `json:"message_type"`
		Content   string `json:"content"`
		DedupeKey string `json:"dedupe_key"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.To == "" || p.Content == "" {
		return nil, errdefs.Validationf("send_message needs a recipient and content")
	}
	msg, stored, err := r.deps.Stores.Messages.Send(ctx, types.Message{
		From:      c.account,
		To:        p.To,
		Type:      p.Type,
		Content:   p.Content,
		DedupeKey: p.DedupeKey,
	})
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"message": msg, "stored": stored}), nil
}

func (r *router) handleReadMessages(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		UnreadOnly bool `json:"unread_only"`
		MarkRead   bool `json:"mark_read"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	msgs, err := r.deps.Stores.Messages.Inbox(ctx, c.account, p.UnreadOnly)
	if err != nil {
		return nil, err
	}
	if p.MarkRead {
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		if len(ids) > 0 {
			if err := r.deps.Stores.Messages.MarkRead(ctx, c.account, ids...); err != nil {
				return nil, err
			}
		}
	}
	return protocol.Result(req, map[string]any{"messages": msgs}), nil
}

func (r *router) handleCountUnread(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	n, err := r.deps.Stores.Messages.UnreadCount(ctx, c.account)
	if err != nil {
		return nil, err
	}
	return protocol.Result(req, map[string]any{"unread": n}), nil
}

func (r *router) handleArchiveMessages(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	var p struct {
		IDs []string `json:"ids"`
	}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if len(p.IDs) == 0 {
		return nil, errdefs.Validationf("archive_messages needs at least one id")
	}
	for _, id := range p.IDs {
		if err := r.deps.Stores.Messages.Archive(ctx, c.account, id); err != nil {
			return nil, err
		}
	}
	return protocol.Result(req, map[string]any{"archived": len(p.IDs)}), nil
}

func (r *router) handleListAccounts(ctx context.Context, c *conn, req *protocol.Request) (*protocol.Reply, error) {
	accounts, err := r.deps.Layout.ListAccounts()
	if err != nil {
		return nil, errdefs.Internalf("list accounts: %v", err)
	}
	return protocol.Result(req, map[string]any{"accounts": accounts}), nil
}
