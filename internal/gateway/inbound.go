package gateway

import (
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/wagateway/internal/activity"
	"github.com/memohai/wagateway/internal/router"
)

const previewLimit = 50

// handleInbound routes one chat message and sends the engine's reply back
// over the connection that delivered it. Failures are logged, never raised.
func (m *Manager) handleInbound(tc *tenantConn, task inboundTask) {
	msg := task.msg
	if msg.FromMe || isStatusBroadcast(msg.Chat) {
		m.metrics.RecordInbound("ignored")
		return
	}
	text := msg.Body.PlainText()
	if strings.TrimSpace(text) == "" {
		m.metrics.RecordInbound("ignored")
		return
	}
	if tc.seen != nil && msg.ID != "" {
		if seen, _ := tc.seen.ContainsOrAdd(msg.ID, struct{}{}); seen {
			m.metrics.RecordInbound("duplicate")
			tc.logger.Debug("duplicate inbound message", slog.String("message_id", msg.ID))
			return
		}
	}

	sender := SenderFromAddress(msg.Sender)
	if sender == "" {
		sender = SenderFromAddress(msg.Chat)
	}
	m.record(activity.ServiceBot, activity.LevelInfo, "Received message from "+sender+": "+preview(text, previewLimit), map[string]any{
		"tenantId": tc.tenantID,
		"from":     sender,
		"platform": router.PlatformWhatsApp,
	})

	if m.router == nil {
		return
	}
	start := time.Now()
	reply, err := m.router.Route(tc.ctx, router.Request{
		TenantID:  tc.tenantID,
		Sender:    sender,
		Message:   text,
		Platform:  router.PlatformWhatsApp,
		MessageID: msg.ID,
	})
	m.metrics.ObserveRoute(time.Since(start).Seconds())
	if err != nil {
		if tc.ctx.Err() != nil {
			return
		}
		m.metrics.RecordInbound("route_failed")
		tc.logger.Error("route message failed", slog.String("message_id", msg.ID), slog.Any("error", err))
		m.record(activity.ServiceBot, activity.LevelError, "Error processing message", map[string]any{
			"tenantId": tc.tenantID,
			"from":     sender,
			"error":    err.Error(),
		})
		return
	}
	m.metrics.RecordInbound("routed")
	if strings.TrimSpace(reply) == "" || task.client == nil {
		return
	}
	err = task.client.SendText(tc.ctx, msg.Chat, reply)
	m.metrics.RecordOutbound("reply", err)
	if err != nil {
		tc.logger.Error("send reply failed", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
}
