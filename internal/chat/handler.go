// Package chat exposes the token-gated message settlement endpoint.
//
// One turn walks a fixed state machine: authenticate, validate, spend a
// heart atomically, call the completion provider, persist the reply.
// When the provider fails after the spend, a compensating credit is
// issued and the outcome recorded. Each terminal state responds exactly
// once; there are no retries here. A client retry is a new turn.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avelou/heartline/internal/audit"
	"github.com/avelou/heartline/internal/completion"
	"github.com/avelou/heartline/internal/ledger"
	"github.com/avelou/heartline/internal/metrics"
	"github.com/avelou/heartline/internal/token"
	"github.com/avelou/heartline/internal/traces"
)

// assistantSender identifies the persona side in persisted messages.
const assistantSender = "assistant"

// rejectedBody is the exact 429 payload. It deliberately does not say
// whether the user was rate-limited or out of hearts.
var rejectedBody = gin.H{"error": "Too fast or No hearts!"}

// Completer produces a reply from a system instruction and history.
type Completer interface {
	Complete(ctx context.Context, system string, history []completion.ChatMessage) (*completion.Result, error)
}

// Handler provides the chat HTTP endpoints.
type Handler struct {
	ledger       *ledger.Ledger
	completer    Completer
	audit        *audit.Logger
	persona      string
	historyLimit int
	logger       *slog.Logger
}

// NewHandler creates a chat handler.
func NewHandler(l *ledger.Ledger, c Completer, a *audit.Logger, persona string, historyLimit int, logger *slog.Logger) *Handler {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &Handler{
		ledger:       l,
		completer:    c,
		audit:        a,
		persona:      persona,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// RegisterRoutes sets up chat routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chat/message", h.PostMessage)
	r.GET("/chats/:chatId/messages", h.GetHistory)
	r.GET("/me", h.GetMe)
}

// PostMessage handles POST /v1/chat/message
func (h *Handler) PostMessage(c *gin.Context) {
	start := time.Now()
	userID := token.UserID(c)

	body, chatID, reason := validateRequest(c)
	if reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   reason,
			"message": reasonMessage(reason),
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "chat.turn",
		traces.UserID(userID), traces.ChatID(chatID))
	defer span.End()

	// Spend: one conditional update decides rate limit, balance, and
	// the race, and records the user message with the deduction.
	receipt, err := h.ledger.SpendTurn(ctx, userID, chatID, body)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrUserNotFound):
			span.SetAttributes(traces.Outcome("user_not_found"))
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "user_not_found",
				"message": "No profile found for this account.",
			})
		case errors.Is(err, ledger.ErrTurnRejected):
			span.SetAttributes(traces.Outcome("rejected"))
			metrics.TurnsTotal.WithLabelValues("rejected").Inc()
			h.audit.Record(ctx, userID, audit.ActionAtomicUpdateFailed, map[string]any{
				"reason": "RateLimitOrZeroBalance",
				"chatId": chatID,
			})
			c.JSON(http.StatusTooManyRequests, rejectedBody)
		default:
			h.logger.Error("ledger spend failed", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Something went wrong. Please try again.",
			})
		}
		return
	}

	// The turn is paid for. Any failure from here on must not undo the
	// user message; it triggers compensation instead.
	result, err := h.complete(ctx, chatID, receipt)
	if err != nil {
		h.compensate(ctx, c, userID, chatID, err)
		span.SetAttributes(traces.Outcome("provider_failed"))
		return
	}

	aiMsg, err := h.ledger.RecordReply(ctx, chatID, assistantSender, result.Reply)
	if err != nil {
		// The user paid for a reply that cannot be shown; same
		// compensation path as a provider failure.
		h.compensate(ctx, c, userID, chatID, err)
		span.SetAttributes(traces.Outcome("provider_failed"))
		return
	}

	span.SetAttributes(traces.Outcome("accepted"), traces.Model(result.Model))
	metrics.TurnsTotal.WithLabelValues("accepted").Inc()
	h.audit.Record(ctx, userID, audit.ActionChatTurn, map[string]any{
		"latencyMs": time.Since(start).Milliseconds(),
		"model":     result.Model,
		"chatId":    chatID,
	})

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"userMessage":     receipt.Message,
		"aiMessage":       aiMsg,
		"heartsRemaining": receipt.HeartsRemaining,
		"streak":          receipt.Streak,
	})
}

// complete gathers context and calls the provider.
func (h *Handler) complete(ctx context.Context, chatID string, receipt *ledger.Receipt) (*completion.Result, error) {
	history, err := h.ledger.History(ctx, chatID, h.historyLimit)
	if err != nil {
		return nil, err
	}

	msgs := make([]completion.ChatMessage, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Role == ledger.RoleAssistant {
			role = "assistant"
		}
		msgs = append(msgs, completion.ChatMessage{Role: role, Content: m.Body})
	}

	system := completion.SystemPrompt(h.persona, receipt.DisplayName, receipt.Streak)

	timer := time.Now()
	result, err := h.completer.Complete(ctx, system, msgs)
	metrics.CompletionDuration.Observe(time.Since(timer).Seconds())
	return result, err
}

// compensate credits the heart back after a post-spend failure and
// answers with a generic 500. The user never sees provider error text.
func (h *Handler) compensate(ctx context.Context, c *gin.Context, userID, chatID string, cause error) {
	metrics.TurnsTotal.WithLabelValues("provider_failed").Inc()
	h.logger.Warn("completion failed after spend, refunding",
		"user_id", userID, "chat_id", chatID, "error", cause)

	applied, err := h.ledger.RefundTurn(ctx, userID)
	switch {
	case err != nil || !applied:
		// The user paid and received nothing, and the credit did not
		// apply. This must surface in the audit log for out-of-band
		// reconciliation, never be silently swallowed.
		metrics.RefundsTotal.WithLabelValues("critical").Inc()
		details := map[string]any{
			"error":  cause.Error(),
			"chatId": chatID,
		}
		if err != nil {
			details["refundError"] = err.Error()
		}
		h.audit.Record(ctx, userID, audit.ActionRefundFailedCritical, details)
		h.logger.Error("refund failed after provider error",
			"user_id", userID, "chat_id", chatID, "error", err)
	default:
		metrics.RefundsTotal.WithLabelValues("refunded").Inc()
		h.audit.Record(ctx, userID, audit.ActionRefundSuccess, map[string]any{
			"error":  cause.Error(),
			"chatId": chatID,
		})
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "completion_failed",
		"message": "Your companion couldn't answer right now. You haven't been charged for this message.",
	})
}

// GetMe handles GET /v1/me
func (h *Handler) GetMe(c *gin.Context) {
	profile, err := h.ledger.GetProfile(c.Request.Context(), token.UserID(c))
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "user_not_found",
				"message": "No profile found for this account.",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "profile_error",
			"message": "Failed to load profile.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

// GetHistory handles GET /v1/chats/:chatId/messages
func (h *Handler) GetHistory(c *gin.Context) {
	chatID := c.Param("chatId")
	if !isValidChatID(chatID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   reasonInvalidChatID,
			"message": reasonMessage(reasonInvalidChatID),
		})
		return
	}

	limit := 50
	if l, ok := queryInt(c, "limit"); ok && l > 0 && l <= 200 {
		limit = l
	}

	messages, err := h.ledger.History(c.Request.Context(), chatID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_error",
			"message": "Failed to load messages.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"count":    len(messages),
	})
}
