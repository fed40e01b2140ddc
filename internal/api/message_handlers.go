package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"securechat-backend/internal/models"
	"securechat-backend/internal/services"
)

// SendMessage encrypts the caller's plaintext under the conversation's
// session key, appends the envelope to the ledger and pushes it to the
// receiver if connected. The push is best-effort and never delays the
// acknowledgment.
func SendMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")

	var req struct {
		Content        string `json:"content" binding:"required"`
		Kind           string `json:"kind"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}

	kind := models.MessageKind(req.Kind)
	if req.Kind == "" {
		kind = models.MessageKindText
	}
	if !models.ValidMessageKind(kind) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Unknown message kind: " + req.Kind,
		})
		return
	}

	decision, err := guard(c).Authorize(userID, conversationID, services.OpSendMessage)
	if err != nil {
		respondError(c, err)
		return
	}
	if !decision.Allowed {
		respondError(c, decision.Err())
		return
	}

	session, err := sessions(c).GetSession(conversationID)
	if err != nil {
		respondError(c, err)
		return
	}

	credential, err := auth(c).KeyCredential(userID)
	if err != nil {
		respondError(c, err)
		return
	}

	sessionKey, err := sessions(c).UnwrapSessionKey(session, userID, credential)
	if err != nil {
		respondError(c, err)
		return
	}

	ciphertext, nonce, digest, err := codec(c).Encode(sessionKey, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	envelope := &models.MessageEnvelope{
		ConversationID: conversationID,
		SenderID:       userID,
		ReceiverID:     session.PeerOf(userID),
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		Digest:         digest,
		KeyVersion:     wrapVersionFor(session, userID),
		Kind:           kind,
	}
	if req.IdempotencyKey != "" {
		envelope.IdempotencyKey = &req.IdempotencyKey
	}

	seq, err := ledger(c).Append(envelope)
	if err != nil {
		respondError(c, err)
		return
	}

	delivery(c).PushEnvelope(envelope)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"id":        envelope.ID,
			"seq":       seq,
			"createdAt": envelope.CreatedAt,
		},
	})
}

// GetMessages returns decrypted messages for the conversation in seq order.
// An envelope that fails integrity or key checks comes back flagged, not
// omitted, and never blocks its neighbors.
func GetMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")

	afterSeq := int64(0)
	if v := c.Query("afterSeq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Invalid afterSeq",
			})
			return
		}
		afterSeq = parsed
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	decision, err := guard(c).Authorize(userID, conversationID, services.OpGetMessages)
	if err != nil {
		respondError(c, err)
		return
	}
	if !decision.Allowed {
		respondError(c, decision.Err())
		return
	}

	session, err := sessions(c).GetSession(conversationID)
	if err != nil {
		respondError(c, err)
		return
	}

	credential, err := auth(c).KeyCredential(userID)
	if err != nil {
		respondError(c, err)
		return
	}

	sessionKey, err := sessions(c).UnwrapSessionKey(session, userID, credential)
	if err != nil {
		respondError(c, err)
		return
	}

	envelopes, err := ledger(c).ReadSince(conversationID, afterSeq, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	messages := make([]*models.DecryptedMessage, 0, len(envelopes))
	for _, envelope := range envelopes {
		message := &models.DecryptedMessage{
			ID:             envelope.ID,
			ConversationID: envelope.ConversationID,
			Seq:            envelope.Seq,
			SenderID:       envelope.SenderID,
			ReceiverID:     envelope.ReceiverID,
			Kind:           envelope.Kind,
			IsRead:         envelope.IsRead,
			CreatedAt:      envelope.CreatedAt,
		}

		content, err := codec(c).Decode(sessionKey, envelope.Ciphertext, envelope.Nonce, envelope.Digest)
		if err != nil {
			message.Failed = true
			message.FailReason = err.Error()
		} else {
			message.Content = content
		}
		messages = append(messages, message)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    messages,
	})
}

// MarkRead flips the unread envelopes addressed to the caller and emits a
// read receipt to the peer. Safe to repeat; a second call affects nothing.
func MarkRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")

	decision, err := guard(c).Authorize(userID, conversationID, services.OpMarkRead)
	if err != nil {
		respondError(c, err)
		return
	}
	if !decision.Allowed {
		respondError(c, decision.Err())
		return
	}

	count, err := ledger(c).MarkRead(conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	if count > 0 {
		delivery(c).NotifyReadReceipt(conversationID, userID)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"markedRead": count,
		},
	})
}

// GetUnreadCount reports how many envelopes addressed to the caller are
// still unread in the conversation.
func GetUnreadCount(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")

	decision, err := guard(c).Authorize(userID, conversationID, services.OpUnreadCount)
	if err != nil {
		respondError(c, err)
		return
	}
	if !decision.Allowed {
		respondError(c, decision.Err())
		return
	}

	count, err := ledger(c).UnreadCount(conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"unreadCount": count,
		},
	})
}

// wrapVersionFor returns the key version the session key was wrapped under
// for the given participant.
func wrapVersionFor(session *models.ConversationSession, principalID string) int {
	for _, wrapped := range session.WrappedKeys {
		if wrapped.PrincipalID == principalID {
			return wrapped.KeyVersion
		}
	}
	return 0
}
