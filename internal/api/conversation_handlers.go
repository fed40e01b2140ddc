package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"securechat-backend/internal/models"
	"securechat-backend/internal/services"
)

// CreateConversation establishes (or returns) the session between the
// caller and another principal. Calling it twice, or from either side,
// yields the same conversation.
func CreateConversation(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req struct {
		ParticipantID string `json:"participantId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}

	session, err := sessions(c).CreateOrGetSession(userID, req.ParticipantID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    sessionView(session, userID),
	})
}

// ListConversations returns all active sessions the caller participates in.
func ListConversations(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	list, err := sessions(c).SessionsFor(userID)
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]gin.H, 0, len(list))
	for _, session := range list {
		// SessionsFor returns bare rows; reload to pick up the wrapped keys.
		full, err := sessions(c).GetSession(session.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		views = append(views, sessionView(full, userID))
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    views,
	})
}

// GetConversation returns one session the caller participates in.
func GetConversation(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")

	// The view hands back the caller's wrapped session key, so this is the
	// unwrap surface, not a message read.
	decision, err := guard(c).Authorize(userID, conversationID, services.OpUnwrapSession)
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

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    sessionView(session, userID),
	})
}

// sessionView shapes a session for one participant: the peer id and only
// the caller's own wrapped key, never the peer's.
func sessionView(session *models.ConversationSession, userID string) gin.H {
	var wrapped *models.WrappedKey
	for i := range session.WrappedKeys {
		if session.WrappedKeys[i].PrincipalID == userID {
			wrapped = &session.WrappedKeys[i]
			break
		}
	}

	return gin.H{
		"id":         session.ID,
		"peerId":     session.PeerOf(userID),
		"isActive":   session.IsActive,
		"createdAt":  session.CreatedAt,
		"lastUsed":   session.LastUsed,
		"wrappedKey": wrapped,
	}
}
