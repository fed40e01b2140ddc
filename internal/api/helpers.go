package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"securechat-backend/internal/services"
)

// Context keys under which main injects the service singletons.
const (
	ctxKeyStore = "keyStoreService"
	ctxSessions = "sessionService"
	ctxLedger   = "ledgerService"
	ctxCodec    = "messageCodec"
	ctxGuard    = "accessGuard"
	ctxAuth     = "authService"
	ctxDelivery = "deliveryService"
)

func keyStore(c *gin.Context) *services.KeyStoreService {
	return c.MustGet(ctxKeyStore).(*services.KeyStoreService)
}

func sessions(c *gin.Context) *services.SessionService {
	return c.MustGet(ctxSessions).(*services.SessionService)
}

func ledger(c *gin.Context) *services.LedgerService {
	return c.MustGet(ctxLedger).(*services.LedgerService)
}

func codec(c *gin.Context) *services.MessageCodec {
	return c.MustGet(ctxCodec).(*services.MessageCodec)
}

func guard(c *gin.Context) *services.AccessGuard {
	return c.MustGet(ctxGuard).(*services.AccessGuard)
}

func auth(c *gin.Context) *services.AuthService {
	return c.MustGet(ctxAuth).(*services.AuthService)
}

func delivery(c *gin.Context) *services.DeliveryService {
	return c.MustGet(ctxDelivery).(*services.DeliveryService)
}

// currentUser returns the authenticated principal or writes a 401.
func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString("userID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "User not authenticated",
		})
		return "", false
	}
	return userID, true
}

// respondError maps service errors onto HTTP statuses. Authorization
// denials for conversations the caller is not part of look identical to
// missing conversations on purpose.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, services.ErrNotAParticipant),
		errors.Is(err, services.ErrUnauthorized),
		errors.Is(err, services.ErrSessionInactive):
		status = http.StatusForbidden
	case errors.Is(err, services.ErrKeyNotFound),
		errors.Is(err, services.ErrPrincipalNotFound),
		errors.Is(err, services.ErrConversationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrAlreadyInitialized):
		status = http.StatusConflict
	case errors.Is(err, services.ErrKeyUnavailable),
		errors.Is(err, services.ErrIntegrityViolation):
		status = http.StatusUnprocessableEntity
	}

	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}
