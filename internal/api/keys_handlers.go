package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// InitializeKeys generates the caller's first key pair. Fails if the caller
// already has keys; rotation is the only way to get a new version after that.
func InitializeKeys(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	credential, err := auth(c).KeyCredential(userID)
	if err != nil {
		respondError(c, err)
		return
	}

	keyPair, err := keyStore(c).InitializeKeys(userID, credential)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    keyPair,
	})
}

// RotateKeys deactivates the caller's active key pair and issues the next
// version. Existing session keys stay wrapped under the old version and
// remain usable.
func RotateKeys(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	credential, err := auth(c).KeyCredential(userID)
	if err != nil {
		respondError(c, err)
		return
	}

	keyPair, err := keyStore(c).RotateKeys(userID, credential)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    keyPair,
	})
}

// GetPublicKey returns a principal's public key, the active version by
// default or a specific one via ?version=N.
func GetPublicKey(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}

	principalID := c.Param("userId")
	if principalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "User ID required",
		})
		return
	}

	version := 0
	if v := c.Query("version"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Invalid key version",
			})
			return
		}
		version = parsed
	}

	keyPair, err := keyStore(c).GetPublicKey(principalID, version)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    keyPair,
	})
}
