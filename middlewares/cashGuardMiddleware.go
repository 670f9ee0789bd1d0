package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/cashregister_backend/models"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
	"github.com/gin-gonic/gin"
)

// Paths a cashier must always reach, open session or not.
var guardExemptPrefixes = []string{
	"/api/login",
	"/api/logout",
	"/api/sessions/open",
	"/api/sessions/current",
	"/api/settings",
	"/api/calc",
	"/healthz",
	"/readyz",
	"/pubsub",
}

// CashGuardMiddleware blocks the tenant's protected POS path until the
// requesting user has an open cash session. The protected path prefix comes
// from the tenant's settings; an empty prefix disables the guard.
func CashGuardMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok || businessId == "" {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		for _, prefix := range guardExemptPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		settings, err := models.GetCashRegisterSettings(ctx, businessId)
		if err != nil {
			c.Next()
			return
		}
		if !utils.DereferencePtr(settings.Enabled, false) ||
			settings.ProtectedPosUrl == "" ||
			!strings.HasPrefix(path, settings.ProtectedPosUrl) {
			c.Next()
			return
		}

		userId, ok := utils.GetUserIdFromContext(ctx)
		if !ok {
			c.Next()
			return
		}
		session, err := models.GetCurrentSession(ctx, businessId, userId)
		if err == nil && session == nil {
			c.JSON(http.StatusConflict, gin.H{
				"error": "no open cash session",
				"hint":  "open a cash session before using the POS",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
