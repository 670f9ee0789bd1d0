package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
	"bitbucket.org/mmdatafocus/cashregister_backend/models"
	"bitbucket.org/mmdatafocus/cashregister_backend/models/reports"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
	"bitbucket.org/mmdatafocus/cashregister_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound), errors.Is(err, utils.ErrorNoOpenSession):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrorSessionNotOpen):
		return http.StatusConflict
	case errors.Is(err, utils.ErrorInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrCashRegisterDisabled):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

// requireUser loads the authenticated user placed in context by
// SessionMiddleware.
func requireUser(c *gin.Context) (*models.User, bool) {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || username == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	user, err := models.GetUserByUsername(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	return user, true
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		// Tenants can opt in to opening a session on login.
		if info.BusinessId != "" {
			settings, err := models.GetCashRegisterSettings(c.Request.Context(), info.BusinessId)
			if err == nil && utils.DereferencePtr(settings.AutoOpenOnLogin, false) &&
				utils.DereferencePtr(settings.Enabled, false) {
				user, err := models.GetUserByUsername(c.Request.Context(), req.Username)
				if err == nil {
					_, _, err = workflow.OpenSession(c.Request.Context(), logger, info.BusinessId, user, &models.OpenSessionInput{})
					if err != nil {
						config.LogError(logger, "handlers.go", "loginHandler", "auto open", req.Username, err)
					}
				}
			}
		}
		c.JSON(http.StatusOK, info)
	}
}

func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		user, ok := requireUser(c)
		if !ok {
			return
		}

		if user.BusinessId != "" {
			settings, err := models.GetCashRegisterSettings(c.Request.Context(), user.BusinessId)
			if err == nil && utils.DereferencePtr(settings.AutoCloseOnLogout, false) {
				if _, err := workflow.CloseSessionAuto(c.Request.Context(), logger, user.BusinessId, user); err != nil {
					config.LogError(logger, "handlers.go", "logoutHandler", "auto close", user.Username, err)
				}
			}
		}

		if token, ok := utils.GetTokenFromContext(c.Request.Context()); ok && token != "" {
			_ = config.RemoveRedisKey("Token:" + token)
		}
		c.Status(http.StatusNoContent)
	}
}

func openSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		user, ok := requireUser(c)
		if !ok {
			return
		}

		var input models.OpenSessionInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		session, created, err := workflow.OpenSession(c.Request.Context(), logger, user.BusinessId, user, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, gin.H{"session": session, "created": created})
	}
}

func closeSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		user, ok := requireUser(c)
		if !ok {
			return
		}

		var input models.CloseSessionInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		session, err := workflow.CloseSession(c.Request.Context(), logger, user.BusinessId, user, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session":        session,
			"classification": models.ClassifyDifference(*session.Difference),
			"duration":       session.GetDuration(),
		})
	}
}

func currentSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}

		session, err := models.GetCurrentSession(c.Request.Context(), user.BusinessId, user.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if session == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no open cash session"})
			return
		}
		totals, err := models.GetSessionTotals(c.Request.Context(), session)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session":  session,
			"totals":   totals,
			"duration": session.GetDuration(),
		})
	}
}

func listSessionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}

		filter := models.SessionFilter{
			Status: models.SessionStatus(c.Query("status")),
		}
		if v := c.Query("user_id"); v != "" {
			filter.UserId, _ = strconv.Atoi(v)
		}
		if v := c.Query("register_id"); v != "" {
			filter.RegisterId, _ = strconv.Atoi(v)
		}
		if v := c.Query("from"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				filter.OpenedFrom = &t
			}
		}
		if v := c.Query("to"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				filter.OpenedTo = &t
			}
		}
		filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
		filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

		sessions, total, err := models.PaginateSessions(c.Request.Context(), user.BusinessId, &filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"sessions": sessions,
			"total":    total,
			"page":     filter.Page,
		})
	}
}

func getSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		session, err := models.GetCashSessionById(c.Request.Context(), user.BusinessId, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		totals, err := models.GetSessionTotals(c.Request.Context(), session)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session":  session,
			"totals":   totals,
			"duration": session.GetDuration(),
		})
	}
}

func listSessionMovementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		movements, err := models.ListSessionMovements(c.Request.Context(), user.BusinessId, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"movements": movements})
	}
}

func listSessionCountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		counts, err := models.ListSessionCounts(c.Request.Context(), config.GetDB(), user.BusinessId, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"counts": counts})
	}
}

func updateSessionNotesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		var input struct {
			Notes string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		session, err := models.UpdateSessionNotes(c.Request.Context(), user.BusinessId, id, input.Notes)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": session})
	}
}

func deleteSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		if user.Role == models.UserRoleCashier {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		if err := models.SoftDeleteSession(c.Request.Context(), user.BusinessId, id); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func addMovementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		user, ok := requireUser(c)
		if !ok {
			return
		}

		var input models.NewCashMovement
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		movement, err := workflow.AddMovement(c.Request.Context(), logger, user.BusinessId, user.ID, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"movement": movement})
	}
}

type denominationsRequest struct {
	Denominations models.Denominations `json:"denominations" binding:"required"`
}

func calcDenominationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req denominationsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		total, err := models.CalculateDenominationTotal(req.Denominations)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"total": total.StringFixed(2)})
	}
}

type differenceRequest struct {
	CountedBalance *decimal.Decimal     `json:"counted_balance"`
	Denominations  models.Denominations `json:"denominations"`
}

func calcDifferenceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}

		var req differenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		counted := req.CountedBalance
		if len(req.Denominations) > 0 {
			total, err := models.CalculateDenominationTotal(req.Denominations)
			if err != nil {
				abortWithError(c, err)
				return
			}
			counted = &total
		}
		if counted == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "counted_balance or denominations required"})
			return
		}

		preview, err := workflow.ComputeDifferencePreview(c.Request.Context(), user.BusinessId, user.ID, *counted)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, preview)
	}
}

func getSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		settings, err := models.GetCashRegisterSettings(c.Request.Context(), user.BusinessId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, settings)
	}
}

func updateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		if user.Role == models.UserRoleCashier {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		var input models.CashRegisterSettingsInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if input.DefaultOpeningBalance != nil {
			if _, err := decimal.NewFromString(*input.DefaultOpeningBalance); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid default_opening_balance"})
				return
			}
		}

		settings, err := models.UpdateCashRegisterSettings(c.Request.Context(), user.BusinessId, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, settings)
	}
}

func createRegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		if user.Role == models.UserRoleCashier {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		var input models.NewCashRegister
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		register, err := models.CreateCashRegister(c.Request.Context(), user.BusinessId, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, register)
	}
}

func getRegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid register id"})
			return
		}

		register, err := models.GetCashRegisterById(c.Request.Context(), user.BusinessId, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		inUse, err := register.IsInUse(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"register": register, "in_use": inUse})
	}
}

func listRegistersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		registers, err := models.ListCashRegisters(c.Request.Context(), user.BusinessId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"registers": registers})
	}
}

func reportDateRange(c *gin.Context) (time.Time, time.Time, bool) {
	now := time.Now()
	from := now.AddDate(0, -1, 0)
	to := now
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date"})
			return from, to, false
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date"})
			return from, to, false
		}
		to = t
	}
	return from, to, true
}

func sessionHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		from, to, ok := reportDateRange(c)
		if !ok {
			return
		}

		rows, err := reports.GetSessionHistory(c.Request.Context(), from, to)
		if err != nil {
			abortWithError(c, err)
			return
		}
		summary, err := reports.GetDifferenceSummary(c.Request.Context(), from, to)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": rows, "summary": summary})
	}
}

func sessionHistoryExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		from, to, ok := reportDateRange(c)
		if !ok {
			return
		}

		if err := reports.ExportSessionHistoryExcel(c.Request.Context(), c.Writer, from, to); err != nil {
			abortWithError(c, err)
			return
		}
	}
}

func todaySummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := requireUser(c)
		if !ok {
			return
		}
		summary, err := models.GetTodaySummary(c.Request.Context(), user.BusinessId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}
