package management

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dutyassign/internal/roster"
	"dutyassign/pkg/errors"
)

// ListUsers godoc
// @Summary      List users
// @Tags         users
// @Produce      json
// @Param        active  query     bool  false  "Only active users"
// @Success      200     {array}   roster.User
// @Router       /users [get]
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.roster.ListUsers(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// GetUser godoc
// @Summary      Get a user
// @Tags         users
// @Produce      json
// @Param        id   path      int  true  "User ID"
// @Success      200  {object}  roster.User
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /users/{id} [get]
func (h *Handler) GetUser(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	user, err := h.roster.GetUser(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if user == nil {
		h.HandleError(c, errors.ErrNotFound.WithDetail("id", id))
		return
	}
	c.JSON(http.StatusOK, user)
}

// SetUserActive godoc
// @Summary      Activate or deactivate a user
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        id    path      int                   true  "User ID"
// @Param        body  body      SetUserActiveRequest  true  "Active flag"
// @Success      200   {object}  roster.User
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /users/{id} [patch]
func (h *Handler) SetUserActive(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req SetUserActiveRequest
	if !h.bind(c, &req) {
		return
	}
	user, err := h.roster.SetUserActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// SyncUsers godoc
// @Summary      Synchronize users from the CRM
// @Tags         users
// @Produce      json
// @Success      200  {object}  roster.SyncResult
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /users/sync [post]
func (h *Handler) SyncUsers(c *gin.Context) {
	if h.directory == nil {
		h.HandleError(c, errors.ErrServiceUnavailable.WithDetail("message", "crm is not configured"))
		return
	}

	crmUsers, err := h.directory.ListUsers(c.Request.Context())
	if err != nil {
		h.HandleError(c, errors.ErrServiceUnavailable.WithCause(err).WithDetail("message", "failed to fetch users from crm"))
		return
	}

	users := make([]roster.User, 0, len(crmUsers))
	for _, u := range crmUsers {
		users = append(users, roster.User{
			ID:       u.ID,
			Name:     u.Name,
			LastName: u.LastName,
			Email:    u.Email,
			Active:   u.Active,
		})
	}

	result, err := h.roster.SyncUsers(c.Request.Context(), users)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListDefaultUsers godoc
// @Summary      List the default rotation
// @Tags         default-users
// @Produce      json
// @Success      200  {array}  roster.DefaultUser
// @Router       /default-users [get]
func (h *Handler) ListDefaultUsers(c *gin.Context) {
	defaults, err := h.roster.ListDefaultUsers(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, defaults)
}

// AddDefaultUser godoc
// @Summary      Add a user to the default rotation
// @Tags         default-users
// @Accept       json
// @Produce      json
// @Param        body  body      AddDefaultUserRequest  true  "User and optional position"
// @Success      201   {object}  roster.DefaultUser
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      409   {object}  errors.ErrorResponse
// @Router       /default-users [post]
func (h *Handler) AddDefaultUser(c *gin.Context) {
	var req AddDefaultUserRequest
	if !h.bind(c, &req) {
		return
	}
	d, err := h.roster.AddDefaultUser(c.Request.Context(), req.UserID, req.Position)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// RemoveDefaultUser godoc
// @Summary      Remove a user from the default rotation
// @Tags         default-users
// @Param        user_id  path  int  true  "User ID"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /default-users/{user_id} [delete]
func (h *Handler) RemoveDefaultUser(c *gin.Context) {
	userID, ok := h.pathID(c, "user_id")
	if !ok {
		return
	}
	if err := h.roster.RemoveDefaultUser(c.Request.Context(), userID); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReorderDefaultUsers godoc
// @Summary      Reorder the default rotation
// @Tags         default-users
// @Accept       json
// @Produce      json
// @Param        body  body      ReorderDefaultUsersRequest  true  "Every default user id in the new order"
// @Success      200   {array}   roster.DefaultUser
// @Failure      400   {object}  errors.ErrorResponse
// @Router       /default-users/order [put]
func (h *Handler) ReorderDefaultUsers(c *gin.Context) {
	var req ReorderDefaultUsersRequest
	if !h.bind(c, &req) {
		return
	}
	defaults, err := h.roster.ReorderDefaultUsers(c.Request.Context(), req.UserIDs)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, defaults)
}

// GetSchedule godoc
// @Summary      Get the duty schedule for a date range
// @Tags         schedule
// @Produce      json
// @Param        from  query     string  true  "First date (YYYY-MM-DD)"
// @Param        to    query     string  true  "Last date (YYYY-MM-DD)"
// @Success      200   {array}   roster.Day
// @Failure      400   {object}  errors.ErrorResponse
// @Router       /schedule [get]
func (h *Handler) GetSchedule(c *gin.Context) {
	days, err := h.roster.Schedule(c.Request.Context(), c.Query("from"), c.Query("to"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, days)
}

// GetDay godoc
// @Summary      Get the duty users for a date
// @Tags         schedule
// @Produce      json
// @Param        date  path      string  true  "Date (YYYY-MM-DD)"
// @Success      200   {object}  roster.Day
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /schedule/{date} [get]
func (h *Handler) GetDay(c *gin.Context) {
	day, err := h.roster.Day(c.Request.Context(), c.Param("date"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, day)
}

// SetDay godoc
// @Summary      Set the duty users for a date
// @Tags         schedule
// @Accept       json
// @Produce      json
// @Param        date  path      string         true  "Date (YYYY-MM-DD)"
// @Param        body  body      SetDayRequest  true  "Users in duty order"
// @Success      200   {object}  roster.Day
// @Failure      400   {object}  errors.ErrorResponse
// @Router       /schedule/{date} [put]
func (h *Handler) SetDay(c *gin.Context) {
	var req SetDayRequest
	if !h.bind(c, &req) {
		return
	}
	day, err := h.roster.SetDay(c.Request.Context(), c.Param("date"), req.UserIDs)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, day)
}

// DeleteDay godoc
// @Summary      Clear the duty users for a date
// @Tags         schedule
// @Param        date  path  string  true  "Date (YYYY-MM-DD)"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /schedule/{date} [delete]
func (h *Handler) DeleteDay(c *gin.Context) {
	if err := h.roster.DeleteDay(c.Request.Context(), c.Param("date")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GenerateMonth godoc
// @Summary      Generate a month of duty from the default rotation
// @Tags         schedule
// @Accept       json
// @Produce      json
// @Param        body  body      GenerateMonthRequest  true  "Year and month"
// @Success      200   {array}   roster.Day
// @Failure      400   {object}  errors.ErrorResponse
// @Router       /schedule/generate [post]
func (h *Handler) GenerateMonth(c *gin.Context) {
	var req GenerateMonthRequest
	if !h.bind(c, &req) {
		return
	}
	days, err := h.roster.GenerateMonth(c.Request.Context(), req.Year, req.Month)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, days)
}
