package management

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dutyassign/internal/config"
	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	"dutyassign/pkg/errors"
)

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.WarnwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}

	c.JSON(status, errors.ToErrorResponse(err))
}

// bind decodes the JSON body into req and validates it.
func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err).WithDetail("message", "malformed request body")))
		return false
	}
	if err := h.validator.Struct(req); err != nil {
		h.HandleError(c, err)
		return false
	}
	return true
}

type HandlerDeps struct {
	Roster    Roster
	Directory UserDirectory
	History   History
	Runner    Runner
	Validator *Validator
	Progress  config.AssignmentConfig
	// Location is the civil zone run dates and history windows are read in.
	// Defaults to constants.DefaultTimezone.
	Location *time.Location
}

type Handler struct {
	BaseHandler
	roster    Roster
	directory UserDirectory
	history   History
	runner    Runner
	validator *Validator
	progress  config.AssignmentConfig
	location  *time.Location
}

func NewHandler(service Service, deps HandlerDeps, log logger.Logger) *Handler {
	location := deps.Location
	if location == nil {
		loc, err := time.LoadLocation(constants.DefaultTimezone)
		if err != nil {
			loc = time.UTC
		}
		location = loc
	}
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
		roster:    deps.Roster,
		directory: deps.Directory,
		history:   deps.History,
		runner:    deps.Runner,
		validator: deps.Validator,
		progress:  deps.Progress,
		location:  location,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	v1.Use(RequestorMiddleware())
	{
		rules := v1.Group("/rules")
		{
			rules.GET("", h.ListRules)
			rules.POST("", h.CreateRule)
			rules.GET("/changes", h.GetAllRuleChanges)
			rules.GET("/:id", h.GetRule)
			rules.PUT("/:id", h.UpdateRule)
			rules.DELETE("/:id", h.DeleteRule)
			rules.GET("/:id/users", h.ListRuleUsers)
			rules.POST("/:id/users", h.AddRuleUser)
			rules.DELETE("/:id/users/:user_id", h.RemoveRuleUser)
			rules.GET("/:id/changes", h.GetRuleChanges)
		}

		users := v1.Group("/users")
		{
			users.GET("", h.ListUsers)
			users.POST("/sync", h.SyncUsers)
			users.GET("/:id", h.GetUser)
			users.PATCH("/:id", h.SetUserActive)
		}

		defaults := v1.Group("/default-users")
		{
			defaults.GET("", h.ListDefaultUsers)
			defaults.POST("", h.AddDefaultUser)
			defaults.PUT("/order", h.ReorderDefaultUsers)
			defaults.DELETE("/:user_id", h.RemoveDefaultUser)
		}

		schedule := v1.Group("/schedule")
		{
			schedule.GET("", h.GetSchedule)
			schedule.POST("/generate", h.GenerateMonth)
			schedule.GET("/:date", h.GetDay)
			schedule.PUT("/:date", h.SetDay)
			schedule.DELETE("/:date", h.DeleteDay)
		}

		history := v1.Group("/history")
		{
			history.GET("", h.ListHistory)
			history.GET("/count", h.CountHistory)
		}

		runs := v1.Group("/runs")
		{
			runs.POST("/update-now", h.UpdateNow)
			runs.GET("/count", h.CountChanges)
			runs.GET("/preview", h.PreviewChanges)
		}
	}
}

// ListRules godoc
// @Summary      List assignment rules
// @Description  Get all rules in evaluation order, optionally for one entity type
// @Tags         rules
// @Produce      json
// @Param        entity_type  query     string  false  "deal, contact, company or lead"
// @Success      200          {array}   rules.Spec
// @Failure      400          {object}  errors.ErrorResponse
// @Failure      500          {object}  errors.ErrorResponse
// @Router       /rules [get]
func (h *Handler) ListRules(c *gin.Context) {
	specs, err := h.Service.ListRules(c.Request.Context(), c.Query("entity_type"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, specs)
}

// CreateRule godoc
// @Summary      Create an assignment rule
// @Description  Create a rule; the condition is validated with the engine's parser
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        rule  body      CreateRuleRequest  true  "Rule data"
// @Success      201   {object}  rules.Spec
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      409   {object}  errors.ErrorResponse
// @Failure      500   {object}  errors.ErrorResponse
// @Router       /rules [post]
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	spec, err := h.Service.CreateRule(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, spec)
}

// GetRule godoc
// @Summary      Get an assignment rule
// @Tags         rules
// @Produce      json
// @Param        id   path      int  true  "Rule ID"
// @Success      200  {object}  rules.Spec
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /rules/{id} [get]
func (h *Handler) GetRule(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	spec, err := h.Service.GetRule(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}

// UpdateRule godoc
// @Summary      Update an assignment rule
// @Description  Only the fields present are changed; users, when present, replace the list
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        id    path      int                true  "Rule ID"
// @Param        rule  body      UpdateRuleRequest  true  "Changed fields"
// @Success      200   {object}  rules.Spec
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /rules/{id} [put]
func (h *Handler) UpdateRule(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	spec, err := h.Service.UpdateRule(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}

// DeleteRule godoc
// @Summary      Delete an assignment rule
// @Tags         rules
// @Param        id   path  int  true  "Rule ID"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /rules/{id} [delete]
func (h *Handler) DeleteRule(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	if err := h.Service.DeleteRule(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRuleUsers godoc
// @Summary      List the users of a rule
// @Tags         rules
// @Produce      json
// @Param        id   path      int  true  "Rule ID"
// @Success      200  {array}   rules.RuleUser
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /rules/{id}/users [get]
func (h *Handler) ListRuleUsers(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	spec, err := h.Service.GetRule(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, spec.Users)
}

// AddRuleUser godoc
// @Summary      Add a user to a rule
// @Description  Adding a user that is already assigned updates its weight
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        id    path      int              true  "Rule ID"
// @Param        user  body      RuleUserRequest  true  "User and weight"
// @Success      200   {object}  rules.Spec
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      404   {object}  errors.ErrorResponse
// @Router       /rules/{id}/users [post]
func (h *Handler) AddRuleUser(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req RuleUserRequest
	if !h.bind(c, &req) {
		return
	}

	spec, err := h.Service.AddRuleUser(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}

// RemoveRuleUser godoc
// @Summary      Remove a user from a rule
// @Tags         rules
// @Param        id       path  int  true  "Rule ID"
// @Param        user_id  path  int  true  "User ID"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /rules/{id}/users/{user_id} [delete]
func (h *Handler) RemoveRuleUser(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := h.pathID(c, "user_id")
	if !ok {
		return
	}
	if err := h.Service.RemoveRuleUser(c.Request.Context(), id, userID); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetRuleChanges godoc
// @Summary      Get the change history of a rule
// @Tags         rules
// @Produce      json
// @Param        id     path      int  true   "Rule ID"
// @Param        limit  query     int  false  "Maximum number of changes to return (1-1000)" default(100)
// @Success      200    {array}   RuleChange
// @Failure      500    {object}  errors.ErrorResponse
// @Router       /rules/{id}/changes [get]
func (h *Handler) GetRuleChanges(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	changes, err := h.Service.GetRuleChanges(c.Request.Context(), &id, parseLimit(c.Query("limit")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, changes)
}

// GetAllRuleChanges godoc
// @Summary      Get recent rule changes
// @Tags         rules
// @Produce      json
// @Param        limit  query     int  false  "Maximum number of changes to return (1-1000)" default(100)
// @Success      200    {array}   RuleChange
// @Router       /rules/changes [get]
func (h *Handler) GetAllRuleChanges(c *gin.Context) {
	changes, err := h.Service.GetRuleChanges(c.Request.Context(), nil, parseLimit(c.Query("limit")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, changes)
}

func (h *Handler) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		h.HandleError(c, errors.ErrValidation.WithDetail("message", name+" must be a positive integer"))
		return 0, false
	}
	return id, true
}

func parseLimit(limitStr string) int {
	if limitStr == "" {
		return constants.DefaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 || parsed > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return parsed
}
