package rest

import (
	"context"
	"errors"
	"strconv"

	"github.com/AzielCF/az-inbox/connection/domain/session"
	"github.com/AzielCF/az-inbox/connection/domain/tenant"
	pkgError "github.com/AzielCF/az-inbox/pkg/error"
	"github.com/AzielCF/az-inbox/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// SessionService is the supervisor surface exposed over HTTP.
type SessionService interface {
	Snapshot() []session.Info
	Info(id int) (session.Info, error)
	InitSession(ctx context.Context, conn tenant.Connection) error
	StopSession(ctx context.Context, id int, logout bool) error
}

// ConnectionLookup resolves the connection row a session is started for.
type ConnectionLookup interface {
	GetConnection(ctx context.Context, id int) (tenant.Connection, error)
}

type Session struct {
	Service     SessionService
	Connections ConnectionLookup
}

func InitRestSession(app fiber.Router, service SessionService, connections ConnectionLookup) Session {
	handler := Session{Service: service, Connections: connections}

	group := app.Group("/sessions")
	group.Get("/", handler.List)
	group.Get("/:id", handler.Get)
	group.Post("/:id/start", handler.Start)
	group.Delete("/:id", handler.Stop)

	return handler
}

func sessionID(c *fiber.Ctx) (int, error) {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil || id <= 0 {
		return 0, pkgError.ValidationError("session id must be a positive integer")
	}
	return id, nil
}

// errorResponse renders err with the status of a GenericError, or 500.
func errorResponse(c *fiber.Ctx, err error) error {
	res := utils.ResponseData{
		Status:  fiber.StatusInternalServerError,
		Code:    "INTERNAL_SERVER_ERROR",
		Message: err.Error(),
	}
	var generic pkgError.GenericError
	if errors.As(err, &generic) {
		res.Status = generic.StatusCode()
		res.Code = generic.ErrCode()
		res.Message = generic.Error()
	}
	return c.Status(res.Status).JSON(res)
}

func (h *Session) List(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Sessions retrieved",
		Results: h.Service.Snapshot(),
	})
}

func (h *Session) Get(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	info, err := h.Service.Info(id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Session retrieved",
		Results: info,
	})
}

func (h *Session) Start(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	conn, err := h.Connections.GetConnection(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.Service.InitSession(c.UserContext(), conn); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.ResponseData{
		Status:  fiber.StatusAccepted,
		Code:    "SUCCESS",
		Message: "Session starting",
	})
}

func (h *Session) Stop(c *fiber.Ctx) error {
	id, err := sessionID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	logout := c.QueryBool("logout", false)
	if err := h.Service.StopSession(c.UserContext(), id, logout); err != nil {
		return errorResponse(c, err)
	}
	message := "Session stopped"
	if logout {
		message = "Session logged out"
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: message,
	})
}
