package controller

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailsync/middleware"
	"mailsync/syncer"
	"mailsync/utils"
)

// SyncService is the part of syncer.Service the HTTP layer needs.
type SyncService interface {
	StartOrContinueSync(ctx context.Context, accountID string, continuation bool) (*syncer.StartResult, error)
	GetSyncStatus(ctx context.Context, accountID string) (*syncer.StatusView, error)
	StopSync(ctx context.Context, accountID string) (*syncer.StatusView, error)
	GuardSnapshot(ctx context.Context) []syncer.ProviderHealth
}

type SyncRequest struct {
	AccountID string `json:"accountId" validate:"required,max=64"`
}

type SyncController struct {
	service       SyncService
	logger        *logrus.Entry
	progressEvery time.Duration
}

func NewSyncController(service SyncService) *SyncController {
	return &SyncController{
		service: service,
		logger:  logrus.WithField("component", "sync_controller"),
	}
}

func (sc *SyncController) parseRequest(c *fiber.Ctx) (*SyncRequest, error) {
	var req SyncRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	return &req, nil
}

// StartSync handles POST /sync/start. A continuation token only continues
// the account it was issued for.
func (sc *SyncController) StartSync(c *fiber.Ctx) error {
	req, respErr := sc.parseRequest(c)
	if req == nil {
		return respErr
	}

	continuation := false
	if claims := middleware.ClaimsFrom(c); claims != nil && claims.Continuation {
		if claims.AccountID != req.AccountID {
			return utils.ErrorResponse(c, fiber.StatusForbidden, "Token not valid for this account", nil)
		}
		continuation = true
	}

	res, err := sc.service.StartOrContinueSync(c.UserContext(), req.AccountID, continuation)
	if err != nil {
		return sc.syncError(c, req.AccountID, err)
	}
	if !res.Handled() {
		return c.Status(fiber.StatusConflict).JSON(res)
	}
	return c.Status(fiber.StatusAccepted).JSON(res)
}

// GetSyncStatus handles GET /sync/status?accountId=
func (sc *SyncController) GetSyncStatus(c *fiber.Ctx) error {
	accountID := c.Query("accountId")
	if accountID == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "accountId is required", nil)
	}

	view, err := sc.service.GetSyncStatus(c.UserContext(), accountID)
	if err != nil {
		return sc.syncError(c, accountID, err)
	}
	return c.JSON(view)
}

func (sc *SyncController) StopSync(c *fiber.Ctx) error {
	req, respErr := sc.parseRequest(c)
	if req == nil {
		return respErr
	}

	view, err := sc.service.StopSync(c.UserContext(), req.AccountID)
	if err != nil {
		return sc.syncError(c, req.AccountID, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Stop requested",
		"status":  view,
	})
}

func (sc *SyncController) GuardStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"providers": sc.service.GuardSnapshot(c.UserContext()),
	})
}

func (sc *SyncController) syncError(c *fiber.Ctx, accountID string, err error) error {
	var se *syncer.SyncError
	if !errors.As(err, &se) {
		se = syncer.Classify(err)
	}

	switch se.Kind {
	case syncer.KindAccountMissing:
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Account not found", nil)
	case syncer.KindCircuitOpen, syncer.KindRateLimited:
		if se.RetryAfter > 0 {
			c.Set(fiber.HeaderRetryAfter, utils.FormatRetryAfter(se.RetryAfter))
		}
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Provider temporarily unavailable", err)
	case syncer.KindPermanent:
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Account cannot be synced", err)
	}

	sc.logger.WithError(err).WithField("account_id", accountID).Error("Sync request failed")
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Sync request failed", nil)
}
