package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"card-grading-service/internal/certcode"
	"card-grading-service/internal/intake"
	"card-grading-service/internal/lifecycle"
	"card-grading-service/internal/model"
	"card-grading-service/internal/repository"
	"card-grading-service/internal/service"
)

// statusFor maps a domain error to its HTTP status. incident is true for
// failures an operator has to look at.
func statusFor(err error) (status int, incident bool) {
	switch {
	case errors.Is(err, intake.ErrPartialIntake),
		errors.Is(err, certcode.ErrGenerationExhausted):
		return http.StatusInternalServerError, true
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, false
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, service.ErrConcurrentUpdate),
		errors.Is(err, repository.ErrVersionConflict),
		errors.Is(err, intake.ErrDuplicatePayment):
		return http.StatusConflict, false
	case errors.Is(err, intake.ErrAmountMismatch):
		return http.StatusUnprocessableEntity, false
	case errors.Is(err, intake.ErrInvalidOrder),
		errors.Is(err, lifecycle.ErrIncompleteGrading),
		errors.Is(err, lifecycle.ErrGraderRequired),
		errors.Is(err, lifecycle.ErrInvalidCode),
		errors.Is(err, service.ErrInvalidCertificate),
		errors.Is(err, model.ErrInvalidRecord):
		return http.StatusBadRequest, false
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, false
	}
	return http.StatusInternalServerError, false
}

func (ctl *GradingController) fail(c *gin.Context, err error) {
	status, incident := statusFor(err)
	_ = c.Error(err)

	switch {
	case incident:
		ctl.logger.Error("operational incident",
			zap.String("route", c.FullPath()),
			zap.String("record_id", c.Param("id")),
			zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error(), "incident": true})
	case status == http.StatusInternalServerError:
		ctl.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
	default:
		body := gin.H{"error": err.Error()}
		var ite *lifecycle.IllegalTransitionError
		if errors.As(err, &ite) {
			body["from"] = ite.From
			body["to"] = ite.To
		}
		var mm *intake.AmountMismatchError
		if errors.As(err, &mm) {
			body["expected"] = mm.Expected
			body["paid"] = mm.Paid
		}
		c.JSON(status, body)
	}
}
