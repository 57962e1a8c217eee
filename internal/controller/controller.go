package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"card-grading-service/internal/dto"
	"card-grading-service/internal/intake"
	"card-grading-service/internal/lifecycle"
	"card-grading-service/internal/middleware"
	"card-grading-service/internal/model"
	"card-grading-service/internal/observability"
	"card-grading-service/internal/pricing"
	"card-grading-service/internal/repository"
	"card-grading-service/internal/service"
)

// OrderCreator is satisfied by *intake.Pipeline.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req intake.Request) (string, error)
}

type GradingController struct {
	Service *service.GradingService
	Intake  OrderCreator
	logger  *zap.Logger
}

func NewGradingController(s *service.GradingService, in OrderCreator, logger *zap.Logger) *GradingController {
	return &GradingController{Service: s, Intake: in, logger: observability.OrNop(logger)}
}

// POST /orders, called by checkout once the payment processor confirmed
func (ctl *GradingController) CreateOrder(c *gin.Context) {
	var req dto.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orderID, err := ctl.Intake.CreateOrder(c.Request.Context(), req.ToIntake())
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.CreateOrderResponse{OrderID: orderID})
}

// GET /pricing/quote?serviceType=&shippingMethod=&cards=
func (ctl *GradingController) Quote(c *gin.Context) {
	st, err := model.ParseServiceType(c.Query("serviceType"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sm, err := model.ParseShippingMethod(c.Query("shippingMethod"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cards, err := strconv.Atoi(c.DefaultQuery("cards", "1"))
	if err != nil || cards < 1 || cards > intake.MaxCardsPerOrder {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cards must be between 1 and " + strconv.Itoa(intake.MaxCardsPerOrder)})
		return
	}

	q, err := pricing.Price(st, cards, sm)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, q)
}

// GET /verify/:code is public and returns no customer data
func (ctl *GradingController) Verify(c *gin.Context) {
	cert, err := ctl.Service.Verify(c.Request.Context(), c.Param("code"))
	if err != nil {
		if status, _ := statusFor(err); status == http.StatusNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such certificate"})
			return
		}
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

// GET /admin/records?status=&orderId=
func (ctl *GradingController) ListRecords(c *gin.Context) {
	var f repository.RecordFilter
	if s := c.Query("status"); s != "" {
		st, err := model.ParseStatus(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Status = st
	}
	f.OrderID = c.Query("orderId")

	recs, err := ctl.Service.ListRecords(c.Request.Context(), f)
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

// GET /admin/records/:id
func (ctl *GradingController) GetRecord(c *gin.Context) {
	rec, err := ctl.Service.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"record":     rec,
		"nextStates": lifecycle.NextStates(rec.Status),
	})
}

// GET /admin/records/:id/history
func (ctl *GradingController) History(c *gin.Context) {
	hist, err := ctl.Service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

type transitionFunc func(ctx context.Context, id string, actor model.Actor, notes string) (model.GradingRecord, error)

func (ctl *GradingController) transition(fn transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req dto.TransitionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		rec, err := fn(c.Request.Context(), c.Param("id"), middleware.Actor(c), req.Notes)
		if err != nil {
			ctl.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// POST /admin/records/:id/accept
func (ctl *GradingController) Accept(c *gin.Context) { ctl.transition(ctl.Service.Accept)(c) }

// POST /admin/records/:id/reject
func (ctl *GradingController) Reject(c *gin.Context) { ctl.transition(ctl.Service.Reject)(c) }

// POST /admin/records/:id/start
func (ctl *GradingController) StartGrading(c *gin.Context) {
	ctl.transition(ctl.Service.StartGrading)(c)
}

// POST /admin/records/:id/complete
func (ctl *GradingController) CompleteGrading(c *gin.Context) {
	var req dto.CompleteGradingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	completion, err := req.ToCompletion()
	if err != nil {
		ctl.fail(c, err)
		return
	}

	rec, err := ctl.Service.CompleteGrading(c.Request.Context(), c.Param("id"), middleware.Actor(c), completion, req.Notes)
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.CompleteGradingResponse{Record: rec, Suggestion: req.Suggestion()})
}

// POST /admin/grading/suggest
func (ctl *GradingController) SuggestGrade(c *gin.Context) {
	var req dto.SuggestGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, lifecycle.SuggestGrade(*req.Centering, *req.Surfaces, *req.Edges, *req.Corners))
}

// GET /admin/records/:id/suggest uses the stored sub-scores
func (ctl *GradingController) SuggestForRecord(c *gin.Context) {
	rec, err := ctl.Service.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctl.fail(c, err)
		return
	}
	d := rec.GradingDetails
	if d == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "record has not been graded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"finalGrade": d.FinalGrade,
		"suggestion": lifecycle.SuggestGrade(d.Centering, d.Surfaces, d.Edges, d.Corners),
	})
}

// GET /admin/orders?paymentReference=
func (ctl *GradingController) ListOrders(c *gin.Context) {
	if ref := c.Query("paymentReference"); ref != "" {
		od, err := ctl.Service.OrderByPayment(c.Request.Context(), ref)
		if err != nil {
			ctl.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, od)
		return
	}
	orders, err := ctl.Service.ListOrders(c.Request.Context())
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

// GET /admin/orders/:orderId
func (ctl *GradingController) GetOrder(c *gin.Context) {
	od, err := ctl.Service.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, od)
}

// GET /admin/stats
func (ctl *GradingController) Stats(c *gin.Context) {
	s, err := ctl.Service.Stats(c.Request.Context())
	if err != nil {
		ctl.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewStatsResponse(s))
}
