package handler

import (
	"context"
	"fmt"

	"txnledger/internal/config"
	"txnledger/internal/service"
	"txnledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Submitter 交易核心，入口层只依赖这一个方法
type Submitter interface {
	Submit(ctx context.Context, req *service.TransactionRequest) (*service.Decision, error)
}

type Handler struct {
	submitter Submitter
	ceiling   int64
	minAmount int64
	log       *zap.Logger
}

func NewHandler(submitter Submitter, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{
		submitter: submitter,
		ceiling:   cfg.Business.Ceiling,
		minAmount: cfg.Business.MinAmount,
		log:       log.Named("handler"),
	}
}

// CreateTransactionRequest 必填的整数字段用指针，区分缺省和 0
type CreateTransactionRequest struct {
	UserID      *int64 `json:"user_id" binding:"required,gt=0"`
	Amount      *int64 `json:"amount" binding:"required"`
	Description string `json:"description" binding:"required,max=1024"`
	RequestID   string `json:"request_id" binding:"max=64"` // 可选幂等ID
}

// CreateTransaction 记录一笔交易
// POST /api/v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if *req.Amount < h.minAmount || *req.Amount > h.ceiling {
		response.ParamError(c, fmt.Sprintf("amount 必须在 [%d, %d] 之间", h.minAmount, h.ceiling))
		return
	}

	decision, err := h.submitter.Submit(c.Request.Context(), &service.TransactionRequest{
		UserID:      *req.UserID,
		Amount:      *req.Amount,
		Description: req.Description,
		RequestID:   req.RequestID,
	})
	if err != nil {
		h.log.Error("交易处理失败", zap.Int64("user_id", *req.UserID), zap.Error(err))
		response.ServerError(c, "database error: "+err.Error())
		return
	}

	switch {
	case decision.Admitted():
		data := gin.H{
			"transaction_no": decision.Record.TransactionNo,
			"user_id":        decision.Record.UserID,
			"amount":         decision.Record.Amount,
			"replayed":       decision.Replayed,
		}
		if !decision.Replayed {
			data["new_total"] = decision.NewTotal
			data["attempts"] = decision.Attempts
		}
		response.Success(c, "transaction created", data)

	case decision.Reason == service.ReasonRequestIDReuse:
		response.BusinessError(c, response.CodeDuplicateRequest,
			fmt.Sprintf("request_id %s already used with a different payload", req.RequestID), nil)

	default:
		response.BusinessError(c, response.CodeOverCeiling,
			fmt.Sprintf("user %d has over amount at %d", *req.UserID, h.ceiling),
			gin.H{"current_total": decision.CurrentTotal})
	}
}
