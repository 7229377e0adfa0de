package ledger

import (
	"net/http"
	"time"

	"consignment-ledger/pkg/db/pagination"
	"consignment-ledger/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/v1/accounts/:user_id")
	g.GET("", h.GetAccount)
	g.GET("/ledger", h.History)
	g.GET("/chain", h.VerifyChain)
}

func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.svc.GetAccount(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":          acct.UserID,
		"withdrawable":     acct.Withdrawable.StringFixed(2),
		"spendable_credit": acct.SpendableCredit.StringFixed(2),
		"escrow_balance":   acct.EscrowBalance.StringFixed(2),
		"staked_credit":    acct.StakedCredit.StringFixed(2),
		"available":        acct.Available.StringFixed(2),
		"total":            acct.Total().StringFixed(2),
	})
}

type historyQuery struct {
	BusinessTypes []string `form:"business_type"`
	Fields        []string `form:"field"`
	From          string   `form:"from"`
	To            string   `form:"to"`
	pagination.Pagination
}

// History serves GET /v1/accounts/:user_id/ledger. from and to are RFC 3339.
func (h *Handler) History(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	f := HistoryFilter{BusinessTypes: q.BusinessTypes, Pagination: q.Pagination}
	for _, fl := range q.Fields {
		f.Fields = append(f.Fields, Field(fl))
	}

	var err error
	if f.From, err = parseTime("from", q.From); err != nil {
		_ = c.Error(err)
		return
	}
	if f.To, err = parseTime("to", q.To); err != nil {
		_ = c.Error(err)
		return
	}

	page, err := h.svc.GetLedgerHistory(c.Request.Context(), c.Param("user_id"), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) VerifyChain(c *gin.Context) {
	report, err := h.svc.VerifyChain(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errutil.BadRequest("invalid time", err, errutil.WithDetails(errutil.Detail{Field: field, Message: v}))
	}
	return t, nil
}
