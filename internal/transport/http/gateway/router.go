package gatewayhttp

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ordergate/internal/compliance"
	"ordergate/internal/driver"
	"ordergate/internal/marketdata"
	"ordergate/internal/order"
	"ordergate/internal/security"
	"ordergate/internal/servlet"
	"ordergate/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Router maps the order entry API onto the servlet.
type Router struct {
	orders     OrderService
	markets    *security.MarketDatabase
	quotes     QuotePublisher
	violations ViolationLister
	throttle   *throttle
	heartbeat  time.Duration
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{
		orders:     cfg.Orders,
		markets:    cfg.Markets,
		quotes:     cfg.Quotes,
		violations: cfg.Violations,
		throttle:   newThrottle(cfg.RateLimit, cfg.Burst),
		heartbeat:  cfg.Heartbeat,
	}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	limited := r.throttle.middleware()
	group.POST("/orders", limited, r.handleNewOrder)
	group.GET("/orders/:id", r.handleLoadOrder)
	group.POST("/orders/:id/cancel", limited, r.handleCancelOrder)
	group.POST("/orders/:id/reports", r.handleUpdateOrder)
	group.POST("/queries/submissions", r.handleQuerySubmissions)
	group.POST("/queries/reports", r.handleQueryReports)
	if r.quotes != nil {
		group.POST("/admin/bbo", r.handlePublishBbo)
	}
	if r.violations != nil {
		group.GET("/admin/violations", r.handleViolations)
	}
}

// OrderRequest is the wire form of a new order. The security is written
// "SYMBOL.MARKET"; missing account, currency and destination are defaulted.
type OrderRequest struct {
	Account     string            `json:"account"`
	Security    string            `json:"security" binding:"required"`
	Currency    string            `json:"currency"`
	Type        order.Type        `json:"type"`
	Side        order.Side        `json:"side"`
	Destination string            `json:"destination"`
	Quantity    int64             `json:"quantity"`
	Price       decimal.Decimal   `json:"price"`
	TimeInForce order.TimeInForce `json:"time_in_force"`
	Tags        []order.Tag       `json:"tags,omitempty"`
}

type BboRequest struct {
	Security string          `json:"security" binding:"required"`
	Bid      decimal.Decimal `json:"bid"`
	BidSize  int64           `json:"bid_size"`
	Ask      decimal.Decimal `json:"ask"`
	AskSize  int64           `json:"ask_size"`
}

func (r *Router) handleNewOrder(c *gin.Context) {
	var req OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sec, err := security.ParseSecurity(req.Security, r.markets)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fields := order.Fields{
		Account:     strings.TrimSpace(req.Account),
		Security:    sec,
		Currency:    security.Currency(strings.ToUpper(strings.TrimSpace(req.Currency))),
		Type:        req.Type,
		Side:        req.Side,
		Destination: strings.TrimSpace(req.Destination),
		Quantity:    req.Quantity,
		Price:       req.Price,
		TimeInForce: req.TimeInForce,
		Tags:        req.Tags,
	}
	sess := sessionOf(c)
	info, err := r.orders.NewOrderSingle(c.Request.Context(), sess, fields)
	if err != nil {
		writeError(c, err)
		return
	}
	httpLog.Infof("order %d submitted by %s for %s: %s %d %s", info.Value.ID, sess.Account, info.Account,
		info.Value.Fields.Side, info.Value.Fields.Quantity, info.Value.Fields.Security)
	c.JSON(http.StatusCreated, info)
}

func (r *Router) handleLoadOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	rec, found, err := r.orders.LoadOrderByID(c.Request.Context(), sessionOf(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (r *Router) handleCancelOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	if err := r.orders.CancelOrder(sessionOf(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel requested"})
}

func (r *Router) handleUpdateOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var report order.ExecutionReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess := sessionOf(c)
	if err := r.orders.UpdateOrder(sess, id, report); err != nil {
		writeError(c, err)
		return
	}
	httpLog.Infof("order %d updated to %s by %s", id, report.Status, sess.Account)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleQuerySubmissions(c *gin.Context) {
	q, ok := r.bindQuery(c)
	if !ok {
		return
	}
	res, err := r.orders.QueryOrderSubmissions(c.Request.Context(), sessionOf(c), q)
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, r.heartbeat, res)
}

func (r *Router) handleQueryReports(c *gin.Context) {
	q, ok := r.bindQuery(c)
	if !ok {
		return
	}
	res, err := r.orders.QueryExecutionReports(c.Request.Context(), sessionOf(c), q)
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, r.heartbeat, res)
}

func (r *Router) bindQuery(c *gin.Context) (store.AccountQuery, bool) {
	var q store.AccountQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return q, false
	}
	if strings.TrimSpace(q.Account) == "" {
		q.Account = sessionOf(c).Account
	}
	return q, true
}

func (r *Router) handlePublishBbo(c *gin.Context) {
	if !sessionOf(c).Administrator {
		writeError(c, servlet.ErrInsufficientPermissions)
		return
	}
	var req BboRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sec, err := security.ParseSecurity(req.Security, r.markets)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.quotes.PublishBbo(sec, marketdata.MakeBbo(req.Bid, req.Ask, req.BidSize, req.AskSize))
	httpLog.Debugf("bbo %s %s/%s", sec, req.Bid, req.Ask)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleViolations lists compliance violations. Administrators may list
// every account; everyone else must name an account they may see.
func (r *Router) handleViolations(c *gin.Context) {
	sess := sessionOf(c)
	account := strings.TrimSpace(c.Query("account"))
	if !sess.Administrator && (account == "" || !sess.HasPermission(account)) {
		writeError(c, servlet.ErrInsufficientPermissions)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit > 1000 {
		limit = 1000
	}
	records, err := r.violations.ListViolations(c.Request.Context(), account, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []compliance.ViolationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"violations": records})
}

func orderID(c *gin.Context) (order.ID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return 0, false
	}
	return order.ID(id), true
}

// respond writes the snapshot as JSON, or as a server-sent event stream that
// continues with live updates when the query subscribed.
func respond[T any](c *gin.Context, heartbeat time.Duration, res servlet.QueryResult[T]) {
	snapshot := res.Snapshot
	if snapshot == nil {
		snapshot = []store.SequencedValue[T]{}
	}
	sub := res.Subscription
	if sub == nil {
		c.JSON(http.StatusOK, gin.H{"snapshot": snapshot})
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", snapshot)
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case v, ok := <-sub.Updates():
			if !ok {
				end := gin.H{}
				if err := sub.Err(); err != nil {
					end["error"] = err.Error()
				}
				c.SSEvent("end", end)
				c.Writer.Flush()
				return
			}
			c.SSEvent("update", v)
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var violation *compliance.Violation
	switch {
	case errors.As(err, &violation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, servlet.ErrInsufficientPermissions):
		status = http.StatusForbidden
	case errors.Is(err, servlet.ErrOrderNotFound), errors.Is(err, driver.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, servlet.ErrInvalidOrder),
		errors.Is(err, store.ErrInvalidQuery),
		errors.Is(err, order.ErrIllegalTransition):
		status = http.StatusBadRequest
	case errors.Is(err, servlet.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		httpLog.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
