package gatewayhttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"ordergate/internal/compliance"
	"ordergate/internal/logger"
	"ordergate/internal/marketdata"
	"ordergate/internal/order"
	"ordergate/internal/security"
	"ordergate/internal/servlet"
	"ordergate/internal/session"
	"ordergate/internal/store"

	"github.com/gin-gonic/gin"
)

var httpLog = logger.With("http")

// OrderService is the servlet surface exposed over HTTP.
type OrderService interface {
	NewOrderSingle(ctx context.Context, sess session.Session, fields order.Fields) (store.SequencedOrderInfo, error)
	CancelOrder(sess session.Session, id order.ID) error
	UpdateOrder(sess session.Session, id order.ID, r order.ExecutionReport) error
	LoadOrderByID(ctx context.Context, sess session.Session, id order.ID) (store.SequencedOrderRecord, bool, error)
	QueryOrderSubmissions(ctx context.Context, sess session.Session, q store.AccountQuery) (servlet.QueryResult[order.Record], error)
	QueryExecutionReports(ctx context.Context, sess session.Session, q store.AccountQuery) (servlet.QueryResult[order.ExecutionReport], error)
}

type Authenticator interface {
	Authenticate(token string) (session.Session, error)
}

type QuotePublisher interface {
	PublishBbo(sec security.Security, bbo marketdata.Bbo)
}

type ViolationLister interface {
	ListViolations(ctx context.Context, account string, limit int) ([]compliance.ViolationRecord, error)
}

// Server serves the order entry API under /api/v1.
type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr    string
	Orders  OrderService
	Auth    Authenticator
	Markets *security.MarketDatabase
	// Quotes and Violations enable the admin endpoints.
	Quotes     QuotePublisher
	Violations ViolationLister
	// RateLimit is the per-account submission rate per second, 0 for none.
	RateLimit float64
	Burst     int
	// Heartbeat is the comment interval on live feeds.
	Heartbeat time.Duration
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orders == nil || cfg.Auth == nil {
		return nil, errors.New("gateway http server requires an order service and an authenticator")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9990"
	}
	if cfg.Markets == nil {
		cfg.Markets = security.DefaultMarketDatabase()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1", authenticate(cfg.Auth))
	NewRouter(cfg).Register(api)

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger logs every request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path += "?" + query
		}
		c.Next()
		httpLog.Debugf("%s %s status=%d ip=%s dur=%s", method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	// Request contexts derive from ctx so live feeds end on shutdown.
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	httpLog.Infof("listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
