package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"conditional-orders-go/dependency"
	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/infrastructure/monitor"
	"conditional-orders-go/internal/store"
	"conditional-orders-go/order"
	"conditional-orders-go/scheduler"
)

// Scheduler 接口层使用的调度器操作
type Scheduler interface {
	Submit(spec order.Spec) (string, error)
	Cancel(orderID string) error
	ReportStatus(r scheduler.Report) error
	Order(orderID string) (order.Order, error)
	DependentsOf(orderID string) ([]string, error)
	Orders() []order.Order
	Pending() []string
	Held() []string
	Fills(orderID string) (order.FillSummary, bool)
	Graph() dependency.Snapshot
	Stats() scheduler.Stats
}

// AuditLog 转换历史查询
type AuditLog interface {
	History(orderID string) ([]store.Record, error)
	Since(after uint64, limit int) ([]store.Record, error)
}

// Config 接口服务配置
type Config struct {
	Addr           string        `yaml:"addr"` // 为空时不启动
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// Server REST + WebSocket 诊断接口
type Server struct {
	cfg    Config
	sched  Scheduler
	audit  AuditLog
	hub    *Hub
	mon    *monitor.Monitor
	log    *logger.Logger
	router *mux.Router
	ready  func() error
}

// NewServer 创建接口服务。audit 可以为 nil（未启用持久化）。
func NewServer(cfg Config, sched Scheduler, audit AuditLog, hub *Hub, mon *monitor.Monitor, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		sched:  sched,
		audit:  audit,
		hub:    hub,
		mon:    mon,
		log:    log.WithFields(map[string]interface{}{"component": "api"}),
		router: mux.NewRouter(),
	}
	if hub != nil {
		hub.SetAllowedOrigins(s.allowedOrigins())
	}
	s.setupRoutes()
	return s
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return s.cfg.AllowedOrigins
}

// SetReadiness 设置 /health 使用的就绪检查
func (s *Server) SetReadiness(fn func() error) { s.ready = fn }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders", s.handleSubmit).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/dependents", s.handleDependents).Methods("GET")
	api.HandleFunc("/orders/{id}/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/orders/{id}/reports", s.handleReport).Methods("POST")
	api.HandleFunc("/pending", s.handlePending).Methods("GET")
	api.HandleFunc("/graph", s.handleGraph).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.ServeWS)
	}
	if s.mon != nil {
		s.router.Handle("/metrics", s.mon.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler 返回带 CORS 的根处理器
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Run 监听直到 ctx 结束，然后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server starting", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	want := r.URL.Query().Get("status")
	var filter order.Status
	if want != "" {
		st, ok := order.ParseStatus(want)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid status", want)
			return
		}
		filter = st
	}
	orders := s.sched.Orders()
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		if filter != "" && o.Status != filter {
			continue
		}
		fills, _ := s.sched.Fills(o.ID)
		out = append(out, toView(o, fills))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON", err.Error())
		return
	}
	spec, err := req.Spec()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid max_pending", err.Error())
		return
	}

	id, err := s.sched.Submit(spec)
	var rej *scheduler.RejectionError
	switch {
	case err == nil:
	case errors.As(err, &rej):
		// 已登记但依赖已失败
		respondJSON(w, http.StatusCreated, SubmitResponse{ID: id, Status: string(order.StatusRejected), Error: err.Error()})
		return
	default:
		respondError(w, statusFor(err), "submit failed", err.Error())
		return
	}

	st := order.StatusCreated
	if o, err := s.sched.Order(id); err == nil {
		st = o.Status
	}
	respondJSON(w, http.StatusCreated, SubmitResponse{ID: id, Status: string(st)})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.sched.Order(id)
	if err != nil {
		respondError(w, statusFor(err), "order not found", err.Error())
		return
	}
	fills, _ := s.sched.Fills(id)
	respondJSON(w, http.StatusOK, toView(o, fills))
}

func (s *Server) handleDependents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	deps, err := s.sched.DependentsOf(id)
	if err != nil {
		respondError(w, statusFor(err), "order not found", err.Error())
		return
	}
	if deps == nil {
		deps = []string{}
	}
	respondJSON(w, http.StatusOK, deps)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondError(w, http.StatusServiceUnavailable, "audit log disabled", "")
		return
	}
	id := mux.Vars(r)["id"]
	recs, err := s.audit.History(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history failed", err.Error())
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{OrderID: id, Transitions: recs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sched.Cancel(id); err != nil {
		respondError(w, statusFor(err), "cancel failed", err.Error())
		return
	}
	o, err := s.sched.Order(id)
	if err != nil {
		respondJSON(w, http.StatusAccepted, SubmitResponse{ID: id})
		return
	}
	respondJSON(w, http.StatusAccepted, SubmitResponse{ID: id, Status: string(o.Status)})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON", err.Error())
		return
	}
	st, ok := order.ParseStatus(req.Status)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid status", req.Status)
		return
	}
	rep := scheduler.Report{OrderID: id, Status: st}
	if req.TradeID != "" {
		ts := time.Now()
		if req.Timestamp > 0 {
			ts = time.UnixMilli(req.Timestamp)
		}
		rep.Fill = &order.FillDetails{TradeID: req.TradeID, Price: req.Price, Quantity: req.Quantity, Timestamp: ts}
	}
	if err := s.sched.ReportStatus(rep); err != nil {
		respondError(w, statusFor(err), "report failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	resp := PendingResponse{Pending: s.sched.Pending(), Held: s.sched.Held()}
	if resp.Pending == nil {
		resp.Pending = []string{}
	}
	if resp.Held == nil {
		resp.Held = []string{}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sched.Graph())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sched.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondError(w, http.StatusServiceUnavailable, "audit log disabled", "")
		return
	}
	q := r.URL.Query()
	after, err := parseUint(q.Get("after"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid after", err.Error())
		return
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}
	recs, err := s.audit.Since(after, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "events failed", err.Error())
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseUint(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

// statusFor 把调度器错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrCyclicDependency), errors.Is(err, scheduler.ErrDuplicateOrder),
		errors.Is(err, scheduler.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrInvalidSpec):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string, detail string) {
	respondJSON(w, status, ErrorResponse{Error: msg, Message: detail})
}
