package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"amm-sandbox/internal/engine"
	"amm-sandbox/internal/model"
	"amm-sandbox/internal/wallet"
	"amm-sandbox/internal/ws"
)

const operatorRole = "operator"

// Archive is the read side of the order archive.
type Archive interface {
	ListOrders(ctx context.Context, marketKey string, limit int) ([]model.OrderNotification, error)
}

type Options struct {
	JWTSecret string
	// OperatorHash is the bcrypt hash of the operator password. When empty,
	// admin routes are open and /api/login is disabled.
	OperatorHash   []byte
	TokenTTL       time.Duration
	RequestTimeout time.Duration
}

type Server struct {
	manager *engine.Manager
	hub     *ws.Hub
	archive Archive
	secret  []byte
	opHash  []byte
	ttl     time.Duration
	timeout time.Duration
	log     *logrus.Entry
}

// NewServer wires the HTTP surface. archive may be nil.
func NewServer(mgr *engine.Manager, hub *ws.Hub, archive Archive, opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 72 * time.Hour
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{
		manager: mgr,
		hub:     hub,
		archive: archive,
		secret:  []byte(opts.JWTSecret),
		opHash:  opts.OperatorHash,
		ttl:     opts.TokenTTL,
		timeout: opts.RequestTimeout,
		log:     logrus.WithField("component", "api"),
	}
}

// HashPassword is used at startup to keep only a bcrypt hash in memory.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]any{"status": "ok", "markets": len(s.manager.Markets())})
	})
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket, outside the timeout middleware
	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))

		r.Post("/api/login", s.login)

		// Markets
		r.Get("/api/markets", s.listMarkets)
		r.Route("/api/markets/{key}", func(r chi.Router) {
			r.Get("/", s.getMarket)
			r.Get("/price", s.getPrice)
			r.Get("/reserves", s.getReserves)
			r.Get("/wallets", s.getWallets)
			r.Get("/balances", s.getAllBalances)
			r.Get("/balances/{wallet}", s.getBalance)
			r.Get("/history", s.getHistory)
			r.Get("/trades", s.getTrades)
			r.Get("/changes", s.getChanges)
			r.Get("/archive", s.getArchive)

			// Trading
			r.Post("/buy", s.buy)
			r.Post("/sell", s.sell)
		})

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.operatorOnly)
			r.Post("/api/admin/markets", s.createMarket)
			r.Post("/api/admin/markets/{key}/distribute", s.distribute)
			r.Post("/api/admin/markets/{key}/pool", s.registerPool)
			r.Post("/api/admin/markets/{key}/reset", s.reset)
			r.Post("/api/admin/markets/{key}/random-trades", s.startRandomTrades)
			r.Get("/api/admin/markets/{key}/runs", s.listRuns)
			r.Get("/api/admin/runs/{id}", s.getRun)
			r.Delete("/api/admin/runs/{id}", s.cancelRun)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if len(s.opHash) == 0 {
		jsonErr(w, 404, "operator login disabled")
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if err := bcrypt.CompareHashAndPassword(s.opHash, []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	token, exp, err := s.makeToken()
	if err != nil {
		jsonErr(w, 500, "sign token failed")
		return
	}
	json200(w, map[string]any{"token": token, "expires_at": exp})
}

func (s *Server) makeToken() (string, time.Time, error) {
	exp := time.Now().Add(s.ttl)
	claims := jwt.MapClaims{
		"sub":  operatorRole,
		"role": operatorRole,
		"exp":  exp.Unix(),
	}
	t, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t, exp, err
}

// ── Middleware ────────────────────────────────────────

func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.opHash) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		if role, _ := claims["role"].(string); role != operatorRole {
			jsonErr(w, 403, "operator only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Markets ──────────────────────────────────────────

func marketKey(r *http.Request) string { return chi.URLParam(r, "key") }

// reply writes v as JSON, or the mapped error when the query failed.
func reply[T any](w http.ResponseWriter, v T, err error, wrap func(T) any) {
	if err != nil {
		writeErr(w, err)
		return
	}
	if wrap == nil {
		json200(w, v)
		return
	}
	json200(w, wrap(v))
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	json200(w, s.manager.Markets())
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.Info(marketKey(r))
	reply(w, info, err, nil)
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.manager.Price(marketKey(r))
	reply(w, price, err, func(p float64) any { return map[string]float64{"price": p} })
}

func (s *Server) getReserves(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Reserves(marketKey(r))
	reply(w, res, err, nil)
}

func (s *Server) getWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.manager.Wallets(marketKey(r))
	reply(w, wallets, err, func(ws []string) any { return map[string][]string{"wallets": ws} })
}

func (s *Server) getAllBalances(w http.ResponseWriter, r *http.Request) {
	bals, err := s.manager.AllBalances(marketKey(r))
	reply(w, bals, err, func(b []model.WalletBalance) any { return map[string]any{"balances": b} })
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	key, addr := marketKey(r), chi.URLParam(r, "wallet")
	quote, err := s.manager.Balance(key, addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	token, err := s.manager.TokenBalance(key, addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, model.WalletBalance{Address: addr, QuoteBalance: quote, TokenBalance: token})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.manager.PriceHistory(marketKey(r))
	reply(w, hist, err, func(h []model.PricePoint) any { return map[string]any{"priceHistory": h} })
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	txs, err := s.manager.TransactionLog(marketKey(r))
	reply(w, txs, err, func(t []model.Trade) any { return map[string]any{"transactions": t} })
}

func (s *Server) getChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := s.manager.WalletChanges(marketKey(r))
	reply(w, changes, err, func(c []model.WalletChange) any { return map[string]any{"changes": c} })
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		jsonErr(w, 404, "archive disabled")
		return
	}
	info, err := s.manager.Info(marketKey(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orders, err := s.archive.ListOrders(r.Context(), info.Key, limit)
	if err != nil {
		s.log.WithError(err).Warn("archive query failed")
		jsonErr(w, 500, "archive query failed")
		return
	}
	json200(w, map[string]any{"orders": orders})
}

// ── Trading ──────────────────────────────────────────

type tradeRequest struct {
	WalletAddress string  `json:"walletAddress"`
	Amount        float64 `json:"amount"`
}

func (s *Server) buy(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.manager.Buy)
}

func (s *Server) sell(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.manager.Sell)
}

func (s *Server) trade(w http.ResponseWriter, r *http.Request, exec func(context.Context, string, string, float64) (model.Trade, error)) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.WalletAddress == "" {
		jsonErr(w, 400, "walletAddress required")
		return
	}
	t, err := exec(r.Context(), chi.URLParam(r, "key"), req.WalletAddress, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, t)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var params model.MarketParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	info, err := s.manager.CreateMarket(r.Context(), params)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(info)
}

func (s *Server) distribute(w http.ResponseWriter, r *http.Request) {
	var plan model.DistributionPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	trades, err := s.manager.Distribute(r.Context(), chi.URLParam(r, "key"), plan)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]any{"message": "Tokens distributed", "trades": trades})
}

func (s *Server) registerPool(w http.ResponseWriter, r *http.Request) {
	var pool model.RandomPool
	if err := json.NewDecoder(r.Body).Decode(&pool); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	key := chi.URLParam(r, "key")
	wallets := pool.Wallets
	if len(wallets) == 0 {
		if pool.Size <= 0 || pool.Size > 10000 {
			jsonErr(w, 400, "wallets or size in 1..10000 required")
			return
		}
		var err error
		if wallets, err = wallet.GenerateAddresses(pool.Size); err != nil {
			jsonErr(w, 500, err.Error())
			return
		}
	}
	if err := s.manager.RegisterPool(r.Context(), key, wallets, pool.QuoteAmountEach); err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]any{"pool": wallets})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	trades, err := s.manager.Reset(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]any{"message": "State reloaded", "trades": trades})
}

func (s *Server) startRandomTrades(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NumTrades int          `json:"num_trades"`
		Interval  string       `json:"interval"`
		Regime    model.Regime `json:"regime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	var interval time.Duration
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			jsonErr(w, 400, "interval must be a duration like 500ms")
			return
		}
		interval = d
	}
	run, err := s.manager.GenerateRandomTrades(chi.URLParam(r, "key"), req.NumTrades, interval, req.Regime)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(202)
	json.NewEncoder(w).Encode(run.Info())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.Info(marketKey(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, s.manager.Runs(info.Key))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.manager.Run(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, run.Info())
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.CancelRun(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, info)
}

// ── Helpers ──────────────────────────────────────────

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidRegime),
		errors.Is(err, engine.ErrInvalidKey):
		return 400
	case errors.Is(err, engine.ErrUnknownMarket),
		errors.Is(err, engine.ErrUnknownRun):
		return 404
	case errors.Is(err, engine.ErrMarketExists):
		return 409
	case errors.Is(err, engine.ErrDivisionByZero),
		errors.Is(err, engine.ErrNoFeasibleWallet):
		return 422
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return 503
	default:
		return 500
	}
}

func writeErr(w http.ResponseWriter, err error) {
	jsonErr(w, statusFor(err), err.Error())
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
