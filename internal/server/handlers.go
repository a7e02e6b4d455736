package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/quantfold/rebalancer/internal/domain"
)

const defaultLimit = 100

type handlers struct {
	cfg Config
	log zerolog.Logger
}

func newHandlers(cfg Config, log zerolog.Logger) *handlers {
	return &handlers{cfg: cfg, log: log}
}

func botIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "botID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bot id %q", raw)
	}
	return id, nil
}

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultLimit
}

// botView is the wire shape of a bot with its current position attached.
type botView struct {
	ID                   int64      `json:"id"`
	Name                 string     `json:"name"`
	Coins                []string   `json:"coins"`
	InitialCoin          string     `json:"initial_coin"`
	CurrentCoin          *string    `json:"current_coin"`
	ThresholdPercent     string     `json:"threshold_percent"`
	GlobalThreshold      string     `json:"global_threshold_percent"`
	CheckIntervalMinutes int        `json:"check_interval_minutes"`
	PreferredStablecoin  string     `json:"preferred_stablecoin"`
	Enabled              bool       `json:"enabled"`
	Running              bool       `json:"running"`
	LastCheckTime        *time.Time `json:"last_check_time"`
	GlobalPeakValue      string     `json:"global_peak_value"`
	TotalCommissionsPaid string     `json:"total_commissions_paid"`
	Asset                *assetView `json:"asset,omitempty"`
}

type assetView struct {
	Coin                 string `json:"coin"`
	Amount               string `json:"amount"`
	EntryPrice           string `json:"entry_price"`
	StablecoinEquivalent string `json:"stablecoin_equivalent"`
}

func (h *handlers) botToView(bot *domain.Bot) botView {
	view := botView{
		ID:                   bot.ID,
		Name:                 bot.Name,
		Coins:                bot.Coins,
		InitialCoin:          bot.InitialCoin,
		CurrentCoin:          bot.CurrentCoin,
		ThresholdPercent:     bot.ThresholdPercent.String(),
		GlobalThreshold:      bot.GlobalThresholdPercent.String(),
		CheckIntervalMinutes: bot.CheckIntervalMinutes,
		PreferredStablecoin:  bot.PreferredStablecoin,
		Enabled:              bot.Enabled,
		Running:              h.cfg.Scheduler != nil && h.cfg.Scheduler.Running(bot.ID),
		LastCheckTime:        bot.LastCheckTime,
		GlobalPeakValue:      bot.GlobalPeakValue.String(),
		TotalCommissionsPaid: bot.TotalCommissionsPaid.String(),
	}
	if asset, err := h.cfg.Assets.Get(bot.ID); err == nil && asset != nil {
		view.Asset = &assetView{
			Coin:                 asset.Coin,
			Amount:               asset.Amount.String(),
			EntryPrice:           asset.EntryPrice.String(),
			StablecoinEquivalent: asset.StablecoinEquivalent.String(),
		}
	}
	return view
}

func (h *handlers) handleListBots(w http.ResponseWriter, r *http.Request) {
	all, err := h.cfg.Bots.ListAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]botView, 0, len(all))
	for i := range all {
		views = append(views, h.botToView(&all[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handlers) handleGetBot(w http.ResponseWriter, r *http.Request) {
	id, err := botIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bot, err := h.cfg.Bots.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, h.botToView(bot))
}

func (h *handlers) handleBotTrades(w http.ResponseWriter, r *http.Request) {
	id, err := botIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	trades, err := h.cfg.Trades.Recent(id, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type tradeView struct {
		domain.Trade
		Steps []domain.TradeStep `json:"steps,omitempty"`
	}
	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		steps, err := h.cfg.Trades.Steps(t.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		views = append(views, tradeView{Trade: t, Steps: steps})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handlers) handleBotMissedTrades(w http.ResponseWriter, r *http.Request) {
	id, err := botIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	missed, err := h.cfg.Missed.Recent(id, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, missed)
}

func (h *handlers) handleBotDeviations(w http.ResponseWriter, r *http.Request) {
	id, err := botIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	devs, err := h.cfg.Deviations.Recent(id, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, devs)
}

// handleBotDecisionLog serves the TRADE-level entries for a bot.
func (h *handlers) handleBotDecisionLog(w http.ResponseWriter, r *http.Request) {
	id, err := botIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	level := domain.LogTrade
	entries, err := h.cfg.Logs.Recent(&id, &level, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) handleBotPriceHistory(w http.ResponseWriter, r *http.Request) {
	id, err := botIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	coin := r.URL.Query().Get("coin")
	if coin == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("coin query parameter required"))
		return
	}
	points, err := h.cfg.PriceHistory.Recent(id, coin, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (h *handlers) handleBotReconcile(w http.ResponseWriter, r *http.Request) {
	id, err := botIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	findings, err := h.cfg.Reconciliation.ReconcileBot(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bot_id":        id,
		"discrepancies": findings,
	})
}

func (h *handlers) handleBotReset(w http.ResponseWriter, r *http.Request) {
	id, err := botIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual reset"
	}
	if err := h.cfg.Reset.Reset(id, reason); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *handlers) handleBotStart(w http.ResponseWriter, r *http.Request) {
	id, err := botIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.cfg.Scheduler.Start(id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *handlers) handleBotStop(w http.ResponseWriter, r *http.Request) {
	id, err := botIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.cfg.Scheduler.Stop(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *handlers) handleActiveLocks(w http.ResponseWriter, r *http.Request) {
	active, err := h.cfg.Locks.ListActive(time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *handlers) handleLogs(w http.ResponseWriter, r *http.Request) {
	var botID *int64
	if raw := r.URL.Query().Get("bot_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid bot_id %q", raw))
			return
		}
		botID = &id
	}
	var level *domain.LogLevel
	if raw := r.URL.Query().Get("level"); raw != "" {
		l := domain.LogLevel(raw)
		level = &l
	}
	entries, err := h.cfg.Logs.Recent(botID, level, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
