package ecash

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cast"
	"github.com/twitchtv/twirp"
)

func (s *Server) Handler() http.Handler {
	m := chi.NewMux()
	m.Use(middleware.Recoverer)
	m.Use(middleware.RealIP)
	m.Use(middleware.Logger)
	m.Use(middleware.Heartbeat("/hc"))
	m.Use(cors.AllowAll().Handler)

	m.Handle("/metrics", promhttp.Handler())

	m.Group(func(r chi.Router) {
		r.Use(handleAuth(s.cfg.API.JWTSecret))

		r.Get("/balance", s.getBalance)

		r.Get("/issuers", s.listIssuers)
		r.Post("/issuers", s.addIssuer)
		r.Delete("/issuers", s.removeIssuer)
		r.Put("/issuers/selected", s.selectIssuer)
		r.Post("/issuers/reset", s.resetIssuer)

		r.Get("/transactions", s.listTransactions)

		r.Get("/invoice", s.getInvoice)
		r.Post("/invoice", s.createInvoice)
		r.Delete("/invoice", s.cancelInvoice)

		r.Post("/send", s.send)
		r.Post("/receive", s.receive)
		r.Post("/pay", s.pay)
		r.Post("/swap", s.swap)

		r.Get("/pending", s.listPending)
		r.Post("/pending/{id}/reclaim", s.reclaimPending)
		r.Delete("/pending/{id}", s.deletePending)

		r.Get("/backup", s.getBackup)
		r.Post("/backup/confirm", s.confirmBackup)
		r.Post("/restore", s.restore)

		r.Get("/events", s.drainEvents)
	})

	return m
}

func renderJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)

	_ = json.NewEncoder(w).Encode(v)
}

func renderErr(w http.ResponseWriter, err error) {
	_ = twirp.WriteError(w, toTwirpError(err))
}

var errorCodes = []struct {
	target error
	code   twirp.ErrorCode
}{
	{ErrInvalidAmount, twirp.InvalidArgument},
	{ErrInvalidIssuer, twirp.InvalidArgument},
	{ErrInvalidMnemonic, twirp.InvalidArgument},
	{ErrUnknownIssuer, twirp.NotFound},
	{ErrNotFound, twirp.NotFound},
	{ErrBuiltinIssuer, twirp.PermissionDenied},
	{ErrInsufficientBalance, twirp.FailedPrecondition},
	{ErrBackupRequired, twirp.FailedPrecondition},
	{ErrConfirmationRequired, twirp.FailedPrecondition},
	{ErrAlreadySpent, twirp.AlreadyExists},
	{ErrReclaimInProgress, twirp.Aborted},
	{ErrPaymentFailed, twirp.Aborted},
	{ErrQuotaExceeded, twirp.ResourceExhausted},
}

func toTwirpError(err error) twirp.Error {
	var terr twirp.Error
	if errors.As(err, &terr) {
		return terr
	}

	for _, c := range errorCodes {
		if errors.Is(err, c.target) {
			return twirp.NewError(c.code, err.Error())
		}
	}

	return twirp.InternalErrorWith(err)
}

func bindJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		renderErr(w, twirp.Malformed.Error("invalid request body"))
		return false
	}

	return true
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	snap := s.wallet.Balance()
	selected := s.wallet.SelectedIssuer()

	renderJSON(w, map[string]interface{}{
		"total":       snap.Total,
		"total_btc":   SatsToBTC(snap.Total),
		"per_issuer":  snap.PerIssuer,
		"selected":    selected,
		"balance":     snap.Of(selected.URL),
		"computed_at": snap.ComputedAt,
	})
}

func (s *Server) listIssuers(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, map[string]interface{}{
		"issuers":  s.wallet.Issuers(),
		"selected": s.wallet.SelectedIssuer(),
		"info":     s.wallet.IssuerInfo(),
	})
}

func (s *Server) addIssuer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}

	if !bindJSON(w, r, &body) {
		return
	}

	issuer, err := s.wallet.AddIssuer(body.Name, body.URL)
	if err != nil {
		renderErr(w, err)
		return
	}

	slog.Info("issuer added", "client", clientID(r.Context()), "mint", issuer.URL)
	renderJSON(w, issuer)
}

func (s *Server) removeIssuer(w http.ResponseWriter, r *http.Request) {
	issuerURL := r.URL.Query().Get("url")
	if issuerURL == "" {
		renderErr(w, twirp.InvalidArgumentError("url", "required"))
		return
	}

	if err := s.wallet.RemoveIssuer(issuerURL); err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, s.wallet.Issuers())
}

func (s *Server) selectIssuer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}

	if !bindJSON(w, r, &body) {
		return
	}

	if err := s.wallet.SelectIssuer(r.Context(), body.URL); err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, s.wallet.SelectedIssuer())
}

func (s *Server) resetIssuer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL     string `json:"url"`
		Confirm bool   `json:"confirm"`
	}

	if !bindJSON(w, r, &body) {
		return
	}

	if !body.Confirm {
		renderErr(w, ErrConfirmationRequired)
		return
	}

	if err := s.wallet.ResetIssuer(body.URL); err != nil {
		renderErr(w, err)
		return
	}

	slog.Warn("issuer proofs reset", "client", clientID(r.Context()), "mint", body.URL)
	renderJSON(w, s.wallet.Balance())
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset := cast.ToInt(q.Get("offset"))
	limit := cast.ToInt(q.Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	txs, err := s.wallet.Transactions(offset, limit)
	if err != nil {
		slog.Error("list transactions", slog.Any("err", err))
		renderErr(w, err)
		return
	}

	renderJSON(w, txs)
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	q, err := s.wallet.Quotes.Current()
	if err != nil {
		renderErr(w, err)
		return
	}

	if q == nil {
		renderErr(w, ErrNotFound)
		return
	}

	renderJSON(w, q)
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount interface{} `json:"amount"`
	}

	if !bindJSON(w, r, &body) {
		return
	}

	amount, err := cast.ToUint64E(body.Amount)
	if err != nil || amount == 0 {
		renderErr(w, twirp.InvalidArgumentError("amount", "invalid amount"))
		return
	}

	q, err := s.wallet.RequestFunding(r.Context(), amount)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, q)
}

func (s *Server) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.Quotes.Cancel(); err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]bool{"ok": true})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount interface{} `json:"amount"`
	}

	if !bindJSON(w, r, &body) {
		return
	}

	amount, err := cast.ToUint64E(body.Amount)
	if err != nil || amount == 0 {
		renderErr(w, twirp.InvalidArgumentError("amount", "invalid amount"))
		return
	}

	result, err := s.wallet.Send(r.Context(), amount)
	if err != nil {
		terr := toTwirpError(err)
		if result != nil {
			terr = terr.WithMeta("token", result.Token)
		}

		renderErr(w, terr)
		return
	}

	slog.Info("token generated", "client", clientID(r.Context()), "amount", amount)
	renderJSON(w, result)
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}

	if !bindJSON(w, r, &body) {
		return
	}

	if body.Token == "" {
		renderErr(w, twirp.InvalidArgumentError("token", "required"))
		return
	}

	result, err := s.wallet.Receive(r.Context(), body.Token)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, result)
}

func (s *Server) pay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Invoice string `json:"invoice"`
	}

	if !bindJSON(w, r, &body) {
		return
	}

	if body.Invoice == "" {
		renderErr(w, twirp.InvalidArgumentError("invoice", "required"))
		return
	}

	result, err := s.wallet.PayInvoice(r.Context(), body.Invoice)
	if err != nil {
		renderErr(w, err)
		return
	}

	slog.Info("invoice paid", "client", clientID(r.Context()), "amount", result.Amount, "fee", result.Fee)
	renderJSON(w, result)
}

func (s *Server) swap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From   string      `json:"from"`
		To     string      `json:"to"`
		Amount interface{} `json:"amount"`
	}

	if !bindJSON(w, r, &body) {
		return
	}

	amount, err := cast.ToUint64E(body.Amount)
	if err != nil || amount == 0 {
		renderErr(w, twirp.InvalidArgumentError("amount", "invalid amount"))
		return
	}

	result, err := s.wallet.Swap(r.Context(), body.From, body.To, amount)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, result)
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	sends, err := s.wallet.Sends.List()
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, sends)
}

func (s *Server) reclaimPending(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.requireReady(); err != nil {
		renderErr(w, err)
		return
	}

	result, err := s.wallet.Sends.Reclaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, result)
}

func (s *Server) deletePending(w http.ResponseWriter, r *http.Request) {
	confirmed := cast.ToBool(r.URL.Query().Get("confirm"))
	if err := s.wallet.Sends.Delete(chi.URLParam(r, "id"), confirmed); err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]bool{"ok": true})
}

func (s *Server) getBackup(w http.ResponseWriter, r *http.Request) {
	phrase, confirmed := s.wallet.BackupPhrase()
	renderJSON(w, map[string]interface{}{
		"phrase":    phrase,
		"confirmed": confirmed,
	})
}

func (s *Server) confirmBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.ConfirmBackup(r.Context()); err != nil {
		renderErr(w, err)
		return
	}

	slog.Info("seed backup confirmed", "client", clientID(r.Context()))
	renderJSON(w, map[string]bool{"confirmed": true})
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phrase string `json:"phrase"`
	}

	if !bindJSON(w, r, &body) {
		return
	}

	snap, err := s.wallet.Restore(r.Context(), body.Phrase)
	if err != nil {
		renderErr(w, err)
		return
	}

	slog.Info("wallet restored", "client", clientID(r.Context()), "total", snap.Total)
	renderJSON(w, snap)
}

func (s *Server) drainEvents(w http.ResponseWriter, r *http.Request) {
	events := s.events.Drain()
	if events == nil {
		events = []Event{}
	}

	renderJSON(w, events)
}
