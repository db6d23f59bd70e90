package main

import (
	"database/sql"
	"errors"
	"html/template"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

const sessionName = "auth-session"

// startingCash is credited to every new account.
var startingCash = decimal.NewFromInt(10000)

// App holds references in a slightly nicer way than globally stored refs.
type App struct {
	router *mux.Router
	db     *sql.DB
	store  *Store
	trader *Trader
	quotes quoteSource
	sess   *sessions.CookieStore
	tmpl   *template.Template
}

// NewApp works as a quick and easy dependency injection method / constructor to create a new App.
func NewApp(db *sql.DB, quotes quoteSource, sess *sessions.CookieStore, tmpl *template.Template) *App {
	store := NewStore(db)

	app := &App{
		router: mux.NewRouter(),
		db:     db,
		store:  store,
		trader: NewTrader(store, quotes),
		quotes: quotes,
		sess:   sess,
		tmpl:   tmpl,
	}

	app.Routes()

	return app
}

// Routes keeps all methods consolidated for easy reference.
func (app *App) Routes() {
	app.router.Use(noCacheMiddleware)

	app.router.HandleFunc("/login", app.loginPageHandler).Methods("GET")
	app.router.HandleFunc("/login", app.loginHandler).Methods("POST")
	app.router.HandleFunc("/logout", app.logoutHandler).Methods("GET")
	app.router.HandleFunc("/register", app.registerPageHandler).Methods("GET")
	app.router.HandleFunc("/register", app.registerHandler).Methods("POST")

	app.router.HandleFunc("/", app.authMiddleware(app.indexHandler)).Methods("GET")
	app.router.HandleFunc("/buy", app.authMiddleware(app.buyPageHandler)).Methods("GET")
	app.router.HandleFunc("/buy", app.authMiddleware(app.buyHandler)).Methods("POST")
	app.router.HandleFunc("/sell", app.authMiddleware(app.sellPageHandler)).Methods("GET")
	app.router.HandleFunc("/sell", app.authMiddleware(app.sellHandler)).Methods("POST")
	app.router.HandleFunc("/quote", app.authMiddleware(app.quotePageHandler)).Methods("GET")
	app.router.HandleFunc("/quote", app.authMiddleware(app.quoteHandler)).Methods("POST")
	app.router.HandleFunc("/password", app.authMiddleware(app.passwordPageHandler)).Methods("GET")
	app.router.HandleFunc("/password", app.authMiddleware(app.passwordHandler)).Methods("POST")
	app.router.HandleFunc("/history", app.authMiddleware(app.historyHandler)).Methods("GET")

	app.router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir("static"))))
}

// Run runs the App as a http server
func (app *App) Run() error {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	return http.ListenAndServe(":"+port, app.router)
}

// noCacheMiddleware keeps browsers from showing a stale portfolio after a trade.
func noCacheMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware verifies that a connection is authenticated via session storage.
func (app *App) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := app.currentUserID(r); !ok {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

// currentUserID reads the logged-in user's id from the session. The id is the
// only cross-request identity; handlers pass it explicitly into every store
// and trader call.
func (app *App) currentUserID(r *http.Request) (int, bool) {
	session, err := app.sess.Get(r, sessionName)
	if err != nil {
		return 0, false
	}
	if auth, ok := session.Values["authenticated"].(bool); !ok || !auth {
		return 0, false
	}
	userID, ok := session.Values["user_id"].(int)
	return userID, ok
}

// tradeErrorStatus maps a trade rejection to a user-facing message and status.
// Anything that is not a known rejection is a server fault and stays opaque.
func tradeErrorStatus(err error) (string, int) {
	switch {
	case errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrInvalidShares),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrOverSell):
		return err.Error(), http.StatusBadRequest
	default:
		log.Printf("trade failed: %v", err)
		return "something went wrong, please try again", http.StatusInternalServerError
	}
}

// positionView is one row of the portfolio page, valued at the live price.
type positionView struct {
	Symbol string
	Name   string
	Shares int
	Price  decimal.Decimal
	Total  decimal.Decimal
}

// indexHandler renders the portfolio with live valuations and total net worth.
func (app *App) indexHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := app.currentUserID(r)

	holdings, err := app.store.Portfolio(userID)
	if err != nil {
		app.serverError(w, err)
		return
	}
	cash, err := app.store.Cash(userID)
	if err != nil {
		app.serverError(w, err)
		return
	}

	total := cash
	positions := make([]positionView, 0, len(holdings))
	for _, h := range holdings {
		pos := positionView{Symbol: h.Symbol, Name: h.Symbol, Shares: h.Shares}
		if quote := app.quotes.Lookup(h.Symbol); quote != nil {
			pos.Name = quote.Name
			pos.Price = quote.Price
			pos.Total = quote.Price.Mul(decimal.NewFromInt(int64(h.Shares)))
			total = total.Add(pos.Total)
		}
		positions = append(positions, pos)
	}

	app.tmpl.ExecuteTemplate(w, "index.html", map[string]any{
		"Positions": positions,
		"Cash":      cash,
		"Total":     total,
	})
}

func (app *App) buyPageHandler(w http.ResponseWriter, r *http.Request) {
	app.tmpl.ExecuteTemplate(w, "buy.html", map[string]string{})
}

// buyHandler validates the form and hands the trade to the Trader.
func (app *App) buyHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := app.currentUserID(r)
	symbol := r.FormValue("symbol")

	if symbol == "" {
		w.WriteHeader(http.StatusBadRequest)
		app.tmpl.ExecuteTemplate(w, "buy.html", map[string]string{"Error": "must provide symbol"})
		return
	}

	shares, err := ParseShares(r.FormValue("shares"))
	if err == nil {
		err = app.trader.Buy(userID, symbol, shares)
	}
	if err != nil {
		msg, code := tradeErrorStatus(err)
		w.WriteHeader(code)
		app.tmpl.ExecuteTemplate(w, "buy.html", map[string]string{"Error": msg})
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// sellPageHandler serves the sell form with the user's held symbols.
func (app *App) sellPageHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := app.currentUserID(r)
	app.renderSellPage(w, userID, "", http.StatusOK)
}

func (app *App) renderSellPage(w http.ResponseWriter, userID int, errMsg string, code int) {
	holdings, err := app.store.Portfolio(userID)
	if err != nil {
		app.serverError(w, err)
		return
	}
	symbols := make([]string, 0, len(holdings))
	for _, h := range holdings {
		symbols = append(symbols, h.Symbol)
	}
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	app.tmpl.ExecuteTemplate(w, "sell.html", map[string]any{
		"Symbols": symbols,
		"Error":   errMsg,
	})
}

func (app *App) sellHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := app.currentUserID(r)

	shares, err := ParseShares(r.FormValue("shares"))
	if err == nil {
		err = app.trader.Sell(userID, r.FormValue("symbol"), shares)
	}
	if err != nil {
		msg, code := tradeErrorStatus(err)
		app.renderSellPage(w, userID, msg, code)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (app *App) quotePageHandler(w http.ResponseWriter, r *http.Request) {
	app.tmpl.ExecuteTemplate(w, "quote.html", map[string]string{})
}

func (app *App) quoteHandler(w http.ResponseWriter, r *http.Request) {
	quote := app.quotes.Lookup(r.FormValue("symbol"))
	if quote == nil {
		w.WriteHeader(http.StatusBadRequest)
		app.tmpl.ExecuteTemplate(w, "quote.html", map[string]string{"Error": "invalid stock symbol"})
		return
	}

	app.tmpl.ExecuteTemplate(w, "quoted.html", quote)
}

func (app *App) loginPageHandler(w http.ResponseWriter, r *http.Request) {
	data := map[string]string{}
	if r.URL.Query().Get("registered") == "true" {
		data["Success"] = "Registration successful! Please log in."
	}
	app.tmpl.ExecuteTemplate(w, "login.html", data)
}

// loginHandler takes form data then compares username and hashed password
// against the database. The user is given an authenticated session upon
// successful login.
func (app *App) loginHandler(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	password := r.FormValue("password")

	if username == "" || password == "" {
		w.WriteHeader(http.StatusBadRequest)
		app.tmpl.ExecuteTemplate(w, "login.html", map[string]string{"Error": "Username and password are required"})
		return
	}

	user, err := app.store.UserByName(username)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		app.tmpl.ExecuteTemplate(w, "login.html", map[string]string{"Error": "Invalid username or password"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Hash), []byte(password)); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		app.tmpl.ExecuteTemplate(w, "login.html", map[string]string{"Error": "Invalid username or password"})
		return
	}

	session, _ := app.sess.Get(r, sessionName)
	session.Values["authenticated"] = true
	session.Values["user_id"] = user.ID
	session.Save(r, w)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// logoutHandler removes authentication from the users session and redirects to login.
func (app *App) logoutHandler(w http.ResponseWriter, r *http.Request) {
	session, _ := app.sess.Get(r, sessionName)
	session.Values["authenticated"] = false
	delete(session.Values, "user_id")
	session.Save(r, w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (app *App) registerPageHandler(w http.ResponseWriter, r *http.Request) {
	app.tmpl.ExecuteTemplate(w, "register.html", map[string]string{})
}

// registerHandler creates a new account with a hashed password and the
// starting cash balance.
func (app *App) registerHandler(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	password := r.FormValue("password")
	confirmation := r.FormValue("confirmation")

	if username == "" || password == "" {
		w.WriteHeader(http.StatusBadRequest)
		app.tmpl.ExecuteTemplate(w, "register.html", map[string]string{"Error": "Username and password are required"})
		return
	}
	if password != confirmation {
		w.WriteHeader(http.StatusBadRequest)
		app.tmpl.ExecuteTemplate(w, "register.html", map[string]string{"Error": "Passwords do not match"})
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Error processing password", http.StatusInternalServerError)
		return
	}

	if _, err := app.store.CreateUser(username, string(hashedPassword), startingCash); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			w.WriteHeader(http.StatusBadRequest)
			app.tmpl.ExecuteTemplate(w, "register.html", map[string]string{"Error": "Username already taken"})
			return
		}
		app.serverError(w, err)
		return
	}

	http.Redirect(w, r, "/login?registered=true", http.StatusSeeOther)
}

func (app *App) passwordPageHandler(w http.ResponseWriter, r *http.Request) {
	app.tmpl.ExecuteTemplate(w, "password.html", map[string]string{})
}

// passwordHandler replaces the stored hash after checking the old password.
// A successful change forces a fresh login.
func (app *App) passwordHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := app.currentUserID(r)
	oldpass := r.FormValue("oldpass")
	newpass := r.FormValue("newpass")
	confirm := r.FormValue("confirm")

	if oldpass == "" || newpass == "" || confirm == "" {
		w.WriteHeader(http.StatusBadRequest)
		app.tmpl.ExecuteTemplate(w, "password.html", map[string]string{"Error": "All fields are required"})
		return
	}

	hash, err := app.store.UserHash(userID)
	if err != nil {
		app.serverError(w, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(oldpass)); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		app.tmpl.ExecuteTemplate(w, "password.html", map[string]string{"Error": "Incorrect old password"})
		return
	}
	if newpass != confirm {
		w.WriteHeader(http.StatusBadRequest)
		app.tmpl.ExecuteTemplate(w, "password.html", map[string]string{"Error": "Passwords do not match"})
		return
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(newpass), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Error processing password", http.StatusInternalServerError)
		return
	}
	if err := app.store.SetHash(userID, string(newHash)); err != nil {
		app.serverError(w, err)
		return
	}

	http.Redirect(w, r, "/logout", http.StatusSeeOther)
}

// historyHandler lists all past trades for the user, oldest first.
func (app *App) historyHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := app.currentUserID(r)

	entries, err := app.store.History(userID)
	if err != nil {
		app.serverError(w, err)
		return
	}

	app.tmpl.ExecuteTemplate(w, "history.html", map[string]any{"Entries": entries})
}

// serverError logs the underlying cause and renders a generic error page.
func (app *App) serverError(w http.ResponseWriter, err error) {
	log.Printf("internal error: %v", err)
	w.WriteHeader(http.StatusInternalServerError)
	app.tmpl.ExecuteTemplate(w, "error.html", nil)
}
