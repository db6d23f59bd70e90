package main

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/sessions"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

func setupTestApp(t *testing.T, quotes quoteSource) *App {
	db := setupTestDB(t)
	store := sessions.NewCookieStore([]byte("test-key"))
	return NewApp(db, quotes, store, initTemplate())
}

// sessionCookie builds an authenticated session cookie for userID.
func sessionCookie(t *testing.T, app *App, userID int) *http.Cookie {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	session, err := app.sess.Get(req, sessionName)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	session.Values["authenticated"] = true
	session.Values["user_id"] = userID
	session.Save(req, rec)

	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie issued")
	}
	return cookies[0]
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestRegisterHandler(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	form := url.Values{}
	form.Add("username", "alice")
	form.Add("password", "password123")
	form.Add("confirmation", "password123")

	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, postForm("/register", form))

	if status := rr.Code; status != http.StatusSeeOther {
		t.Errorf("Handler returned wrong status code: got %v want %v", status, http.StatusSeeOther)
	}

	user, err := app.store.UserByName("alice")
	if err != nil {
		t.Fatalf("User was not created in database: %v", err)
	}
	if !user.Cash.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Expected starting cash 10000, got %s", user.Cash)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Hash), []byte("password123")); err != nil {
		t.Errorf("Stored hash does not match password: %v", err)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	form := url.Values{}
	form.Add("username", "alice")
	form.Add("password", "password123")
	form.Add("confirmation", "password123")

	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, postForm("/register", form))
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("First registration failed with status %v", rr.Code)
	}

	rr = httptest.NewRecorder()
	app.router.ServeHTTP(rr, postForm("/register", form))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Duplicate registration: got %v want %v", rr.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rr.Body.String(), "already taken") {
		t.Errorf("Expected duplicate-username message, got %q", rr.Body.String())
	}
}

func TestRegisterPasswordMismatch(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	form := url.Values{}
	form.Add("username", "alice")
	form.Add("password", "password123")
	form.Add("confirmation", "different")

	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, postForm("/register", form))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Mismatched passwords: got %v want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestLoginHandler(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
	if _, err := app.store.CreateUser("alice", string(hashedPassword), startingCash); err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	form := url.Values{}
	form.Add("username", "alice")
	form.Add("password", "password123")

	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, postForm("/login", form))

	if status := rr.Code; status != http.StatusSeeOther {
		t.Errorf("Handler returned wrong status code: got %v want %v", status, http.StatusSeeOther)
	}
	if location := rr.Header().Get("Location"); location != "/" {
		t.Errorf("Expected redirect to /, got %s", location)
	}
}

func TestLoginHandlerBadPassword(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
	if _, err := app.store.CreateUser("alice", string(hashedPassword), startingCash); err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	form := url.Values{}
	form.Add("username", "alice")
	form.Add("password", "wrong")

	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, postForm("/login", form))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Bad password: got %v want %v", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWithoutAuth(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusSeeOther {
		t.Errorf("Unauthenticated request should redirect: got %v want %v", status, http.StatusSeeOther)
	}
	if location := rr.Header().Get("Location"); location != "/login" {
		t.Errorf("Expected redirect to /login, got %s", location)
	}
}

func TestAuthMiddlewareWithAuth(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	userID := createTestUser(t, app.store, "alice", "10000")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(sessionCookie(t, app, userID))
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 OK, got %d", rec.Code)
	}
}

func TestBuyHandlerRejectsBadShareCount(t *testing.T) {
	app := setupTestApp(t, stubQuotes{"NVDA": "100"})
	defer app.db.Close()

	userID := createTestUser(t, app.store, "alice", "10000")

	for _, shares := range []string{"abc", "0", "-2", "1.5"} {
		form := url.Values{}
		form.Add("symbol", "NVDA")
		form.Add("shares", shares)

		req := postForm("/buy", form)
		req.AddCookie(sessionCookie(t, app, userID))
		rr := httptest.NewRecorder()
		app.router.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("shares=%q: got %v want %v", shares, rr.Code, http.StatusBadRequest)
		}
	}

	assertCash(t, app.store, userID, "10000")
}

func TestBuyHandlerInsufficientFunds(t *testing.T) {
	app := setupTestApp(t, stubQuotes{"NVDA": "50"})
	defer app.db.Close()

	userID := createTestUser(t, app.store, "alice", "100")

	form := url.Values{}
	form.Add("symbol", "NVDA")
	form.Add("shares", "10")

	req := postForm("/buy", form)
	req.AddCookie(sessionCookie(t, app, userID))
	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("got %v want %v", rr.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rr.Body.String(), "insufficient funds") {
		t.Errorf("Expected insufficient funds message, got %q", rr.Body.String())
	}
	assertCash(t, app.store, userID, "100")
}

func TestBuyHandlerSuccessRedirects(t *testing.T) {
	app := setupTestApp(t, stubQuotes{"NVDA": "100"})
	defer app.db.Close()

	userID := createTestUser(t, app.store, "alice", "10000")

	form := url.Values{}
	form.Add("symbol", "nvda")
	form.Add("shares", "10")

	req := postForm("/buy", form)
	req.AddCookie(sessionCookie(t, app, userID))
	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusSeeOther {
		t.Fatalf("got %v want %v, body %q", rr.Code, http.StatusSeeOther, rr.Body.String())
	}
	assertCash(t, app.store, userID, "9000")
	assertHolding(t, app.store, userID, "NVDA", 10)
}

func TestSellHandlerOverSell(t *testing.T) {
	app := setupTestApp(t, stubQuotes{"NVDA": "100"})
	defer app.db.Close()

	userID := createTestUser(t, app.store, "alice", "10000")
	if err := app.trader.Buy(userID, "NVDA", 3); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	form := url.Values{}
	form.Add("symbol", "NVDA")
	form.Add("shares", "5")

	req := postForm("/sell", form)
	req.AddCookie(sessionCookie(t, app, userID))
	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("got %v want %v", rr.Code, http.StatusBadRequest)
	}
	assertHolding(t, app.store, userID, "NVDA", 3)
}

func TestQuoteHandlerUnknownSymbol(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	userID := createTestUser(t, app.store, "alice", "10000")

	form := url.Values{}
	form.Add("symbol", "NOPE")

	req := postForm("/quote", form)
	req.AddCookie(sessionCookie(t, app, userID))
	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("got %v want %v", rr.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rr.Body.String(), "invalid stock symbol") {
		t.Errorf("Expected error response for unknown symbol")
	}
}

func TestPasswordHandlerWrongOldPassword(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
	userID, err := app.store.CreateUser("alice", string(hashedPassword), startingCash)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	form := url.Values{}
	form.Add("oldpass", "wrong")
	form.Add("newpass", "newpassword")
	form.Add("confirm", "newpassword")

	req := postForm("/password", form)
	req.AddCookie(sessionCookie(t, app, userID))
	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("got %v want %v", rr.Code, http.StatusBadRequest)
	}

	// Hash must be unchanged.
	hash, _ := app.store.UserHash(userID)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("password123")); err != nil {
		t.Errorf("Stored hash changed after rejected password change")
	}
}

func TestPasswordHandlerSuccess(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
	userID, err := app.store.CreateUser("alice", string(hashedPassword), startingCash)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	form := url.Values{}
	form.Add("oldpass", "password123")
	form.Add("newpass", "newpassword")
	form.Add("confirm", "newpassword")

	req := postForm("/password", form)
	req.AddCookie(sessionCookie(t, app, userID))
	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusSeeOther {
		t.Fatalf("got %v want %v", rr.Code, http.StatusSeeOther)
	}
	if location := rr.Header().Get("Location"); location != "/logout" {
		t.Errorf("Expected redirect to /logout, got %s", location)
	}

	hash, _ := app.store.UserHash(userID)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("newpassword")); err != nil {
		t.Errorf("New password not stored: %v", err)
	}
}

func TestHistoryHandlerListsTrades(t *testing.T) {
	app := setupTestApp(t, stubQuotes{"NVDA": "100"})
	defer app.db.Close()

	userID := createTestUser(t, app.store, "alice", "10000")
	if err := app.trader.Buy(userID, "NVDA", 2); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	req.AddCookie(sessionCookie(t, app, userID))
	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %v want %v", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "NVDA") || !strings.Contains(body, "Buy") {
		t.Errorf("History page missing trade row: %q", body)
	}
}

func TestIndexShowsNetWorth(t *testing.T) {
	app := setupTestApp(t, stubQuotes{"NVDA": "150"})
	defer app.db.Close()

	userID := createTestUser(t, app.store, "alice", "10000")
	if err := app.trader.Buy(userID, "NVDA", 10); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(sessionCookie(t, app, userID))
	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %v want %v", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	// 10000 - 1500 cash, 1500 position, 10000 total.
	for _, want := range []string{"NVDA", "$8,500.00", "$1,500.00", "$10,000.00"} {
		if !strings.Contains(body, want) {
			t.Errorf("Index page missing %q", want)
		}
	}
}

func TestResponsesAreNotCacheable(t *testing.T) {
	app := setupTestApp(t, stubQuotes{})
	defer app.db.Close()

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	rr := httptest.NewRecorder()
	app.router.ServeHTTP(rr, req)

	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Expected no-store Cache-Control, got %q", cc)
	}
}
