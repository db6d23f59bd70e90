package main

import (
	"context"
	"database/sql"
	"html/template"
	"log"
	"os"

	"github.com/Rhymond/go-money"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/sessions"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// usd formats a decimal amount for display, e.g. 1234.5 -> "$1,234.50".
func usd(v decimal.Decimal) string {
	return money.New(v.Round(2).Shift(2).IntPart(), money.USD).Display()
}

func initTemplate() *template.Template {
	tmpl, err := template.New("").Funcs(template.FuncMap{"usd": usd}).ParseGlob("templates/*.html")
	if err != nil {
		log.Fatal("Error parsing templates: ", err)
	}
	return tmpl
}

func initStore() *sessions.CookieStore {
	sessionKey := os.Getenv("SESSION_KEY")
	if sessionKey == "" {
		sessionKey = "test-key"
	}
	return sessions.NewCookieStore([]byte(sessionKey))
}

func initDB() *sql.DB {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		log.Fatal("Missing environment variable DATABASE_URL")
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatal("Error connecting to database: ", err)
	}

	if err = db.Ping(); err != nil {
		log.Fatal("Error pinging database: ", err)
	}

	if err := NewStore(db).Init(); err != nil {
		log.Fatal("Error creating tables: ", err)
	}

	log.Println("Database initialized successfully")

	return db
}

// initCache connects to Redis when REDIS_ADDR is set; quote lookups work
// without it, just uncached.
func initCache() *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}

	cache := redis.NewClient(&redis.Options{Addr: addr})
	if err := cache.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Error pinging redis: ", err)
	}
	return cache
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		log.Fatal("Missing environment variable API_KEY")
	}

	db := initDB()
	defer db.Close()

	quotes := NewQuoteClient(apiKey, initCache())
	app := NewApp(db, quotes, initStore(), initTemplate())

	log.Fatal(app.Run())
}
