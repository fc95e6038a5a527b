// Package data provides database connection and data access functionality
package data

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v4/pgxpool"
	polygon "github.com/polygon-io/client-go/rest"
)

// Conn encapsulates database connections and API clients shared across
// the scan engine.
type Conn struct {
	DB                   *pgxpool.Pool
	Polygon              *polygon.Client
	Cache                *redis.Client
	PolygonKey           string
	ExecutionEnvironment string
}

type dbConnResult struct {
	conn *pgxpool.Pool
	err  error
}

type redisConnResult struct {
	client *redis.Client
	err    error
}

// InitConn establishes the database, cache and reference-data connections
// the scan engine runs against. It blocks (retrying with backoff) until
// both the database and Redis are reachable or the 90s deadline expires.
func InitConn(inContainer bool) (*Conn, func()) {
	dbHost := getEnv("DB_HOST", "db")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "postgres")
	dbPassword := getEnv("DB_PASSWORD", "")

	redisHost := getEnv("REDIS_HOST", "cache")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")

	polygonKey := getEnv("POLYGON_API_KEY", "")

	executionEnvironment := getEnv("ENVIRONMENT", "")
	if executionEnvironment == "" || executionEnvironment == "dev" || executionEnvironment == "development" {
		executionEnvironment = "dev"
	} else {
		executionEnvironment = "prod"
	}

	var dbURL string
	var cacheURL string

	encodedPassword := url.QueryEscape(dbPassword)

	if inContainer {
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s", dbUser, encodedPassword, dbHost, dbPort)
		cacheURL = fmt.Sprintf("%s:%s", redisHost, redisPort)
	} else {
		dbURL = fmt.Sprintf("postgres://%s:%s@localhost:%s", dbUser, encodedPassword, dbPort)
		cacheURL = fmt.Sprintf("localhost:%s", redisPort)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	dbResult := make(chan dbConnResult, 1)
	go func() {
		defer close(dbResult)
		var lastErr error
		for {
			select {
			case <-ctx.Done():
				dbResult <- dbConnResult{conn: nil, err: lastErr}
				return
			default:
				poolConfig, parseErr := pgxpool.ParseConfig(dbURL)
				if parseErr != nil {
					lastErr = parseErr
					time.Sleep(1 * time.Second)
					continue
				}

				poolConfig.MaxConns = 50
				poolConfig.MinConns = 10
				poolConfig.MaxConnLifetime = 60 * time.Minute
				poolConfig.MaxConnIdleTime = 5 * time.Minute
				poolConfig.HealthCheckPeriod = 30 * time.Second
				poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

				dbConn, err := pgxpool.ConnectConfig(ctx, poolConfig)
				if err != nil {
					lastErr = err
					time.Sleep(1 * time.Second)
					continue
				}
				dbResult <- dbConnResult{conn: dbConn, err: nil}
				return
			}
		}
	}()

	dbRes := <-dbResult
	if dbRes.err != nil || dbRes.conn == nil {
		panic(fmt.Sprintf("failed to connect to database after 90s. url: %s, err: %v", dbURL, dbRes.err))
	}

	redisCtx, redisCancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer redisCancel()

	redisResult := make(chan redisConnResult, 1)
	go func() {
		defer close(redisResult)
		var lastErr error
		for {
			select {
			case <-redisCtx.Done():
				redisResult <- redisConnResult{client: nil, err: lastErr}
				return
			default:
				opts := &redis.Options{
					Addr:            cacheURL,
					PoolSize:        20,
					MinIdleConns:    10,
					PoolTimeout:     60 * time.Second,
					ReadTimeout:     30 * time.Second,
					WriteTimeout:    30 * time.Second,
					MaxRetries:      5,
					MinRetryBackoff: 1 * time.Second,
					MaxRetryBackoff: 10 * time.Second,
					DialTimeout:     5 * time.Second,
				}
				if redisPassword != "" {
					opts.Password = redisPassword
				}

				cache := redis.NewClient(opts)
				if err := cache.Ping(redisCtx).Err(); err != nil {
					lastErr = err
					time.Sleep(1 * time.Second)
					continue
				}
				redisResult <- redisConnResult{client: cache, err: nil}
				return
			}
		}
	}()

	redisRes := <-redisResult
	if redisRes.err != nil || redisRes.client == nil {
		panic(fmt.Sprintf("failed to connect to redis after 90s. addr: %s, err: %v", cacheURL, redisRes.err))
	}

	httpClient := &http.Client{
		Timeout: 120 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			ExpectContinueTimeout: 10 * time.Second,
			MaxConnsPerHost:       100,
		},
	}

	polygonClient := polygon.NewWithClient(polygonKey, httpClient)
	polygonClient.HTTP.SetDisableWarn(true)
	polygonClient.HTTP.SetLogger(NoOp{})

	localConn := &Conn{
		DB:                   dbRes.conn,
		Cache:                redisRes.client,
		Polygon:              polygonClient,
		PolygonKey:           polygonKey,
		ExecutionEnvironment: executionEnvironment,
	}

	cleanup := func() {
		if localConn.DB != nil {
			localConn.DB.Close()
		}
		if localConn.Cache != nil {
			if err := localConn.Cache.Close(); err != nil {
				log.Printf("error closing redis connection: %v", err)
			}
		}
	}
	return localConn, cleanup
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// NoOp is a no-operation logger implementation that discards all log
// messages emitted by the Polygon SDK's internal HTTP client.
type NoOp struct{}

func (NoOp) Printf(string, ...interface{}) {}
func (NoOp) Errorf(string, ...interface{}) {}
func (NoOp) Warnf(string, ...interface{})  {}
func (NoOp) Debugf(string, ...interface{}) {}
