package config

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var db *gorm.DB

func GetDB() *gorm.DB {
	return db
}

// DatabaseSettings is read from the DB_* variables.
type DatabaseSettings struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func LoadDatabaseSettings() DatabaseSettings {
	return DatabaseSettings{
		User:            os.Getenv("DB_USER"),
		Password:        os.Getenv("DB_PASSWORD"),
		Host:            strings.TrimSpace(os.Getenv("DB_HOST")),
		Port:            strings.TrimSpace(os.Getenv("DB_PORT")),
		Name:            os.Getenv("DB_NAME"),
		MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 50),
		MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 25),
		ConnMaxLifetime: secondsFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300),
		ConnMaxIdleTime: secondsFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60),
	}
}

// DSN renders the driver DSN. A host under /cloudsql/ is the unix socket of
// the Cloud SQL auth proxy.
func (s DatabaseSettings) DSN() string {
	cfg := mysqlDriver.NewConfig()
	cfg.User = s.User
	cfg.Passwd = s.Password
	cfg.DBName = s.Name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = true
	if strings.HasPrefix(s.Host, "/cloudsql/") {
		cfg.Net = "unix"
		cfg.Addr = s.Host
	} else {
		cfg.Net = "tcp"
		port := s.Port
		if port == "" {
			port = "3306"
		}
		cfg.Addr = s.Host + ":" + port
	}
	return cfg.FormatDSN()
}

func (s DatabaseSettings) applyPool(g *gorm.DB) error {
	sqlDB, err := g.DB()
	if err != nil {
		return err
	}
	if s.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(s.MaxOpenConns)
	}
	if s.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(s.MaxIdleConns)
	}
	if s.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(s.ConnMaxLifetime)
	}
	if s.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(s.ConnMaxIdleTime)
	}
	return nil
}

// ConnectDatabaseWithRetry blocks until MySQL answers and sets the global DB.
func ConnectDatabaseWithRetry() {
	settings := LoadDatabaseSettings()
	entry := GetLogger().WithFields(logrus.Fields{"field": "database", "host": settings.Host, "name": settings.Name})

	_ = retryWithBackoff(context.Background(), func(attempt int) error {
		conn, err := gorm.Open(mysql.Open(settings.DSN()), InitConfig())
		if err != nil {
			entry.WithField("attempt", attempt).Warn("connect failed: " + err.Error())
			return err
		}
		if err := settings.applyPool(conn); err != nil {
			entry.Warn("pool settings not applied: " + err.Error())
		}
		if err := conn.Use(otelgorm.NewPlugin()); err != nil {
			entry.Warn("otelgorm plugin not installed: " + err.Error())
		}
		db = conn
		entry.WithField("attempt", attempt).Info("database connected")
		return nil
	})
}

// retryWithBackoff calls fn until it succeeds or ctx ends, sleeping 2s, 4s
// and so on up to 30s between attempts.
func retryWithBackoff(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(attempt)):
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	d := time.Second << uint(attempt)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// InitConfig is shared by every dialect we open (MySQL in production, SQLite
// in tests). TranslateError maps unique-key violations to gorm.ErrDuplicatedKey.
func InitConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         gormLogger(),
		NamingStrategy: schema.NamingStrategy{},
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// GORM_LOG=info prints every statement.
func gormLogger() logger.Interface {
	level := logger.Error
	if strings.EqualFold(os.Getenv("GORM_LOG"), "info") {
		level = logger.Info
	}
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			LogLevel:                  level,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}
