package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/conneroisu/xfailflake/internal/config"
	"github.com/conneroisu/xfailflake/internal/errors"
)

// DSN renders cfg as a libpq keyword/value connection string.
func DSN(cfg config.DatabaseConfig) string {
	pairs := []struct{ key, value string }{
		{"host", cfg.Host},
		{"port", fmt.Sprintf("%d", cfg.Port)},
		{"dbname", cfg.Name},
		{"user", cfg.User},
		{"password", cfg.Password},
		{"sslmode", cfg.SSLMode},
	}
	if cfg.ConnectTimeout > 0 {
		pairs = append(pairs, struct{ key, value string }{"connect_timeout", fmt.Sprintf("%d", int(cfg.ConnectTimeout.Seconds()))})
	}

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+quoteDSNValue(p.value))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Connect opens the history database through the pgx driver and verifies
// the connection.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.Host == "" {
		return nil, errors.NewConfigError("database host is not set (POSTGRES_HOST)")
	}

	db, err := sql.Open("pgx", DSN(cfg))
	if err != nil {
		return nil, errors.NewPersistenceError(errors.ErrCodeConnectFailed, "open database", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.NewPersistenceError(errors.ErrCodeConnectFailed,
			fmt.Sprintf("connect to %s:%d", cfg.Host, cfg.Port), err)
	}
	return db, nil
}
