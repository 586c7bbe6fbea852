package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/clickguard/kestrel/internal/domain"
	_ "github.com/lib/pq"
)

// openPostgres opens the Pro-tier PostgreSQL connection.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	params := []string{
		"host=" + orDefault(cfg.PostgresHost, "localhost"),
		fmt.Sprintf("port=%d", orDefaultInt(cfg.PostgresPort, 5432)),
		"dbname=" + orDefault(cfg.PostgresDB, "kestrel"),
		"sslmode=" + orDefault(cfg.PostgresSSLMode, "disable"),
		"connect_timeout=5",
	}
	if cfg.PostgresUser != "" {
		params = append(params, "user="+cfg.PostgresUser)
	}
	if cfg.PostgresPassword != "" {
		params = append(params, "password="+cfg.PostgresPassword)
	}

	db, err := sql.Open("postgres", strings.Join(params, " "))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
