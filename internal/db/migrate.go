package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"

	// Драйвер postgres для database/sql
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Migrate применяет схему к базе данных через database/sql.
// Все выражения схемы идемпотентны, повторный запуск безопасен.
func Migrate(ctx context.Context, databaseURL string) error {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("ошибка открытия соединения для миграции: %w", err)
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ошибка проверки соединения для миграции: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции миграции: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ошибка применения схемы: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации миграции: %w", err)
	}

	log.Println("✅ Схема базы данных применена")
	return nil
}
