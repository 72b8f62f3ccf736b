package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/aifleet-control-plane/internal/journal"
)

type JournalRepo struct {
	db *sql.DB
}

func NewJournalRepo(connString string) *JournalRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		// В main мы проверим соединение через Ping
		log.Fatal(err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &JournalRepo{db: db}
}

func (r *JournalRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *JournalRepo) WriteBatch(ctx context.Context, events []journal.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице fleet_events
	numFields := 5
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5)

		detail, _ := json.Marshal(e.Detail)

		vals = append(vals,
			e.ID, string(e.Kind), e.AgentName, detail, e.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO fleet_events (id, kind, agent_name, detail, created_at) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}
