package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"trapwatch/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

type AlertRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewAlertRepository(pool PgxPool, tracer trace.Tracer) *AlertRepository {
	return &AlertRepository{pool: pool, tracer: tracer}
}

func (r *AlertRepository) InsertAlert(ctx context.Context, a *domain.Alert) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "alert-repo.insert")
	defer span.End()

	data := a.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode alert data: %w", err)
	}

	var id int64
	err = r.pool.QueryRow(ctx,
		`INSERT INTO alerts (ts, type, priority, source, ticker, message, data, acknowledged)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		a.Timestamp, string(a.Type), string(a.Priority), a.Source, a.Ticker, a.Message, raw, a.Acknowledged,
	).Scan(&id)
	return id, err
}

func (r *AlertRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	ctx, span := r.tracer.Start(ctx, "alert-repo.list")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if filter.Ticker != "" {
		args = append(args, filter.Ticker)
		where = append(where, fmt.Sprintf("ticker = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.UnackedOnly {
		where = append(where, "NOT acknowledged")
	}
	query := `SELECT id, ts, type, priority, source, ticker, message, data, acknowledged FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var (
			a             domain.Alert
			typ, priority string
			raw           []byte
		)
		if err := rows.Scan(&a.ID, &a.Timestamp, &typ, &priority, &a.Source, &a.Ticker, &a.Message, &raw, &a.Acknowledged); err != nil {
			return nil, err
		}
		a.Type = domain.AlertType(typ)
		a.Priority = domain.AlertPriority(priority)
		a.Timestamp = a.Timestamp.UTC()
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a.Data); err != nil {
				return nil, fmt.Errorf("decode alert data: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AckAlert marks an alert acknowledged. Acknowledging twice is not an error.
func (r *AlertRepository) AckAlert(ctx context.Context, id int64) error {
	ctx, span := r.tracer.Start(ctx, "alert-repo.ack")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `UPDATE alerts SET acknowledged = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
