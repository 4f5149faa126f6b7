package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/relaychat/internal/models"
)

type DeliveryStore struct {
	pool *pgxpool.Pool
}

func NewDeliveryStore(pool *pgxpool.Pool) *DeliveryStore {
	return &DeliveryStore{pool: pool}
}

// Save upserts each record in one batch.
//
// The DO UPDATE ... WHERE clause only fires when the incoming state is
// higher than the stored one. Two acknowledgements racing each other
// (delivered and read arriving on different connections) can therefore
// land in any order and the row still ends at read.
func (s *DeliveryStore) Save(ctx context.Context, records ...models.DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO delivery_records (message_id, recipient_id, chat_id, sender_id, seq, state,
			sent_at, delivered_at, read_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id, recipient_id) DO UPDATE
		SET state = EXCLUDED.state,
			delivered_at = COALESCE(delivery_records.delivered_at, EXCLUDED.delivered_at),
			read_at = COALESCE(delivery_records.read_at, EXCLUDED.read_at)
		WHERE delivery_records.state < EXCLUDED.state`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query,
			r.MessageID, r.RecipientID, r.ChatID, r.SenderID, r.Sequence, int16(r.State),
			r.SentAt, r.DeliveredAt, r.ReadAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save delivery records: %w", err)
	}
	return nil
}

func (s *DeliveryStore) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]models.DeliveryRecord, error) {
	query := `
		SELECT message_id, recipient_id, chat_id, sender_id, seq, state, sent_at, delivered_at, read_at
		FROM delivery_records
		WHERE message_id = $1
		ORDER BY sent_at, recipient_id`

	rows, err := s.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("list delivery records: %w", err)
	}
	defer rows.Close()

	records := make([]models.DeliveryRecord, 0)
	for rows.Next() {
		var (
			r     models.DeliveryRecord
			state int16
		)
		if err := rows.Scan(
			&r.MessageID,
			&r.RecipientID,
			&r.ChatID,
			&r.SenderID,
			&r.Sequence,
			&state,
			&r.SentAt,
			&r.DeliveredAt,
			&r.ReadAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		r.State = models.DeliveryState(state)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery records: %w", err)
	}

	return records, nil
}

func (s *DeliveryStore) ListUnread(ctx context.Context, chatID, recipientID uuid.UUID, upTo int64) ([]uuid.UUID, error) {
	query := `
		SELECT message_id
		FROM delivery_records
		WHERE chat_id = $1 AND recipient_id = $2 AND seq <= $3 AND state < $4
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, chatID, recipientID, upTo, int16(models.DeliveryRead))
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unread: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread: %w", err)
	}
	return ids, nil
}
