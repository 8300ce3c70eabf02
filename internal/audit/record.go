package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/atombond/internal/atom"
)

// Promotion is one row of the audit log.
type Promotion struct {
	Seq          int64
	ID           string
	Account      string
	Tier         string
	RecordType   string
	Index        int64
	Frequency    string
	AtomicWeight int
	Digest       string
	Record       atom.BondedRecord
}

// RecordPromotion implements engine.AuditSink. Recording the same
// (account, tier, index) twice is acknowledged without a second row.
func (s *Sink) RecordPromotion(ctx context.Context, account, tier string, rec atom.BondedRecord) error {
	snapshot, err := encodeSnapshot(rec)
	if err != nil {
		return fmt.Errorf("record promotion: encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO promotions
		(id, account, tier, record_type, idx, frequency, atomic_weight, digest, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		s.ids.Generate(),
		account,
		tier,
		rec.Type,
		rec.Index,
		rec.Frequency.String(),
		rec.AtomicWeight,
		rec.Digest,
		snapshot,
	)
	if err != nil {
		return fmt.Errorf("record promotion: %w", err)
	}
	return nil
}

// ListPromotions returns the most recent promotions of an account, oldest
// first. A non-positive limit returns all of them.
//
// Returns an empty slice (not nil) if nothing was recorded.
func (s *Sink) ListPromotions(ctx context.Context, account string, limit int) ([]Promotion, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, account, tier, record_type, idx, frequency, atomic_weight, digest, snapshot
		FROM (
			SELECT * FROM promotions
			WHERE account = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("query promotions: %w", err)
	}
	defer rows.Close()

	promotions := []Promotion{}
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		promotions = append(promotions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate promotions: %w", err)
	}
	return promotions, nil
}

// FindByDigest returns the promotion that produced the record with digest.
func (s *Sink) FindByDigest(ctx context.Context, digest string) (Promotion, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, account, tier, record_type, idx, frequency, atomic_weight, digest, snapshot
		FROM promotions
		WHERE digest = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
		LIMIT 1
	`, digest)

	p, err := scanPromotion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Promotion{}, false, nil
	}
	if err != nil {
		return Promotion{}, false, err
	}
	return p, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPromotion(row scanner) (Promotion, error) {
	var p Promotion
	var snapshot []byte
	err := row.Scan(
		&p.Seq,
		&p.ID,
		&p.Account,
		&p.Tier,
		&p.RecordType,
		&p.Index,
		&p.Frequency,
		&p.AtomicWeight,
		&p.Digest,
		&snapshot,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Promotion{}, err
	}
	if err != nil {
		return Promotion{}, fmt.Errorf("scan promotion: %w", err)
	}

	p.Record, err = decodeSnapshot(snapshot)
	if err != nil {
		return Promotion{}, fmt.Errorf("decode snapshot %s: %w", p.ID, err)
	}
	return p, nil
}
