package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const proposalColumns = `id, source, source_id, source_url, title, description, keywords, trend_score,
	course_proposal, source_excerpt, status, course_id, failure_reason, failed_sections,
	generation_started_at, heartbeat_at, created_at, updated_at`

// sqliteTime is the layout of datetime('now').
const sqliteTime = "2006-01-02 15:04:05"

// InsertProposal stores a new proposal in status NEW. A proposal with the same
// (source, source_id) is left untouched; its id is returned with created=false.
func (db *DB) InsertProposal(ctx context.Context, p TrendProposal) (id int64, created bool, err error) {
	keywords, err := marshalJSON(p.Keywords)
	if err != nil {
		return 0, false, err
	}
	proposal, err := json.Marshal(p.Proposal)
	if err != nil {
		return 0, false, err
	}

	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO trend_proposals
		(source, source_id, source_url, title, description, keywords, trend_score, course_proposal, source_excerpt, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, source_id) DO NOTHING`,
		p.Source, p.SourceID, p.SourceURL, p.Title, p.Description, keywords, p.TrendScore,
		string(proposal), p.SourceExcerpt, string(ProposalNew),
	)
	if err != nil {
		return 0, false, fmt.Errorf("inserting proposal: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		existing, err := db.GetProposalBySource(ctx, p.Source, p.SourceID)
		if err != nil {
			return 0, false, err
		}
		return existing.ID, false, nil
	}

	id, err = result.LastInsertId()
	return id, true, err
}

// GetProposal returns a proposal by id, or ErrNotFound.
func (db *DB) GetProposal(ctx context.Context, id int64) (*TrendProposal, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+proposalColumns+" FROM trend_proposals WHERE id = ?", id)
	return scanProposalRow(row)
}

// GetProposalBySource returns the proposal ingested from source/sourceID, or ErrNotFound.
func (db *DB) GetProposalBySource(ctx context.Context, source, sourceID string) (*TrendProposal, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+proposalColumns+" FROM trend_proposals WHERE source = ? AND source_id = ?",
		source, sourceID)
	return scanProposalRow(row)
}

// ListProposals returns proposals newest first. An empty status lists all;
// limit <= 0 means no limit.
func (db *DB) ListProposals(ctx context.Context, status ProposalStatus, limit int) ([]TrendProposal, error) {
	query := "SELECT " + proposalColumns + " FROM trend_proposals"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProposals(rows)
}

// ListStaleGenerating returns GENERATING proposals whose last heartbeat (or
// start, for rows without one) is older than the cutoff.
func (db *DB) ListStaleGenerating(ctx context.Context, cutoff time.Time) ([]TrendProposal, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+proposalColumns+` FROM trend_proposals
		WHERE status = ? AND IFNULL(COALESCE(heartbeat_at, generation_started_at), '') < ?
		ORDER BY id`,
		string(ProposalGenerating), cutoff.UTC().Format(sqliteTime),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProposals(rows)
}

// TransitionProposal moves a proposal from one status to another, writing the
// patch in the same statement. The write only applies if the stored status is
// still from; otherwise a *ConflictError (or ErrNotFound) is returned.
func (db *DB) TransitionProposal(ctx context.Context, id int64, from, to ProposalStatus, patch ProposalPatch) error {
	var failed *string
	if len(patch.FailedSections) > 0 {
		data, err := json.Marshal(patch.FailedSections)
		if err != nil {
			return err
		}
		s := string(data)
		failed = &s
	}

	result, err := db.conn.ExecContext(ctx,
		`UPDATE trend_proposals SET
			status = ?1,
			course_id = COALESCE(?2, course_id),
			failure_reason = NULLIF(?3, ''),
			failed_sections = ?4,
			generation_started_at = CASE WHEN ?5 = 'GENERATING' THEN datetime('now') ELSE generation_started_at END,
			heartbeat_at = CASE WHEN ?5 = 'GENERATING' THEN datetime('now') ELSE heartbeat_at END,
			updated_at = datetime('now')
		WHERE id = ?6 AND status = ?7`,
		string(to), patch.CourseID, patch.FailureReason, failed, string(to), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("updating proposal %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := db.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	return &ConflictError{Entity: "proposal", ID: id, Expected: string(from), Actual: string(current.Status)}
}

// TouchProposal records that the run generating proposal id is still alive.
// It returns a *ConflictError when the proposal is no longer GENERATING.
func (db *DB) TouchProposal(ctx context.Context, id int64) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE trend_proposals SET heartbeat_at = datetime('now') WHERE id = ? AND status = ?",
		id, string(ProposalGenerating),
	)
	if err != nil {
		return fmt.Errorf("touching proposal %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := db.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	return &ConflictError{Entity: "proposal", ID: id, Expected: string(ProposalGenerating), Actual: string(current.Status)}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// touchCourseProposal bumps the heartbeat of the GENERATING proposal that owns courseID.
func touchCourseProposal(ctx context.Context, ex execer, courseID int64) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE trend_proposals SET heartbeat_at = datetime('now')
		WHERE status = ? AND id = (SELECT proposal_id FROM courses WHERE id = ?)`,
		string(ProposalGenerating), courseID,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProposalRow(row *sql.Row) (*TrendProposal, error) {
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanProposals(rows *sql.Rows) ([]TrendProposal, error) {
	var proposals []TrendProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}

func scanProposal(s scanner) (*TrendProposal, error) {
	var p TrendProposal
	var keywords, proposal, failed sql.NullString
	var status string
	if err := s.Scan(&p.ID, &p.Source, &p.SourceID, &p.SourceURL, &p.Title, &p.Description,
		&keywords, &p.TrendScore, &proposal, &p.SourceExcerpt, &status, &p.CourseID,
		&p.FailureReason, &failed, &p.GenerationStartedAt, &p.HeartbeatAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = ProposalStatus(status)

	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &p.Keywords); err != nil {
			return nil, fmt.Errorf("proposal %d keywords: %w", p.ID, err)
		}
	}
	if proposal.Valid && proposal.String != "" {
		if err := json.Unmarshal([]byte(proposal.String), &p.Proposal); err != nil {
			return nil, fmt.Errorf("proposal %d course proposal: %w", p.ID, err)
		}
	}
	if failed.Valid && failed.String != "" {
		if err := json.Unmarshal([]byte(failed.String), &p.FailedSections); err != nil {
			return nil, fmt.Errorf("proposal %d failed sections: %w", p.ID, err)
		}
	}
	return &p, nil
}

func marshalJSON(v []string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
