package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/TobiSchelling/CourseForge/internal/curriculum"
)

const courseColumns = `id, proposal_id, title, description, category_id, provider_id, language, level,
	curriculum_json, status, generation_cost_usd, tokens_used, ai_model, created_at, updated_at, published_at`

// CreateCourse stores c as a DRAFT course, including the cost already spent
// producing it, and links it from its proposal in the same transaction.
func (db *DB) CreateCourse(ctx context.Context, c *Course) (int64, error) {
	if err := c.Curriculum.Validate(); err != nil {
		return 0, fmt.Errorf("invalid curriculum: %w", err)
	}
	doc, err := c.Curriculum.Marshal()
	if err != nil {
		return 0, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO courses
		(proposal_id, title, description, category_id, provider_id, language, level,
		 curriculum_json, status, generation_cost_usd, tokens_used, ai_model)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ProposalID, c.Title, c.Description, c.CategoryID, c.ProviderID, c.Language, c.Level,
		doc, string(CourseDraft), c.GenerationCostUSD, c.TokensUsed, c.AIModel,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting course: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	if c.ProposalID != nil {
		if _, err := tx.ExecContext(ctx,
			"UPDATE trend_proposals SET course_id = ?, updated_at = datetime('now') WHERE id = ?",
			id, *c.ProposalID,
		); err != nil {
			return 0, fmt.Errorf("linking proposal: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	c.ID = id
	c.Status = CourseDraft
	return id, nil
}

// GetCourse returns a course by id, or ErrNotFound.
func (db *DB) GetCourse(ctx context.Context, id int64) (*Course, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+courseColumns+" FROM courses WHERE id = ?", id)
	return scanCourseRow(row)
}

// GetCourseByProposal returns the newest course built from a proposal, or ErrNotFound.
func (db *DB) GetCourseByProposal(ctx context.Context, proposalID int64) (*Course, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+courseColumns+" FROM courses WHERE proposal_id = ? ORDER BY id DESC LIMIT 1", proposalID)
	return scanCourseRow(row)
}

// ListCourses returns courses newest first. An empty status lists all.
func (db *DB) ListCourses(ctx context.Context, status CourseStatus) ([]Course, error) {
	query := "SELECT " + courseColumns + " FROM courses"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id DESC"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		courses = append(courses, *c)
	}
	return courses, rows.Err()
}

// TransitionCourse moves a course between statuses if it is still in from.
func (db *DB) TransitionCourse(ctx context.Context, id int64, from, to CourseStatus) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE courses SET
			status = ?,
			published_at = CASE WHEN ? = 'PUBLISHED' THEN datetime('now') ELSE published_at END,
			updated_at = datetime('now')
		WHERE id = ? AND status = ?`,
		string(to), string(to), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("updating course %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := db.GetCourse(ctx, id)
	if err != nil {
		return err
	}
	return &ConflictError{Entity: "course", ID: id, Expected: string(from), Actual: string(current.Status)}
}

// PublishCourse moves a PENDING course to PUBLISHED. Every section must be
// GENERATED; otherwise ErrIncomplete is returned and nothing changes.
func (db *DB) PublishCourse(ctx context.Context, id int64) (*Course, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var raw, status string
	err = tx.QueryRowContext(ctx, "SELECT curriculum_json, status FROM courses WHERE id = ?", id).Scan(&raw, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if CourseStatus(status) != CoursePending {
		return nil, &ConflictError{Entity: "course", ID: id, Expected: string(CoursePending), Actual: status}
	}

	doc, err := curriculum.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !doc.AllGenerated() {
		return nil, ErrIncomplete
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE courses SET status = ?, published_at = datetime('now'), updated_at = datetime('now')
		WHERE id = ? AND status = ?`,
		string(CoursePublished), id, string(CoursePending),
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return db.GetCourse(ctx, id)
}

// UpdateSection writes the mutable fields of one section. The write only
// applies if the stored section is still in status expect. Index, title, type
// and objective keep their stored values.
func (db *DB) UpdateSection(ctx context.Context, courseID int64, sec curriculum.Section, expect curriculum.SectionStatus) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT curriculum_json FROM courses WHERE id = ?", courseID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	doc, err := curriculum.Parse(raw)
	if err != nil {
		return err
	}
	if sec.Index < 0 || sec.Index >= len(doc.Sections) {
		return fmt.Errorf("course %d has no section %d", courseID, sec.Index)
	}

	stored := doc.Sections[sec.Index]
	if stored.Status != expect {
		return &ConflictError{
			Entity:   fmt.Sprintf("course %d section", courseID),
			ID:       int64(sec.Index),
			Expected: string(expect),
			Actual:   string(stored.Status),
		}
	}

	sec.Title = stored.Title
	sec.Type = stored.Type
	sec.Objective = stored.Objective
	sec.EstimatedMinutes = stored.EstimatedMinutes
	doc.Sections[sec.Index] = sec

	out, err := doc.Marshal()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE courses SET curriculum_json = ?, updated_at = datetime('now') WHERE id = ?",
		out, courseID,
	); err != nil {
		return err
	}
	if err := touchCourseProposal(ctx, tx, courseID); err != nil {
		return err
	}
	return tx.Commit()
}

// AddGenerationCost atomically adds usd and tokens to a course's running
// totals and returns the new cumulative cost. The owning proposal's heartbeat
// is bumped in the same transaction.
func (db *DB) AddGenerationCost(ctx context.Context, courseID int64, usd float64, tokens int) (float64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total float64
	err = tx.QueryRowContext(ctx,
		`UPDATE courses SET
			generation_cost_usd = generation_cost_usd + ?,
			tokens_used = tokens_used + ?,
			updated_at = datetime('now')
		WHERE id = ?
		RETURNING generation_cost_usd`,
		usd, tokens, courseID,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if err := touchCourseProposal(ctx, tx, courseID); err != nil {
		return 0, err
	}
	return total, tx.Commit()
}

func scanCourseRow(row *sql.Row) (*Course, error) {
	c, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanCourse(s scanner) (*Course, error) {
	var c Course
	var description, language, level, model sql.NullString
	var raw, status string
	if err := s.Scan(&c.ID, &c.ProposalID, &c.Title, &description, &c.CategoryID, &c.ProviderID,
		&language, &level, &raw, &status, &c.GenerationCostUSD, &c.TokensUsed, &model,
		&c.CreatedAt, &c.UpdatedAt, &c.PublishedAt); err != nil {
		return nil, err
	}
	c.Description = description.String
	c.Language = language.String
	c.Level = level.String
	c.AIModel = model.String
	c.Status = CourseStatus(status)

	doc, err := curriculum.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("course %d: %w", c.ID, err)
	}
	c.Curriculum = doc
	return &c, nil
}
