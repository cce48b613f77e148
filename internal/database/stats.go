package database

import "context"

// GetStats returns aggregate database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		Proposals: make(map[ProposalStatus]int),
		Courses:   make(map[CourseStatus]int),
	}

	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM trend_proposals GROUP BY status")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.Proposals[ProposalStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM courses GROUP BY status")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.Courses[CourseStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(generation_cost_usd), 0), COALESCE(SUM(tokens_used), 0) FROM courses",
	).Scan(&s.TotalCostUSD, &s.TotalTokens)
	if err != nil {
		return nil, err
	}
	return s, nil
}
