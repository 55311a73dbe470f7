package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_live_session_per_pair",
			SQL: `SELECT pair_id, COUNT(*) FROM sessions
                  WHERE phase NOT IN ('idle','closed','settled','timed_out')
                  GROUP BY pair_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_submitting_has_deadline",
			SQL:  `SELECT id FROM sessions WHERE phase = 'submitting' AND submission_deadline IS NULL`,
		},
		{
			Name: "O3_deliberation_requires_both_evidence",
			SQL: `SELECT id, phase FROM sessions
                  WHERE phase IN ('deliberating','resolution_select','resolution_mismatch')
                    AND (NOT evidence ? 'creator' OR NOT evidence ? 'partner')`,
		},
		{
			Name: "O4_verdict_picks_converged",
			SQL: `SELECT id, picks FROM sessions
                  WHERE phase IN ('verdict','rating')
                    AND (picks->>'creator') IS DISTINCT FROM (picks->>'partner')`,
		},
		{
			Name: "O5_retired_sessions_carry_no_deadlines",
			SQL: `SELECT id, phase FROM sessions
                  WHERE phase IN ('idle','closed','settled','timed_out')
                    AND (submission_deadline IS NOT NULL OR verdict_deadline IS NOT NULL)`,
		},
		{
			Name: "O6_addendum_budget",
			SQL:  `SELECT id, addendum_count FROM sessions WHERE addendum_count > 3`,
		},
		{
			Name: "O7_rating_range",
			SQL:  `SELECT id, rating FROM cases WHERE rating IS NOT NULL AND (rating < 1 OR rating > 5)`,
		},
		{
			Name: "O8_case_versions_gapless",
			SQL: `WITH v AS (
                      SELECT case_id, version,
                             LAG(version) OVER (PARTITION BY case_id ORDER BY version) AS prev
                      FROM case_verdict_versions)
                  SELECT * FROM v WHERE (prev IS NULL AND version <> 1) OR (prev IS NOT NULL AND version <> prev + 1)`,
		},
		{
			Name: "O9_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
