package sqlxrepos

import (
	"context"
	"strings"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
)

// schoolDirectory reads schools and their active student counts from the console tables.
type schoolDirectory struct {
	exec core.DBExecutor
}

var _ billing.SchoolDirectory = (*schoolDirectory)(nil) // interface compliance check

func NewSchoolDirectory(exec core.DBExecutor) *schoolDirectory {
	return &schoolDirectory{exec: exec}
}

func (dir schoolDirectory) ListSchools(ctx context.Context, filter billing.SchoolFilter) ([]billing.School, error) {
	var conds []string
	var args []interface{}

	if filter.ActiveOnly {
		conds = append(conds, "s.status = ?")
		args = append(args, billing.SchoolStatusActive)
	}
	if len(filter.IDs) > 0 {
		marks := make([]string, 0, len(filter.IDs))
		for _, id := range filter.IDs {
			marks = append(marks, "?")
			args = append(args, id)
		}
		conds = append(conds, "s.id IN ("+strings.Join(marks, ", ")+")")
	}

	q := "SELECT s.id, s.name, s.status, COUNT(st.id) AS active_student_count " +
		"FROM schools s LEFT JOIN students st ON st.school_id = s.id AND st.is_active = TRUE"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " GROUP BY s.id, s.name, s.status ORDER BY s.id"

	schools := make([]billing.School, 0)
	if err := dir.exec.SelectContext(ctx, &schools, dir.exec.Rebind(q), args...); err != nil {
		return nil, storeErr(err, "listing schools")
	}
	return schools, nil
}
