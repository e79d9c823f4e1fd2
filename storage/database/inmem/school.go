package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/masomo-billing/core/billing"
)

type schoolDirectory struct {
	db *schoolTable
}

var _ billing.SchoolDirectory = (*schoolDirectory)(nil) // interface compliance check

func NewSchoolDirectory(db *DB) *schoolDirectory {
	return &schoolDirectory{db: db.schools}
}

// PutSchool inserts or replaces a school.
func (dir *schoolDirectory) PutSchool(s billing.School) {
	dir.db.mutex.Lock()
	dir.db.table[s.ID] = s
	dir.db.mutex.Unlock()
}

func (dir *schoolDirectory) ListSchools(ctx context.Context, filter billing.SchoolFilter) ([]billing.School, error) {
	dir.db.mutex.RLock()
	defer dir.db.mutex.RUnlock()

	schools := make([]billing.School, 0, len(dir.db.table))
	for _, s := range dir.db.table {
		if filter.ActiveOnly && !s.IsActive() {
			continue
		}
		if len(filter.IDs) > 0 && !containsStr(filter.IDs, s.ID) {
			continue
		}
		schools = append(schools, s)
	}
	sort.Slice(schools, func(i, j int) bool { return schools[i].ID < schools[j].ID })
	return schools, nil
}
