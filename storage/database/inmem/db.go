package inmemdb

import (
	"sync"

	"github.com/trezcool/masomo-billing/core/billing"
)

type (
	DB struct {
		billing   *billingTable
		schools   *schoolTable
		sequences *sequenceTable
	}

	billingTable struct {
		table map[string]*billing.Record // {id: record}
		keys  map[string]string          // {idempotency key: id}
		mutex sync.RWMutex
	}

	schoolTable struct {
		table map[string]billing.School
		mutex sync.RWMutex
	}

	sequenceTable struct {
		table map[string]int64 // {"prefix:year": last value}
		mutex sync.Mutex
	}
)

func Open() *DB {
	return &DB{
		billing: &billingTable{
			table: make(map[string]*billing.Record),
			keys:  make(map[string]string),
		},
		schools:   &schoolTable{table: make(map[string]billing.School)},
		sequences: &sequenceTable{table: make(map[string]int64)},
	}
}
