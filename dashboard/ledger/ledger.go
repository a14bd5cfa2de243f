package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"

	"ci-dashboard/caching"
	"ci-dashboard/goutils/datamodel"
)

var (
	ErrLoadLedger = errors.New("failed to load build ledger")
	ErrSaveLedger = errors.New("failed to save build ledger")
)

// MetaLedger keeps the build history per branch, oldest record first.
// Mutations are in memory only, Save persists them.
type MetaLedger struct {
	path    string
	disk    caching.DiskCache
	records map[string][]*datamodel.BuildRecord
}

func NewMetaLedger(path string, disk caching.DiskCache) *MetaLedger {
	return &MetaLedger{
		path:    path,
		disk:    disk,
		records: make(map[string][]*datamodel.BuildRecord),
	}
}

// Load replaces the in-memory state with the file contents. A missing file is an empty ledger.
func (m *MetaLedger) Load() error {
	data, err := m.disk.Read(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.records = make(map[string][]*datamodel.BuildRecord)

			return nil
		}

		return fmt.Errorf("%w: %s", ErrLoadLedger, err.Error())
	}

	records := make(map[string][]*datamodel.BuildRecord)
	if len(data) > 0 {
		if err = json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("%w: %s", ErrLoadLedger, err.Error())
		}
	}

	for branch, list := range records {
		if list == nil {
			records[branch] = []*datamodel.BuildRecord{}
		}
	}

	m.records = records

	log.WithField("branches", len(records)).Debug("loaded build ledger")

	return nil
}

func (m *MetaLedger) Save() error {
	data, err := json.Marshal(m.records)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSaveLedger, err.Error())
	}

	if err = m.disk.Write(m.path, data); err != nil {
		return fmt.Errorf("%w: %s", ErrSaveLedger, err.Error())
	}

	return nil
}

// RecordBuild stores the outcome for sha as the newest record of branch,
// dropping any earlier record for the same sha.
func (m *MetaLedger) RecordBuild(branch string, sha string, success bool) {
	list := m.records[branch]

	kept := make([]*datamodel.BuildRecord, 0, len(list)+1)
	for _, record := range list {
		if record.Sha != sha {
			kept = append(kept, record)
		}
	}

	m.records[branch] = append(kept, &datamodel.BuildRecord{Sha: sha, Success: success})
}

// PruneRetention evicts the oldest records of branch until at most limit remain.
// Each record is dropped only after evict succeeds for it; the first evict error stops
// the pruning and is returned with the records evicted so far, oldest first.
func (m *MetaLedger) PruneRetention(branch string, limit int, evict func(record datamodel.BuildRecord) error) ([]datamodel.BuildRecord, error) {
	if limit < 0 {
		limit = 0
	}

	var evicted []datamodel.BuildRecord

	for len(m.records[branch]) > limit {
		oldest := m.records[branch][0]

		if err := evict(*oldest); err != nil {
			return evicted, err
		}

		m.records[branch] = m.records[branch][1:]
		evicted = append(evicted, *oldest)
	}

	return evicted, nil
}

func (m *MetaLedger) RemoveBranch(branch string) bool {
	if _, ok := m.records[branch]; !ok {
		return false
	}

	delete(m.records, branch)

	return true
}

func (m *MetaLedger) Branches() []string {
	branches := make([]string, 0, len(m.records))
	for branch := range m.records {
		branches = append(branches, branch)
	}

	sort.Strings(branches)

	return branches
}

func (m *MetaLedger) Records(branch string) []datamodel.BuildRecord {
	list := m.records[branch]

	records := make([]datamodel.BuildRecord, 0, len(list))
	for _, record := range list {
		records = append(records, *record)
	}

	return records
}

func (m *MetaLedger) IsEmpty() bool {
	return len(m.records) == 0
}
