// Package ledger keeps the per-output-directory record of which input items are claimed by which job, so that
// overlapping scheduling passes do not process the same input twice.
//
// A ledger file holds one claim per line, "<itemKey>;<jobId>". Claims are serialised per file within one process.
// Across processes the read-modify-write is not locked: writers to one scope are expected to be serialised by their
// trigger cadence.
package ledger

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
)

const fileStem = "in_progress_products"

// Sharding selects how many ledger files an output directory has.
type Sharding int

const (
	// ShardNone keeps a single ledger per output directory.
	ShardNone Sharding = iota
	// ShardByYear keeps one ledger per output directory and year.
	ShardByYear
)

func (s *Sharding) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "none":
		*s = ShardNone
	case "year", "byyear":
		*s = ShardByYear
	default:
		return errors.Errorf("unknown ledger sharding %q", text)
	}
	return nil
}

func (s Sharding) String() string {
	if s == ShardByYear {
		return "year"
	}
	return "none"
}

// Scope identifies one ledger file.
type Scope struct {
	OutputDir string
	Sharding  Sharding
	Year      int
}

// Path returns the ledger file of the scope.
func (s Scope) Path() string {
	if s.Sharding == ShardByYear {
		return filepath.Join(s.OutputDir, fmt.Sprintf("%s_%d.txt", fileStem, s.Year))
	}
	return filepath.Join(s.OutputDir, fileStem+".txt")
}

type Entry struct {
	ItemKey string
	JobId   int
}

// Request asks for the candidates of a scheduling pass to be claimed for a job.
type Request struct {
	Scope Scope
	JobId int
	// Candidates are the unprocessed items, in the order they should be processed.
	Candidates []string
	// Produced holds items whose output is confirmed persisted. Claims on these are released.
	Produced map[string]bool
	// ActiveJobIds are the jobs whose claims are still honoured.
	ActiveJobIds []int
}

// Ledger serialises access to ledger files within the process.
type Ledger struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New() *Ledger {
	return &Ledger{locks: make(map[string]*sync.Mutex)}
}

func (l *Ledger) lock(path string) func() {
	l.mu.Lock()
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Reserve claims for the job every candidate that no active job holds, and returns those items together with the
// candidates the job already held. Stale claims are dropped and the ledger file is rewritten.
func (l *Ledger) Reserve(ctx *orchcontext.Context, req Request) ([]string, error) {
	path := req.Scope.Path()
	unlock := l.lock(path)
	defer unlock()

	entries, err := Read(path)
	if err != nil {
		return nil, err
	}

	active := make(map[int]bool, len(req.ActiveJobIds))
	for _, id := range req.ActiveJobIds {
		active[id] = true
	}
	active[req.JobId] = true

	claims := make(map[string]int, len(entries))
	kept := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if !active[entry.JobId] || req.Produced[entry.ItemKey] {
			ctx.Log.Debugf("releasing claim of job %d on %s", entry.JobId, entry.ItemKey)
			continue
		}
		if _, ok := claims[entry.ItemKey]; ok {
			continue
		}
		claims[entry.ItemKey] = entry.JobId
		kept = append(kept, entry)
	}

	var reserved []string
	seen := make(map[string]bool, len(req.Candidates))
	for _, item := range req.Candidates {
		if seen[item] || req.Produced[item] {
			continue
		}
		seen[item] = true
		owner, claimed := claims[item]
		switch {
		case !claimed:
			claims[item] = req.JobId
			kept = append(kept, Entry{ItemKey: item, JobId: req.JobId})
			reserved = append(reserved, item)
		case owner == req.JobId:
			reserved = append(reserved, item)
		default:
			ctx.Log.Infof("skipping %s, claimed by job %d", item, owner)
		}
	}

	if err := Write(path, kept); err != nil {
		return nil, err
	}
	ctx.Log.Infof("job %d holds %d of %d candidates in %s", req.JobId, len(reserved), len(req.Candidates), path)
	return reserved, nil
}

// Read parses a ledger file. A missing file is an empty ledger; malformed lines are skipped.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		sep := strings.LastIndex(line, ";")
		if sep <= 0 {
			continue
		}
		jobId, err := strconv.Atoi(line[sep+1:])
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ItemKey: line[:sep], JobId: jobId})
	}
	return entries, errors.WithStack(scanner.Err())
}

// Write replaces the ledger file with entries.
func Write(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	var buf bytes.Buffer
	for _, entry := range entries {
		fmt.Fprintf(&buf, "%s;%d\n", entry.ItemKey, entry.JobId)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}
