package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/logger"
	"github.com/GoPolymarket/accountgate/internal/pkg/metrics"
)

const (
	auditQueueSize  = 1000
	auditBufferSize = 1000
	maxAuditLimit   = 1000
	defaultLimit    = 100

	auditEnqueueTimeout = 100 * time.Millisecond
)

type AuditRepo interface {
	Insert(ctx context.Context, entry *model.AuditRecord) error
	List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditRecord, error)
}

// AuditService persists audit records off the request path. Records go to a
// bounded queue drained by one writer goroutine into the repo and an optional
// JSONL file; the newest records also stay in a ring buffer for reads.
// When the queue stays full, or after Close, records are written to the repo
// synchronously so reads served from the repo never miss them.
type AuditService struct {
	logChan chan *model.AuditRecord
	logFile *os.File
	buffer  *auditBuffer
	repo    AuditRepo
	done    chan struct{}
	once    sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewAuditService starts the writer. logDir == "" disables the JSONL file.
func NewAuditService(logDir string, repo AuditRepo) (*AuditService, error) {
	return newAuditService(logDir, repo, auditQueueSize)
}

func newAuditService(logDir string, repo AuditRepo, queueSize int) (*AuditService, error) {
	svc := &AuditService{
		logChan: make(chan *model.AuditRecord, queueSize),
		buffer:  newAuditBuffer(auditBufferSize),
		repo:    repo,
		done:    make(chan struct{}),
	}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, err
		}
		filename := filepath.Join(logDir, "audit-"+time.Now().UTC().Format("2006-01-02")+".jsonl")
		f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		svc.logFile = f
	}

	go svc.processLogs()
	return svc, nil
}

func (s *AuditService) Log(entry *model.AuditRecord) {
	if entry == nil {
		return
	}
	s.buffer.Add(entry)
	if s.enqueue(entry) {
		return
	}
	if s.repo != nil {
		s.insert(entry)
		return
	}
	metrics.AuditDropped.Inc()
	logger.Warn("audit queue unavailable, record kept in memory only", "action", entry.Action, "account_id", entry.AccountID)
}

// enqueue 最多等待 auditEnqueueTimeout, 持有读锁保证 Close 不会关闭正在发送的 channel
func (s *AuditService) enqueue(entry *model.AuditRecord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.logChan <- entry:
		return true
	default:
	}
	timer := time.NewTimer(auditEnqueueTimeout)
	defer timer.Stop()
	select {
	case s.logChan <- entry:
		return true
	case <-timer.C:
		return false
	}
}

func (s *AuditService) insert(entry *model.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.Insert(ctx, entry); err != nil {
		metrics.AuditDropped.Inc()
		logger.LogError(ctx, err, "failed to persist audit record", "id", entry.ID)
	}
}

// List reads from the repo when one is configured, falling back to the in-memory buffer.
func (s *AuditService) List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditRecord, error) {
	if filter.Limit <= 0 || filter.Limit > maxAuditLimit {
		filter.Limit = defaultLimit
	}
	if s.repo != nil {
		records, err := s.repo.List(ctx, filter)
		if err == nil {
			return records, nil
		}
		logger.LogError(ctx, err, "audit repo list failed, serving from buffer")
	}
	return s.buffer.List(filter), nil
}

func (s *AuditService) processLogs() {
	defer close(s.done)
	var encoder *json.Encoder
	if s.logFile != nil {
		encoder = json.NewEncoder(s.logFile)
	}
	for entry := range s.logChan {
		if s.repo != nil {
			s.insert(entry)
		}
		if encoder != nil {
			if err := encoder.Encode(entry); err != nil {
				logger.Error("failed to write audit file", "error", err)
			}
		}
	}
}

// Close drains the queue and closes the file.
func (s *AuditService) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.logChan)
		s.mu.Unlock()
		<-s.done
		if s.logFile != nil {
			_ = s.logFile.Close()
		}
	})
}

type auditBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.AuditRecord
	nextIndex int
}

func newAuditBuffer(maxSize int) *auditBuffer {
	if maxSize <= 0 {
		maxSize = auditBufferSize
	}
	return &auditBuffer{
		maxSize: maxSize,
		records: make([]*model.AuditRecord, 0, maxSize),
	}
}

func (b *auditBuffer) Add(entry *model.AuditRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, entry)
		return
	}
	b.records[b.nextIndex] = entry
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

// List returns matching records newest first.
func (b *auditBuffer) List(filter model.AuditFilter) []*model.AuditRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.AuditRecord, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		entry := b.records[idx]
		if entry == nil || !filter.Match(entry) {
			continue
		}
		results = append(results, entry)
		if len(results) >= limit {
			break
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	return results
}
