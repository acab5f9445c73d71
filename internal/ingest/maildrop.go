package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mailsense/mailsense/triage-core/internal/store"
)

// MaildropPoller watches a directory for dropped .json message files and
// enqueues them. A processed file is renamed with a .done suffix, a bad
// one with .err, so a crash mid-scan reprocesses at most the file it was
// on; the store's dedup makes that harmless.
type MaildropPoller struct {
	dir      string
	interval time.Duration
	service  *Service
}

func NewMaildropPoller(dir string, interval time.Duration, service *Service) *MaildropPoller {
	return &MaildropPoller{dir: dir, interval: interval, service: service}
}

// Run polls until ctx is cancelled.
func (m *MaildropPoller) Run(ctx context.Context) {
	log.Info().Str("dir", m.dir).Dur("interval", m.interval).Msg("Maildrop poller started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.scan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *MaildropPoller) scan(ctx context.Context) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", m.dir).Msg("Maildrop scan failed")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if err := m.ingestFile(ctx, path); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Maildrop file rejected")
			if renameErr := os.Rename(path, path+".err"); renameErr != nil {
				log.Warn().Err(renameErr).Str("file", entry.Name()).Msg("Failed to mark maildrop file")
			}
			continue
		}
		if err := os.Rename(path, path+".done"); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to mark maildrop file processed")
		}
	}
}

func (m *MaildropPoller) ingestFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if _, err := m.service.Submit(ctx, &msg); err != nil {
		// A redelivered file is already in the queue; that is success.
		if _, dup := err.(*store.ErrDuplicateMessage); dup {
			return nil
		}
		return err
	}
	return nil
}
