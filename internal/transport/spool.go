package transport

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Spool is the durable bulk-transfer path. Outbound messages are written
// as .msg files into an outbox directory that the platform transfer
// mechanism drains toward the peer; inbound transfers land as .msg files
// in an inbox directory, where an fsnotify watcher picks them up, hands
// them to the handler, and deletes them.
//
// Files that fail to parse are renamed to .bad rather than deleted, so a
// malformed transfer can be inspected without being re-processed forever.
type Spool struct {
	inboxDir  string
	outboxDir string
	logger    *log.Logger

	watcher *fsnotify.Watcher
	handler Handler
	seq     atomic.Uint64

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSpool creates a spool over the given directories, creating them if
// needed. The watcher is not started until Start is called.
func NewSpool(inboxDir, outboxDir string, logger *log.Logger) (*Spool, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	for _, dir := range []string{inboxDir, outboxDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Spool{
		inboxDir:  inboxDir,
		outboxDir: outboxDir,
		logger:    logger,
		watcher:   watcher,
		done:      make(chan struct{}),
	}, nil
}

// Handle registers the inbound message handler. Must be called before
// Start.
func (s *Spool) Handle(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start begins watching the inbox directory and drains any files already
// present (transfers that completed while the process was down).
func (s *Spool) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("spool already running")
	}

	if err := s.watcher.Add(s.inboxDir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", s.inboxDir, err)
	}

	s.running = true
	s.wg.Add(1)
	go s.watchLoop()

	// Pick up anything that arrived before we started watching.
	go s.drainInbox()

	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (s *Spool) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	if err := s.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Write persists an outbound message into the outbox directory for the
// platform transfer mechanism to pick up. Survives process restarts.
func (s *Spool) Write(msg Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%d-%d-%s.msg", time.Now().UnixNano(), s.seq.Add(1), msg.Kind)
	path := filepath.Join(s.outboxDir, name)

	// Write to a temp name first so the transfer mechanism never sees a
	// half-written file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish spool file: %w", err)
	}

	return nil
}

// PendingOutbound lists spooled outbound files in write order.
func (s *Spool) PendingOutbound() ([]string, error) {
	entries, err := os.ReadDir(s.outboxDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".msg") {
			continue
		}
		paths = append(paths, filepath.Join(s.outboxDir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// watchLoop processes inbox events until Stop.
func (s *Spool) watchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".msg") {
				continue
			}
			s.consume(event.Name)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("Watcher error: %v", err)
		}
	}
}

// drainInbox consumes files already sitting in the inbox.
func (s *Spool) drainInbox() {
	entries, err := os.ReadDir(s.inboxDir)
	if err != nil {
		s.logger.Printf("Failed to read inbox: %v", err)
		return
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".msg") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		s.consume(filepath.Join(s.inboxDir, name))
	}
}

// consume reads one inbox file, dispatches it, and removes it. Parse
// failures quarantine the file as .bad.
func (s *Spool) consume(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return // already consumed by the startup drain or the watcher
		}
		s.logger.Printf("Failed to read inbox file %s: %v", path, err)
		return
	}

	msg, err := UnmarshalMessage(data)
	if err != nil {
		s.logger.Printf("Quarantining unparseable inbox file %s: %v", path, err)
		if err := os.Rename(path, path+".bad"); err != nil {
			s.logger.Printf("Failed to quarantine %s: %v", path, err)
		}
		return
	}

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(msg)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Printf("Failed to remove consumed inbox file %s: %v", path, err)
	}
}
