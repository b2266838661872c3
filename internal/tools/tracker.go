package tools

import "sync"

// FileReadTracker records which absolute file paths have been read during a
// session (or sub-agent session). file_edit refuses to touch a path the
// model hasn't read first, so it always operates against hashes the model
// has actually seen.
type FileReadTracker struct {
	mu   sync.Mutex
	read map[string]bool
}

// NewFileReadTracker creates an empty tracker.
func NewFileReadTracker() *FileReadTracker {
	return &FileReadTracker{read: make(map[string]bool)}
}

// MarkRead records path as having been read.
func (t *FileReadTracker) MarkRead(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.read[path] = true
}

// WasRead reports whether path has been read since the tracker was created.
func (t *FileReadTracker) WasRead(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read[path]
}
